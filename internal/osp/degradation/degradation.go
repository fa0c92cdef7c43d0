// Package degradation implements the OSP graceful-degradation finite
// state machine: a process-wide D0..D3 level with hysteresis, derived
// capability queries, and an optional context-supervised monitor loop
// sampling CPU/memory, following the teacher's circuit-breaker state
// machine pattern.
package degradation

import (
	"context"
	"sync"
	"time"
)

// Level is one of the four total-ordered degradation levels.
type Level int

const (
	D0Normal              Level = 0
	D1ReducedIntelligence Level = 1
	D2Minimal             Level = 2
	D3Critical            Level = 3
)

func (l Level) String() string {
	switch l {
	case D0Normal:
		return "D0_NORMAL"
	case D1ReducedIntelligence:
		return "D1_REDUCED_INTELLIGENCE"
	case D2Minimal:
		return "D2_MINIMAL"
	case D3Critical:
		return "D3_CRITICAL"
	default:
		return "UNKNOWN"
	}
}

const (
	escalationStreak = 2
	recoveryStreak   = 4

	cpuD3Threshold = 95.0
	memD3Threshold = 95.0
	cpuD2Threshold = 80.0
	memD2Threshold = 85.0
	cpuD1Threshold = 50.0
	memD1Threshold = 60.0

	defaultSampleInterval = 5 * time.Second
)

// SystemSampler is the capability interface for CPU/memory sampling. A
// nil sampler disables the monitor loop cleanly, matching spec.md §9's
// "lazy imports" note — the controller itself never imports a sampling
// library directly.
type SystemSampler interface {
	CPUPercent() (float64, error)
	MemPercent() (float64, error)
}

// Controller is the single source of truth for the degradation level. It
// holds no package-level state: callers construct and inject one
// instance, matching spec.md §9's redesign away from module-level
// mutable singletons.
type Controller struct {
	mu                sync.RWMutex
	level             Level
	highLoadTicks     int
	normalLoadTicks   int

	sampler  SystemSampler
	interval time.Duration

	onChange func(from, to Level)
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithSampler installs a SystemSampler; without one the monitor loop is a
// no-op and the level must be driven externally via ForceLevel.
func WithSampler(s SystemSampler) Option {
	return func(c *Controller) { c.sampler = s }
}

// WithInterval overrides the default 5s monitor sample interval.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// WithOnChange installs a callback invoked (in a new goroutine, matching
// the teacher's circuit breaker's OnStateChange) whenever the level
// transitions.
func WithOnChange(fn func(from, to Level)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// NewController constructs a Controller at D0_NORMAL.
func NewController(opts ...Option) *Controller {
	c := &Controller{level: D0Normal, interval: defaultSampleInterval}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Level returns the current degradation level.
func (c *Controller) Level() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// CheckRequestAllowed reports whether admission is currently permitted.
func (c *Controller) CheckRequestAllowed() bool {
	return c.Level() < D3Critical
}

// ShouldUseLLM reports whether LLM usage is currently permitted.
func (c *Controller) ShouldUseLLM() bool {
	return c.Level() == D0Normal
}

// IsStrictRoutingOnly reports whether semantic rerank (Stage 2) must be
// skipped.
func (c *Controller) IsStrictRoutingOnly() bool {
	return c.Level() >= D2Minimal
}

// ForceLevel sets the level directly, bypassing hysteresis. Used for
// tests and the admin override endpoint.
func (c *Controller) ForceLevel(l Level) {
	c.mu.Lock()
	old := c.level
	c.level = l
	c.highLoadTicks = 0
	c.normalLoadTicks = 0
	c.mu.Unlock()
	c.notify(old, l)
}

// Sample feeds one CPU/mem observation through the hysteresis state
// machine and returns the resulting level.
func (c *Controller) Sample(cpuPercent, memPercent float64) Level {
	target := targetLevel(cpuPercent, memPercent)

	c.mu.Lock()
	current := c.level
	var newLevel Level
	switch {
	case target > current:
		c.highLoadTicks++
		c.normalLoadTicks = 0
		if c.highLoadTicks >= escalationStreak {
			newLevel = target
			c.highLoadTicks = 0
		} else {
			newLevel = current
		}
	case target < current:
		c.normalLoadTicks++
		c.highLoadTicks = 0
		if c.normalLoadTicks >= recoveryStreak {
			newLevel = target
			c.normalLoadTicks = 0
		} else {
			newLevel = current
		}
	default:
		c.highLoadTicks = 0
		c.normalLoadTicks = 0
		newLevel = current
	}
	c.level = newLevel
	c.mu.Unlock()

	if newLevel != current {
		c.notify(current, newLevel)
	}
	return newLevel
}

func (c *Controller) notify(from, to Level) {
	if from != to && c.onChange != nil {
		go c.onChange(from, to)
	}
}

func targetLevel(cpuPercent, memPercent float64) Level {
	switch {
	case cpuPercent > cpuD3Threshold || memPercent > memD3Threshold:
		return D3Critical
	case cpuPercent > cpuD2Threshold || memPercent > memD2Threshold:
		return D2Minimal
	case cpuPercent > cpuD1Threshold || memPercent > memD1Threshold:
		return D1ReducedIntelligence
	default:
		return D0Normal
	}
}

// Run starts the monitor loop and blocks until ctx is cancelled. It is a
// supervised task, started explicitly by the caller (e.g. from main) with
// its own context — never a daemon goroutine spawned inside a
// constructor, per spec.md §9. Without a sampler, Run takes no samples
// and just blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if c.sampler == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cpu, err := c.sampler.CPUPercent()
			if err != nil {
				continue
			}
			mem, err := c.sampler.MemPercent()
			if err != nil {
				continue
			}
			c.Sample(cpu, mem)
		}
	}
}
