// Package delivery implements the OSP delivery enforcer: contract
// issuance, freshness lifecycle, idempotent retrieval, bounded retries,
// and a hash-chained append-only proof log.
package delivery

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openskills/ospd/internal/osp/canon"
	"github.com/openskills/ospd/internal/osp/degradation"
)

const (
	contractStoreSize = 1000
	proofLogSize      = 5000

	freshnessFreshUpper = 0.8
	freshnessStaleUpper = 1.0
)

// genesisHash is the chain's starting prev_hash: 64 ASCII zero characters.
var genesisHash = strings.Repeat("0", 64)

// ExecutionStatus is the Delivery Contract's execution_status field.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Freshness is a pure function of wall-clock time and (issued_at,
// expires_at).
type Freshness string

const (
	FreshnessFresh   Freshness = "fresh"
	FreshnessStale   Freshness = "stale"
	FreshnessExpired Freshness = "expired"
)

// Contract is the Delivery Contract data model.
type Contract struct {
	SkillRef        string          `json:"skill_ref"`
	TTLSeconds      int             `json:"ttl_seconds"`
	IssuedAt        time.Time       `json:"issued_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	IdempotencyKey  string          `json:"idempotency_key"`
	MaxRetries      int             `json:"max_retries"`
	RetriesUsed     int             `json:"retries_used"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	ExecutionResult interface{}     `json:"execution_result,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
}

// Freshness evaluates the freshness bucket at the current wall-clock
// time; fresh when elapsed/ttl < 0.8, stale in [0.8, 1.0), expired at
// ≥ 1.0.
func (c *Contract) Freshness(now time.Time) Freshness {
	total := c.ExpiresAt.Sub(c.IssuedAt).Seconds()
	if total <= 0 {
		return FreshnessExpired
	}
	elapsed := now.Sub(c.IssuedAt).Seconds()
	ratio := elapsed / total
	switch {
	case ratio < freshnessFreshUpper:
		return FreshnessFresh
	case ratio < freshnessStaleUpper:
		return FreshnessStale
	default:
		return FreshnessExpired
	}
}

// ProofEntry is one hash-chained, append-only proof log record.
type ProofEntry struct {
	Sequence       int64          `json:"sequence"`
	EventType      string         `json:"event_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Timestamp      time.Time      `json:"timestamp"`
	PrevHash       string         `json:"prev_hash"`
	Context        map[string]any `json:"context,omitempty"`
}

// ErrDegraded is returned when admission is denied by the degradation
// controller.
type ErrDegraded struct{}

func (ErrDegraded) Error() string { return "service unavailable: degraded admission denied the request" }

// ErrExpired is returned when a contract has already expired.
type ErrExpired struct{ IdempotencyKey string }

func (e ErrExpired) Error() string {
	return fmt.Sprintf("delivery contract %q has expired", e.IdempotencyKey)
}

// ContractStore is the pluggable backing store for delivery contracts.
// The default is an in-memory bounded LRU; a durable deployment may back
// it with Redis (see NewRedisContractStore) without changing Enforcer's
// issuance/execution logic, per spec.md §1's durable-deployment allowance.
type ContractStore interface {
	Get(key string) (*Contract, bool)
	Add(key string, c *Contract)
}

// lruContractStore is the default bounded in-memory ContractStore.
type lruContractStore struct {
	cache *lru.Cache[string, *Contract]
}

func newLRUContractStore() *lruContractStore {
	cache, err := lru.New[string, *Contract](contractStoreSize)
	if err != nil {
		// lru.New only errors on a non-positive size; contractStoreSize is
		// a fixed positive constant, so this path is unreachable.
		panic(err)
	}
	return &lruContractStore{cache: cache}
}

func (s *lruContractStore) Get(key string) (*Contract, bool) { return s.cache.Get(key) }
func (s *lruContractStore) Add(key string, c *Contract)       { s.cache.Add(key, c) }

// Enforcer is the single entry point for issuing and executing delivery
// contracts. It holds the pluggable contract store and proof log.
type Enforcer struct {
	mu        sync.Mutex
	contracts ContractStore
	proofLog  []ProofEntry
	nextSeq   int64
	nowFn     func() time.Time
}

// NewEnforcer constructs an Enforcer backed by the default in-memory
// bounded store (1000 contracts), with a 5000-entry proof log.
func NewEnforcer() *Enforcer {
	return NewEnforcerWithStore(newLRUContractStore())
}

// NewEnforcerWithStore constructs an Enforcer against a caller-supplied
// ContractStore, e.g. NewRedisContractStore for a durable deployment.
func NewEnforcerWithStore(store ContractStore) *Enforcer {
	return &Enforcer{contracts: store, nowFn: time.Now}
}

// IssueContract allocates a new contract, or returns an existing
// non-expired one sharing idempotencyKey (an idempotent hit).
func (e *Enforcer) IssueContract(skillRef string, ttlSeconds int, maxRetries int, idempotencyKey string) *Contract {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idempotencyKey != "" {
		if existing, ok := e.contracts.Get(idempotencyKey); ok {
			if existing.Freshness(e.nowFn()) != FreshnessExpired {
				return existing
			}
		}
	}

	now := e.nowFn()
	key := idempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s-%d", skillRef, now.UnixNano())
	}
	contract := &Contract{
		SkillRef:        skillRef,
		TTLSeconds:      ttlSeconds,
		IssuedAt:        now,
		ExpiresAt:       now.Add(time.Duration(ttlSeconds) * time.Second),
		IdempotencyKey:  key,
		MaxRetries:      maxRetries,
		ExecutionStatus: StatusPending,
	}
	e.contracts.Add(key, contract)
	return contract
}

// ExecuteFn is the caller-supplied skill invocation; a non-nil error is
// treated as a retryable failure.
type ExecuteFn func(arguments map[string]interface{}) (interface{}, error)

// ExecuteWithContract runs fn under the freshness/idempotency/retry
// discipline spec.md §4.5 requires, appending proof log entries for every
// state transition.
func (e *Enforcer) ExecuteWithContract(
	skillRef string,
	fn ExecuteFn,
	arguments map[string]interface{},
	ttlSeconds int,
	maxRetries int,
	idempotencyKey string,
	controller *degradation.Controller,
) (*Contract, error) {
	if controller != nil && !controller.CheckRequestAllowed() {
		e.appendProof("REJECTED_DEGRADATION", idempotencyKey, nil)
		return nil, ErrDegraded{}
	}

	contract := e.IssueContract(skillRef, ttlSeconds, maxRetries, idempotencyKey)

	if contract.ExecutionStatus == StatusCompleted {
		e.appendProof("IDEMPOTENT_RETURN", contract.IdempotencyKey, nil)
		return contract, nil
	}

	if contract.Freshness(e.nowFn()) == FreshnessExpired {
		e.appendProof("CONTRACT_EXPIRED", contract.IdempotencyKey, nil)
		return contract, ErrExpired{IdempotencyKey: contract.IdempotencyKey}
	}

	attempts := maxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		start := e.nowFn()
		result, err := fn(arguments)
		latencyMs := e.nowFn().Sub(start).Milliseconds()

		if err == nil {
			e.mu.Lock()
			contract.ExecutionResult = result
			contract.ExecutionStatus = StatusCompleted
			e.mu.Unlock()
			e.appendProof("EXECUTION_SUCCESS", contract.IdempotencyKey, map[string]any{"latency_ms": latencyMs})
			return contract, nil
		}

		lastErr = err
		e.mu.Lock()
		contract.RetriesUsed = attempt + 1
		e.mu.Unlock()
		e.appendProof("EXECUTION_RETRY", contract.IdempotencyKey, map[string]any{"attempt": attempt + 1, "error": err.Error()})
	}

	e.mu.Lock()
	contract.ExecutionStatus = StatusFailed
	if lastErr != nil {
		contract.LastError = lastErr.Error()
	}
	e.mu.Unlock()
	e.appendProof("EXECUTION_FAILED", contract.IdempotencyKey, map[string]any{"error": contract.LastError})
	return contract, lastErr
}

// GetProof returns the contract snapshot (freshness re-evaluated at read
// time) plus every proof log entry filtered by idempotencyKey.
func (e *Enforcer) GetProof(idempotencyKey string) (*Contract, []ProofEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	contract, _ := e.contracts.Get(idempotencyKey)

	var matched []ProofEntry
	for _, entry := range e.proofLog {
		if entry.IdempotencyKey == idempotencyKey {
			matched = append(matched, entry)
		}
	}
	return contract, matched
}

func (e *Enforcer) appendProof(eventType, idempotencyKey string, ctx map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prevHash := genesisHash
	if len(e.proofLog) > 0 {
		prev := e.proofLog[len(e.proofLog)-1]
		if h, err := canon.Hash(prev, "sha256"); err == nil {
			prevHash = h
		}
	}

	entry := ProofEntry{
		Sequence:       e.nextSeq,
		EventType:      eventType,
		IdempotencyKey: idempotencyKey,
		Timestamp:      e.nowFn(),
		PrevHash:       prevHash,
		Context:        ctx,
	}
	e.nextSeq++

	e.proofLog = append(e.proofLog, entry)
	if len(e.proofLog) > proofLogSize {
		e.proofLog = e.proofLog[len(e.proofLog)-proofLogSize:]
	}
}
