// Package skillapi defines the Skill ABI contract skills implement to be
// dispatched through osp.execute, and a bounded in-process registry that
// replaces the original implementation's directory-scanning, dynamically
// imported skill loader with dependency-injected Go values.
package skillapi

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openskills/ospd/internal/osp/routing"
)

// Metadata is a Skill's Routing Candidate representation plus the fields
// osp.list_skills/osp.get_skill expose externally.
type Metadata struct {
	SkillID            string               `json:"skill_id"`
	DisplayName        string               `json:"display_name"`
	Description        string               `json:"description"`
	ActivationKeywords []string             `json:"activation_keywords"`
	RiskLevel          routing.RiskLevel    `json:"risk_level"`
	SafetyClearance    string               `json:"safety_clearance,omitempty"`
	Instruction        string               `json:"instruction,omitempty"`
}

// Skill is the ABI a skill implementation satisfies: a single Execute
// entry point taking the caller-supplied arguments and returning a
// JSON-serializable result, or an error treated as retryable by the
// delivery enforcer.
type Skill interface {
	Metadata() Metadata
	Execute(ctx context.Context, arguments map[string]interface{}) (interface{}, error)
}

// Registry is the single entry point skills are registered against and
// looked up through. It holds no package-level state — callers construct
// and inject one instance.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds or replaces a skill under its own SkillID.
func (r *Registry) Register(skill Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[skill.Metadata().SkillID] = skill
}

// Get returns the skill registered under skillID, if any.
func (r *Registry) Get(skillID string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[skillID]
	return s, ok
}

// List returns every registered skill's metadata, sorted by skill_id for
// a deterministic osp.list_skills response.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SkillID < out[j].SkillID })
	return out
}

// Candidates returns every registered skill's metadata as a Routing
// Candidate pool, the shape osp.route consumes.
func (r *Registry) Candidates() []routing.CandidateSkill {
	metas := r.List()
	out := make([]routing.CandidateSkill, len(metas))
	for i, m := range metas {
		out[i] = routing.CandidateSkill{
			SkillID:            m.SkillID,
			DisplayName:        m.DisplayName,
			Description:        m.Description,
			ActivationKeywords: m.ActivationKeywords,
			RiskLevel:          m.RiskLevel,
			SafetyClearance:    m.SafetyClearance,
		}
	}
	return out
}

// ExecuteFunc adapts a Skill into the delivery enforcer's ExecuteFn,
// binding ctx once so the enforcer's retry loop never has to know about
// contexts.
func ExecuteFunc(ctx context.Context, skill Skill) func(arguments map[string]interface{}) (interface{}, error) {
	return func(arguments map[string]interface{}) (interface{}, error) {
		return skill.Execute(ctx, arguments)
	}
}

// ErrNotFound is returned by lookups against an unregistered skill_id.
type ErrNotFound struct{ SkillID string }

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("skillapi: skill %q is not registered", e.SkillID)
}
