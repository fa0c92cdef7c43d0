package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/openskills/ospd/internal/osp/degradation"
	"github.com/openskills/ospd/internal/osp/delivery"
	"github.com/openskills/ospd/internal/osp/registry"
	"github.com/openskills/ospd/internal/osp/routing"
	"github.com/openskills/ospd/internal/osp/safety"
	"github.com/openskills/ospd/internal/osp/skillapi"
)

func newTestDispatcher() *Dispatcher {
	skills := skillapi.NewRegistry()
	skills.Register(skillapi.SystemSkill{})

	return &Dispatcher{
		Routing:     routing.NewEngine(safety.NewEngine(nil), nil),
		Delivery:    delivery.NewEnforcer(),
		Registry:    registry.New(""),
		Degradation: degradation.NewController(),
		Skills:      skills,
	}
}

func candidate(id string) map[string]any {
	return map[string]any{
		"skill_id":            id,
		"display_name":        id,
		"description":         "schedule a calendar event",
		"activation_keywords": []any{"calendar", "schedule"},
		"risk_level":          "LOW",
	}
}

// S1: lexical routing picks the candidate with the closest term overlap.
func TestDispatchRouteLexicalMatch(t *testing.T) {
	d := newTestDispatcher()
	req := Request{Method: "osp.route", Params: map[string]any{
		"query":      "please schedule a meeting on my calendar",
		"candidates": []any{candidate("org.calendar.schedule")},
	}}
	outcome := d.Dispatch(context.Background(), req)
	require.Equal(t, 200, outcome.httpStatus)
}

// S2: a SQL-injection-shaped query is refused by the prefilter, mapped to 403.
func TestDispatchRouteSQLPrefilterRefused(t *testing.T) {
	d := newTestDispatcher()
	req := Request{Method: "osp.route", Params: map[string]any{
		"query":      "'; DROP TABLE users; --",
		"candidates": []any{candidate("org.calendar.schedule")},
	}}
	outcome := d.Dispatch(context.Background(), req)
	require.Equal(t, 403, outcome.httpStatus)
}

// S4: an empty query maps to HTTP 400.
func TestDispatchRouteEmptyQueryBadRequest(t *testing.T) {
	d := newTestDispatcher()
	req := Request{Method: "osp.route", Params: map[string]any{
		"query":      "   ",
		"candidates": []any{candidate("org.calendar.schedule")},
	}}
	outcome := d.Dispatch(context.Background(), req)
	require.Equal(t, 400, outcome.httpStatus)
}

// S3: the escape hatch dispatches directly without running safety/scoring.
func TestDispatchRouteEscapeHatch(t *testing.T) {
	d := newTestDispatcher()
	req := Request{Method: "osp.route", Params: map[string]any{
		"query":      "@override direct dispatch please",
		"candidates": []any{candidate("org.calendar.schedule")},
	}}
	outcome := d.Dispatch(context.Background(), req)
	require.Equal(t, 200, outcome.httpStatus)
}

func TestDispatchExecuteMissingSkillID(t *testing.T) {
	d := newTestDispatcher()
	outcome := d.Dispatch(context.Background(), Request{Method: "osp.execute", Params: map[string]any{}})
	require.Equal(t, 400, outcome.httpStatus)
}

func TestDispatchExecuteUnknownSkill(t *testing.T) {
	d := newTestDispatcher()
	outcome := d.Dispatch(context.Background(), Request{Method: "osp.execute", Params: map[string]any{"skill_id": "org.missing"}})
	require.Equal(t, 404, outcome.httpStatus)
}

// S5: idempotent execute returns the same contract without re-invoking the skill.
func TestDispatchExecuteIsIdempotent(t *testing.T) {
	d := newTestDispatcher()
	req := Request{Method: "osp.execute", Params: map[string]any{
		"skill_id":        "osp.std.system",
		"arguments":       map[string]interface{}{"command": "get_time"},
		"idempotency_key": "req-1",
	}}
	first := d.Dispatch(context.Background(), req)
	require.Equal(t, 200, first.httpStatus)

	second := d.Dispatch(context.Background(), req)
	require.Equal(t, 200, second.httpStatus)
}

func TestDispatchExecuteRejectsNonObjectArguments(t *testing.T) {
	d := newTestDispatcher()
	req := Request{Method: "osp.execute", Params: map[string]any{
		"skill_id": "osp.std.system",
	}}
	req.rawParams = gjson.Parse(`{"skill_id":"osp.std.system","arguments":"not-an-object"}`)
	outcome := d.Dispatch(context.Background(), req)
	require.Equal(t, 400, outcome.httpStatus)
}

func TestDispatchExecuteRejectsWhenDegraded(t *testing.T) {
	d := newTestDispatcher()
	d.Degradation.ForceLevel(degradation.D3Critical)

	req := Request{Method: "osp.execute", Params: map[string]any{
		"skill_id":  "osp.std.system",
		"arguments": map[string]interface{}{"command": "get_time"},
	}}
	outcome := d.Dispatch(context.Background(), req)
	require.Equal(t, 503, outcome.httpStatus)
}

func TestDispatchGetProofMissingKey(t *testing.T) {
	d := newTestDispatcher()
	outcome := d.Dispatch(context.Background(), Request{Method: "osp.get_proof", Params: map[string]any{}})
	require.Equal(t, 400, outcome.httpStatus)
}

func TestDispatchListSkills(t *testing.T) {
	d := newTestDispatcher()
	outcome := d.Dispatch(context.Background(), Request{Method: "osp.list_skills"})
	require.Equal(t, 200, outcome.httpStatus)
}

func TestDispatchGetCapabilities(t *testing.T) {
	d := newTestDispatcher()
	outcome := d.Dispatch(context.Background(), Request{Method: "osp.get_capabilities"})
	require.Equal(t, 200, outcome.httpStatus)
}

func TestDispatchConformanceRun(t *testing.T) {
	d := newTestDispatcher()
	outcome := d.Dispatch(context.Background(), Request{Method: "osp.conformance.run"})
	require.Equal(t, 200, outcome.httpStatus)
	body, ok := outcome.result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "conformant", body["status"])
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := newTestDispatcher()
	outcome := d.Dispatch(context.Background(), Request{Method: "osp.bogus"})
	require.Equal(t, 404, outcome.httpStatus)
}

func TestRefusalStatusMapping(t *testing.T) {
	require.Equal(t, 503, refusalStatus("SAFETY_CLASSIFIER_UNAVAILABLE"))
	require.Equal(t, 400, refusalStatus("INVALID_REQUEST_EMPTY_QUERY"))
	require.Equal(t, 403, refusalStatus("SEMANTIC_JAILBREAK_ATTEMPT"))
}
