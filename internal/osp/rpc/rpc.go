// Package rpc implements the OSP JSON-RPC 2.0 dispatcher: envelope
// parsing, the osp.* method table, HTTP status-code mapping, and the
// _meta envelope (request_id/trace_id/timestamp) attached to every
// response, following the teacher's HTTP-gateway shape generalized to
// OSP's own RPC surface.
package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/openskills/ospd/internal/osp/canon"
	"github.com/openskills/ospd/internal/osp/degradation"
	"github.com/openskills/ospd/internal/osp/delivery"
	"github.com/openskills/ospd/internal/osp/registry"
	"github.com/openskills/ospd/internal/osp/routing"
	"github.com/openskills/ospd/internal/osp/skillapi"
)

// Request is the JSON-RPC 2.0 envelope the dispatcher accepts.
type Request struct {
	JSONRPC   string         `json:"jsonrpc"`
	Method    string         `json:"method"`
	Params    map[string]any `json:"params"`
	ID        *string        `json:"id,omitempty"`
	rawParams gjson.Result
}

// Meta is the _meta envelope attached to every response.
type Meta struct {
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is the JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	ID      *string   `json:"id,omitempty"`
	Meta    Meta      `json:"_meta"`
}

func newMeta() Meta {
	return Meta{
		RequestID: uuid.NewString(),
		TraceID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

// Dispatcher is the single entry point binding every OSP component
// together behind the JSON-RPC method table.
type Dispatcher struct {
	Routing     *routing.Engine
	Delivery    *delivery.Enforcer
	Registry    *registry.Registry
	Degradation *degradation.Controller
	Skills      *skillapi.Registry
}

// dispatched is the uniform outcome of invoking one method.
type dispatched struct {
	httpStatus int
	result     any
	rpcErr     *RPCError
}

// invalidParams builds the JSON-RPC 2.0 "Invalid params" error mapped to
// HTTP 400, the shape every params-validation failure below returns.
func invalidParams(message string) dispatched {
	return dispatched{httpStatus: 400, rpcErr: &RPCError{Code: -32602, Message: message}}
}

func methodNotFound(method string) dispatched {
	return dispatched{httpStatus: 404, rpcErr: &RPCError{Code: -32601, Message: "method '" + method + "' not found"}}
}

// Dispatch routes req to the matching osp.* method and returns the
// outcome, status-mapped per the external interface's table.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) dispatched {
	switch req.Method {
	case "osp.route":
		return d.dispatchRoute(req)
	case "osp.execute":
		return d.dispatchExecute(ctx, req)
	case "osp.get_proof":
		return d.dispatchGetProof(req)
	case "osp.list_profiles":
		return d.dispatchListProfiles()
	case "osp.list_skills":
		return d.dispatchListSkills()
	case "osp.get_capabilities":
		return d.dispatchGetCapabilities()
	case "osp.get_skill":
		return d.dispatchGetSkill(req)
	case "osp.conformance.run":
		return d.dispatchConformanceRun()
	default:
		return methodNotFound(req.Method)
	}
}

func (d *Dispatcher) dispatchRoute(req Request) dispatched {
	query, _ := req.Params["query"].(string)

	var candidates []routing.CandidateSkill
	if raw, ok := req.Params["candidates"]; ok {
		candidates = decodeCandidates(raw)
	} else {
		candidates = d.Skills.Candidates()
	}

	var conditions routing.RoutingConditions
	if raw, ok := req.Params["conditions"].(map[string]any); ok {
		if skip, ok := raw["skip_semantic"].(bool); ok {
			conditions.SkipSemantic = skip
		}
	}

	decision, refusal := d.Routing.Route(query, candidates, conditions)
	if refusal != nil {
		return dispatched{httpStatus: refusalStatus(refusal.ReasonCode), result: refusal}
	}
	return dispatched{httpStatus: 200, result: decision}
}

// refusalStatus maps a routing/safety reason code to its HTTP status per
// the external interface's table: availability/fail-closed reasons are
// 503, the empty-query validation failure is 400, everything else is a
// standard safety block (403).
func refusalStatus(reasonCode string) int {
	switch reasonCode {
	case "SAFETY_CLASSIFIER_UNAVAILABLE", "SAFETY_CHECK_TIMEOUT", "ANOMALY_DETECTED_SEMANTIC_BYPASS":
		return 503
	case "INVALID_REQUEST_EMPTY_QUERY":
		return 400
	default:
		return 403
	}
}

func (d *Dispatcher) dispatchExecute(ctx context.Context, req Request) dispatched {
	skillID, _ := req.Params["skill_id"].(string)
	if skillID == "" {
		return invalidParams("missing skill_id")
	}

	skill, ok := d.Skills.Get(skillID)
	if !ok {
		return dispatched{httpStatus: 404, rpcErr: &RPCError{Code: -32601, Message: "skill tools not found for " + skillID}}
	}

	arguments, ok := req.Params["arguments"].(map[string]interface{})
	if !ok {
		argField := req.rawParams.Get("arguments")
		if argField.Exists() && !argField.IsObject() {
			return invalidParams("arguments must be a JSON object")
		}
		arguments = map[string]interface{}{}
	}
	ttl := 300
	if v, ok := req.Params["ttl_seconds"].(float64); ok {
		ttl = int(v)
	}
	maxRetries := 2
	if v, ok := req.Params["max_retries"].(float64); ok {
		maxRetries = int(v)
	}
	idempotencyKey, _ := req.Params["idempotency_key"].(string)

	contract, err := d.Delivery.ExecuteWithContract(skillID, skillapi.ExecuteFunc(ctx, skill), arguments, ttl, maxRetries, idempotencyKey, d.Degradation)
	if err != nil {
		switch err.(type) {
		case delivery.ErrDegraded:
			return dispatched{httpStatus: 503, rpcErr: &RPCError{Code: -32603, Message: err.Error()}}
		case delivery.ErrExpired:
			return dispatched{httpStatus: 409, rpcErr: &RPCError{Code: -32603, Message: err.Error()}}
		default:
			return dispatched{httpStatus: 500, rpcErr: &RPCError{Code: -32603, Message: err.Error()}}
		}
	}
	return dispatched{httpStatus: 200, result: contract}
}

func (d *Dispatcher) dispatchGetProof(req Request) dispatched {
	idemKey, _ := req.Params["idempotency_key"].(string)
	if idemKey == "" {
		return invalidParams("missing idempotency_key")
	}
	contract, proof := d.Delivery.GetProof(idemKey)
	if contract == nil {
		return dispatched{httpStatus: 404, result: map[string]string{"error": "no contract found for key '" + idemKey + "'"}}
	}
	return dispatched{httpStatus: 200, result: map[string]any{"contract": contract, "proof": proof}}
}

func (d *Dispatcher) dispatchListProfiles() dispatched {
	return dispatched{httpStatus: 200, result: map[string]any{
		"current_level": d.Degradation.Level().String(),
		"profiles": map[string]any{
			"D0_NORMAL":               map[string]any{"description": "Full functionality, all capabilities", "llm": true, "semantic_routing": true},
			"D1_REDUCED_INTELLIGENCE": map[string]any{"description": "No LLM, deterministic routing only", "llm": false, "semantic_routing": true},
			"D2_MINIMAL":              map[string]any{"description": "Strict lexical matching only", "llm": false, "semantic_routing": false},
			"D3_CRITICAL":             map[string]any{"description": "Load shedding, service unavailable", "llm": false, "semantic_routing": false},
		},
	}}
}

func (d *Dispatcher) dispatchListSkills() dispatched {
	return dispatched{httpStatus: 200, result: d.Skills.List()}
}

func (d *Dispatcher) dispatchGetCapabilities() dispatched {
	return dispatched{httpStatus: 200, result: map[string]any{
		"protocol": "OSP/1.0",
		"server":   "OSP Reference Server",
		"methods": []string{
			"osp.route", "osp.execute", "osp.list_skills",
			"osp.get_capabilities", "osp.get_skill", "osp.get_proof",
			"osp.list_profiles", "osp.conformance.run",
		},
		"auth":               "JCS+ES256/ES384/ES512/RS256/RS384/RS512/EdDSA/HS256/HS512",
		"degradation_levels": []string{"D0_NORMAL", "D1_REDUCED_INTELLIGENCE", "D2_MINIMAL", "D3_CRITICAL"},
		"delivery_contracts": true,
	}}
}

func (d *Dispatcher) dispatchGetSkill(req Request) dispatched {
	skillID, _ := req.Params["skill_id"].(string)
	if skillID == "" {
		return invalidParams("missing skill_id")
	}
	skill, ok := d.Skills.Get(skillID)
	if !ok {
		return dispatched{httpStatus: 404, result: map[string]string{"error": "skill '" + skillID + "' not found"}}
	}
	return dispatched{httpStatus: 200, result: skill.Metadata()}
}

// RunConformanceCheck runs the same self-check as osp.conformance.run and
// returns its status/checks directly, for callers outside the RPC surface
// (e.g. a background cron job) that can't unwrap the unexported dispatched
// envelope.
func (d *Dispatcher) RunConformanceCheck() (status string, checks map[string]string) {
	outcome := d.dispatchConformanceRun()
	result := outcome.result.(map[string]any)
	return result["status"].(string), result["checks"].(map[string]string)
}

func (d *Dispatcher) dispatchConformanceRun() dispatched {
	checks := map[string]string{
		"routing_pipeline":  "4-stage (BM25+Semantic+Conflict+Tiebreak)",
		"safety_classifier": "TF-IDF + KL-divergence",
		"degradation":       "D0-D3 with hysteresis",
		"crypto":            "9 algorithms (ES/RS/EdDSA/HMAC)",
	}

	status := "conformant"
	if err := runCryptoSelfCheck(); err != nil {
		checks["crypto"] = "FAILED: " + err.Error()
		status = "nonconformant"
	}

	return dispatched{httpStatus: 200, result: map[string]any{
		"protocol": "OSP/1.0",
		"server":   "OSP Reference Server",
		"checks":   checks,
		"status":   status,
	}}
}

// runCryptoSelfCheck round-trips a sign/verify for every supported
// algorithm against a fixed document, per the osp.conformance.run
// self-check contract.
func runCryptoSelfCheck() error {
	doc := map[string]interface{}{"conformance": "self-check", "nonce": "fixed"}
	algs := []canon.Algorithm{
		canon.ES256, canon.ES384, canon.ES512,
		canon.RS256, canon.RS384, canon.RS512,
		canon.EdDSA,
		canon.HS256, canon.HS512,
	}
	for _, alg := range algs {
		priv, pub, err := canon.GenerateKeyPair(alg)
		if err != nil {
			return fmt.Errorf("%s: generate keypair: %w", alg, err)
		}
		verifyKey := pub
		if pub == nil {
			verifyKey = priv // HMAC: the same secret signs and verifies.
		}

		sig, err := canon.Sign(doc, priv, alg)
		if err != nil {
			return fmt.Errorf("%s: sign: %w", alg, err)
		}
		if !canon.Verify(doc, sig, verifyKey, alg) {
			return fmt.Errorf("%s: sign/verify roundtrip failed", alg)
		}
	}
	return nil
}

// decodeCandidates converts the loosely-typed params["candidates"] value
// (already unmarshaled into []any by encoding/json) into typed
// CandidateSkill values by type assertion: non-object items are skipped,
// fields of another type are left empty, and risk_level falls back to LOW.
func decodeCandidates(raw any) []routing.CandidateSkill {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]routing.CandidateSkill, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c := routing.CandidateSkill{}
		c.SkillID, _ = m["skill_id"].(string)
		c.DisplayName, _ = m["display_name"].(string)
		c.Description, _ = m["description"].(string)
		c.RiskLevel = routing.RiskLevel(stringOr(m["risk_level"], "LOW"))
		c.SafetyClearance, _ = m["safety_clearance"].(string)
		if kws, ok := m["activation_keywords"].([]any); ok {
			for _, kw := range kws {
				if s, ok := kw.(string); ok {
					c.ActivationKeywords = append(c.ActivationKeywords, s)
				}
			}
		}
		out = append(out, c)
	}
	return out
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
