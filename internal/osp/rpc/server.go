package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	osperrors "github.com/openskills/ospd/internal/infra/errors"
	"github.com/openskills/ospd/internal/infra/logging"
	infmiddleware "github.com/openskills/ospd/internal/infra/middleware"
	"github.com/openskills/ospd/internal/infra/security"
	"github.com/openskills/ospd/internal/osp/degradation"
	ospmetrics "github.com/openskills/ospd/internal/osp/metrics"
	"github.com/openskills/ospd/internal/osp/registry"
)

// replayWindow bounds how long a signed request body's signature is
// remembered for replay detection.
const replayWindow = 5 * time.Minute

const maxRPCBodyBytes int64 = 1 << 20 // 1MiB

// ServerConfig configures the HTTP surface wrapping a Dispatcher.
type ServerConfig struct {
	Logger *logging.Logger

	// SignatureVerifier, if non-nil, is invoked on every /osp-rpc body
	// against the X-OSP-Signature/X-OSP-Alg headers. StrictSignature
	// controls whether a failed/missing signature rejects the request
	// (strict mode) or is merely logged (soft mode, the default, matching
	// the original server's OSP_SIGNATURE_ENFORCE=false default).
	SignatureVerifier *SignatureVerifier
	StrictSignature   bool

	RateLimiter *infmiddleware.RateLimiter

	AdminKey string

	CORSAllowedOrigins []string
}

// Server is the OSP reference server's HTTP surface: the JSON-RPC
// endpoint, health/metrics, and the admin routes.
type Server struct {
	dispatcher *Dispatcher
	cfg        ServerConfig
	metrics    *ospmetrics.Metrics
	degrade    *degradation.Controller
	replay     *security.ReplayProtection
}

// NewServer wires a Dispatcher and ServerConfig into a gorilla/mux
// router with the standard middleware chain: logging, recovery, CORS,
// body-size limit, security headers and a 20s timeout. /osp-rpc is
// additionally wrapped in POST/JSON validation and, when configured, rate
// limiting (keyed on the user ID, else the client IP).
func NewServer(dispatcher *Dispatcher, metrics *ospmetrics.Metrics, cfg ServerConfig) http.Handler {
	s := &Server{dispatcher: dispatcher, cfg: cfg, metrics: metrics, degrade: dispatcher.Degradation}
	if cfg.SignatureVerifier != nil {
		s.replay = security.NewReplayProtection(replayWindow, cfg.Logger)
	}

	router := mux.NewRouter()
	router.Use(infmiddleware.LoggingMiddleware(cfg.Logger))
	router.Use(infmiddleware.NewRecoveryMiddleware(cfg.Logger).Handler)
	router.Use(infmiddleware.NewCORSMiddleware(&infmiddleware.CORSConfig{
		AllowedOrigins:         cfg.CORSAllowedOrigins,
		AllowedHeaders:         []string{"Content-Type", "X-OSP-Signature", "X-OSP-Alg", "X-Admin-Key", "X-Trace-ID"},
		AllowCredentials:       false,
		RejectDisallowedOrigin: false,
	}).Handler)
	router.Use(infmiddleware.NewBodyLimitMiddleware(maxRPCBodyBytes).Handler)
	router.Use(infmiddleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(infmiddleware.NewTimeoutMiddleware(20 * time.Second).Handler)

	rpcHandler := http.Handler(http.HandlerFunc(s.handleRPC))
	if cfg.RateLimiter != nil {
		rpcHandler = cfg.RateLimiter.Handler(rpcHandler)
	}
	rpcValidation := infmiddleware.NewValidationMiddleware(infmiddleware.ValidationConfig{
		AllowedMethods: []string{http.MethodPost},
		ContentTypes:   []string{"application/json"},
	})
	rpcHandler = rpcValidation.Handler(rpcHandler)
	router.Handle("/osp-rpc", rpcHandler).Methods(http.MethodPost)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/admin/degradation", s.handleAdminDegradation).Methods(http.MethodPost)
	router.HandleFunc("/admin/registry/entries", s.handleAdminRegistryRegister).Methods(http.MethodPost)
	router.HandleFunc("/admin/registry/revoke", s.handleAdminRegistryRevoke).Methods(http.MethodPost)
	router.HandleFunc("/admin/registry/log", s.handleAdminRegistryLog).Methods(http.MethodGet)
	registerDebugRoutes(router)

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":            "ok",
		"degradation_level": s.degrade.Level().String(),
	})
}

// isAdminAuthorized reports whether r carries the configured X-Admin-Key,
// compared in constant time. An empty configured key always denies —
// admin routes are off by default, not wide open.
func (s *Server) isAdminAuthorized(r *http.Request) bool {
	return s.cfg.AdminKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Admin-Key")), []byte(s.cfg.AdminKey)) == 1
}

func (s *Server) handleAdminDegradation(w http.ResponseWriter, r *http.Request) {
	if !s.isAdminAuthorized(r) {
		writeServiceError(w, osperrors.AdminUnauthorized())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		writeServiceError(w, osperrors.InvalidParams("failed to read body"))
		return
	}
	level := gjson.GetBytes(body, "level").String()

	var target degradation.Level
	switch level {
	case "D0_NORMAL":
		target = degradation.D0Normal
	case "D1_REDUCED_INTELLIGENCE":
		target = degradation.D1ReducedIntelligence
	case "D2_MINIMAL":
		target = degradation.D2Minimal
	case "D3_CRITICAL":
		target = degradation.D3Critical
	default:
		writeServiceError(w, osperrors.InvalidParams("unknown degradation level").WithDetails("level", level))
		return
	}

	s.degrade.ForceLevel(target)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"level": s.degrade.Level().String()})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeEnvelope(w, 400, Response{JSONRPC: "2.0", Error: &RPCError{Code: -32700, Message: "failed to read request body"}, Meta: newMeta()})
		return
	}

	if s.cfg.SignatureVerifier != nil {
		sig := r.Header.Get("X-OSP-Signature")
		ok := s.cfg.SignatureVerifier.Verify(sig, r.Header.Get("X-OSP-Alg"), body)
		if ok && !s.replay.ValidateAndMark(sig) {
			ok = false
		}
		if !ok {
			if s.cfg.StrictSignature {
				s.recordRequest("unknown", 401)
				writeEnvelope(w, 401, Response{JSONRPC: "2.0", Error: &RPCError{Code: -32000, Message: "signature verification failed"}, Meta: newMeta()})
				return
			}
			if s.cfg.Logger != nil {
				s.cfg.Logger.LogSecurityEvent(r.Context(), "osp_soft_signature_failure", security.SanitizeMap(map[string]interface{}{
					"path":  r.URL.Path,
					"alg":   r.Header.Get("X-OSP-Alg"),
					"query": r.URL.RawQuery,
				}))
			}
		}
	}

	if !gjson.ValidBytes(body) || gjson.GetBytes(body, "jsonrpc").String() != "2.0" {
		s.recordRequest("unknown", 400)
		writeEnvelope(w, 400, Response{JSONRPC: "2.0", Error: &RPCError{Code: -32600, Message: "invalid JSON-RPC version"}, Meta: newMeta()})
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.recordRequest("unknown", 400)
		writeEnvelope(w, 400, Response{JSONRPC: "2.0", Error: &RPCError{Code: -32700, Message: "parse error"}, Meta: newMeta()})
		return
	}
	req.rawParams = gjson.GetBytes(body, "params")

	if !s.degrade.CheckRequestAllowed() {
		s.recordRequest(req.Method, 503)
		writeEnvelope(w, 503, Response{JSONRPC: "2.0", Error: &RPCError{Code: -32003, Message: "service unavailable: degraded admission denied the request"}, ID: req.ID, Meta: newMeta()})
		return
	}

	start := time.Now()
	outcome := s.dispatcher.Dispatch(r.Context(), req)
	if req.Method == "osp.execute" {
		skillID, _ := req.Params["skill_id"].(string)
		s.metrics.AgentExecDuration.WithLabelValues(skillID).Observe(time.Since(start).Seconds())
	}

	s.recordRequest(req.Method, outcome.httpStatus)
	resp := Response{JSONRPC: "2.0", Result: outcome.result, Error: outcome.rpcErr, ID: req.ID, Meta: newMeta()}
	writeEnvelope(w, outcome.httpStatus, resp)
}

func (s *Server) recordRequest(method string, status int) {
	s.metrics.RequestsTotal.WithLabelValues(method, statusLabel(status)).Inc()
	s.metrics.DegradationLevel.Set(float64(s.degrade.Level()))
}

func statusLabel(status int) string {
	switch status {
	case 200:
		return "200"
	case 400:
		return "400"
	case 401:
		return "401"
	case 403:
		return "403"
	case 404:
		return "404"
	case 409:
		return "409"
	case 429:
		return "429"
	case 503:
		return "503"
	default:
		return "500"
	}
}

func writeEnvelope(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeServiceError reports a *ServiceError on the admin HTTP surface,
// using its reason code and HTTP status rather than an ad hoc message.
func writeServiceError(w http.ResponseWriter, svcErr *osperrors.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(svcErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(svcErr)
}

// handleAdminRegistryRegister exposes C6's Register over an admin-key-gated
// HTTP route rather than the osp-rpc JSON-RPC surface, matching the
// external interface's method table (which lists no register/revoke
// method): registry administration is an out-of-band operation, the same
// way the original server's registry endpoints sit outside the JSON-RPC
// dispatch table.
func (s *Server) handleAdminRegistryRegister(w http.ResponseWriter, r *http.Request) {
	if !s.isAdminAuthorized(r) {
		writeServiceError(w, osperrors.AdminUnauthorized())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBodyBytes))
	if err != nil {
		writeServiceError(w, osperrors.InvalidParams("failed to read body"))
		return
	}

	var entry registry.Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		writeServiceError(w, osperrors.InvalidParams("invalid registry entry"))
		return
	}

	registered, err := s.dispatcher.Registry.Register(entry)
	if err != nil {
		writeServiceError(w, osperrors.TrustChainInvalid().WithDetails("reason", err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(registered)
}

func (s *Server) handleAdminRegistryRevoke(w http.ResponseWriter, r *http.Request) {
	if !s.isAdminAuthorized(r) {
		writeServiceError(w, osperrors.AdminUnauthorized())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		writeServiceError(w, osperrors.InvalidParams("failed to read body"))
		return
	}
	skillRef := gjson.GetBytes(body, "skill_ref").String()
	signedBy := gjson.GetBytes(body, "signed_by").String()
	if skillRef == "" || signedBy == "" {
		writeServiceError(w, osperrors.InvalidParams("skill_ref and signed_by are required"))
		return
	}

	if err := s.dispatcher.Registry.Revoke(skillRef, signedBy); err != nil {
		writeServiceError(w, osperrors.UnauthorizedRevoke().WithDetails("reason", err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "revoked", "skill_ref": skillRef})
}

func (s *Server) handleAdminRegistryLog(w http.ResponseWriter, r *http.Request) {
	if !s.isAdminAuthorized(r) {
		writeServiceError(w, osperrors.AdminUnauthorized())
		return
	}

	offset := intQueryParam(r, "offset", 0)
	limit := intQueryParam(r, "limit", 100)
	total, entries := s.dispatcher.Registry.TransparencyLog(offset, limit)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"total": total, "entries": entries})
}

func intQueryParam(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return def
	}
	return v
}
