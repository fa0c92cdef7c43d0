package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/openskills/ospd/internal/osp/metrics"
	"github.com/openskills/ospd/internal/osp/registry"
)

func newTestServer(adminKey string) http.Handler {
	d := newTestDispatcher()
	return NewServer(d, metrics.NewWithRegistry(prometheus.NewRegistry()), ServerConfig{AdminKey: adminKey})
}

func TestServerHealth(t *testing.T) {
	srv := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
}

func TestServerRPCRoundTrip(t *testing.T) {
	srv := newTestServer("")
	body := `{"jsonrpc":"2.0","method":"osp.get_capabilities","params":{}}`
	req := httptest.NewRequest(http.MethodPost, "/osp-rpc", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Meta.RequestID)
	require.NotEmpty(t, resp.Meta.TraceID)
}

func TestServerRPCRejectsBadEnvelope(t *testing.T) {
	srv := newTestServer("")
	req := httptest.NewRequest(http.MethodPost, "/osp-rpc", bytes.NewBufferString(`{"jsonrpc":"1.0","method":"osp.list_skills"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestServerAdminDegradationRequiresKey(t *testing.T) {
	srv := newTestServer("topsecret")
	req := httptest.NewRequest(http.MethodPost, "/admin/degradation", bytes.NewBufferString(`{"level":"D3_CRITICAL"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, 401, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/admin/degradation", bytes.NewBufferString(`{"level":"D3_CRITICAL"}`))
	req2.Header.Set("X-Admin-Key", "topsecret")
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	require.Equal(t, 200, rec2.Code)
}

func TestServerAdminRegistryRegisterAndRevoke(t *testing.T) {
	srv := newTestServer("topsecret")

	entry := registry.Entry{
		EntryType:   registry.EntryRegister,
		SkillRef:    "org.calendar.schedule",
		SignedBy:    "org.calendar.signer",
		ContentHash: "abcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcd",
		Signature:   "unused-for-self-signed",
		TrustAnchor: registry.TrustAnchor{Type: registry.TrustSelfSigned},
	}
	payload, err := json.Marshal(entry)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/registry/entries", bytes.NewBuffer(payload))
	req.Header.Set("X-Admin-Key", "topsecret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	revokeReq := httptest.NewRequest(http.MethodPost, "/admin/registry/revoke", bytes.NewBufferString(
		`{"skill_ref":"org.calendar.schedule","signed_by":"org.calendar.signer"}`))
	revokeReq.Header.Set("X-Admin-Key", "topsecret")
	revokeRec := httptest.NewRecorder()
	srv.ServeHTTP(revokeRec, revokeReq)
	require.Equal(t, 200, revokeRec.Code)

	logReq := httptest.NewRequest(http.MethodGet, "/admin/registry/log?offset=0&limit=10", nil)
	logReq.Header.Set("X-Admin-Key", "topsecret")
	logRec := httptest.NewRecorder()
	srv.ServeHTTP(logRec, logReq)
	require.Equal(t, 200, logRec.Code)

	var logBody map[string]any
	require.NoError(t, json.Unmarshal(logRec.Body.Bytes(), &logBody))
	require.EqualValues(t, 2, logBody["total"])
}

func TestServerAdminRegistryRequiresKey(t *testing.T) {
	srv := newTestServer("topsecret")
	req := httptest.NewRequest(http.MethodGet, "/admin/registry/log", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, 401, rec.Code)
}
