//go:build ospdebug

package rpc

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openskills/ospd/internal/osp/canon"
)

// registerDebugRoutes exposes GET /admin/debug/keys, a test-only
// endpoint that mints a fresh keypair per supported algorithm so
// conformance suites can exercise the full signature surface without a
// pre-provisioned key store. Only compiled in with -tags ospdebug.
func registerDebugRoutes(router *mux.Router) {
	router.HandleFunc("/admin/debug/keys", handleDebugKeys).Methods(http.MethodGet)
}

func handleDebugKeys(w http.ResponseWriter, r *http.Request) {
	algs := []canon.Algorithm{
		canon.ES256, canon.ES384, canon.ES512,
		canon.RS256, canon.RS384, canon.RS512,
		canon.EdDSA,
		canon.HS256, canon.HS512,
	}

	out := make(map[string]map[string]string, len(algs))
	for _, alg := range algs {
		priv, pub, err := canon.GenerateKeyPair(alg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		entry := map[string]string{"private_key": base64.StdEncoding.EncodeToString(priv)}
		if pub != nil {
			entry["public_key"] = base64.StdEncoding.EncodeToString(pub)
		}
		out[string(alg)] = entry
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
