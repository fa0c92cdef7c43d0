//go:build !ospdebug

package rpc

import "github.com/gorilla/mux"

// registerDebugRoutes is a no-op in production builds. Build with
// -tags ospdebug to expose GET /admin/debug/keys for conformance
// testing.
func registerDebugRoutes(_ *mux.Router) {}
