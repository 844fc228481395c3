package api

import (
	"net/http"

	"github.com/mcpguardian/mcpguardian/internal/admin"
	"github.com/mcpguardian/mcpguardian/internal/store"
)

// RouterDeps holds the dependencies needed by the HTTP router.
type RouterDeps struct {
	Admin         *admin.Service
	Proxy         http.Handler
	Store         store.Store
	AdminPassword string
	DisableAdmin  bool // mount proxy and health only
}

// NewRouter creates the http.Handler serving both the admin API and the
// proxied MCP routes. Admin routes sit behind basic auth; proxied
// routes are untouched so clients can carry their own Authorization
// headers through to upstreams.
func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	health := &healthHandler{store: deps.Store}
	mux.HandleFunc("GET /health", health.check)

	if !deps.DisableAdmin {
		sh := &serviceHandler{svc: deps.Admin}
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /api/admin/services", sh.create)
		adminMux.HandleFunc("GET /api/admin/services", sh.list)
		adminMux.HandleFunc("GET /api/admin/services/{name}", sh.get)
		adminMux.HandleFunc("PATCH /api/admin/services/{name}", sh.update)
		adminMux.HandleFunc("DELETE /api/admin/services/{name}", sh.delete)
		adminMux.HandleFunc("GET /api/admin/services/{name}/snapshots", sh.snapshots)
		adminMux.HandleFunc("GET /api/admin/services/{name}/snapshots/latest", sh.latestSnapshot)
		adminMux.HandleFunc("GET /api/admin/services/{name}/snapshots/{id}", sh.snapshot)
		adminMux.HandleFunc("GET /api/admin/services/{name}/diff", sh.diff)
		adminMux.HandleFunc("POST /api/admin/services/{name}/approve", sh.approve)
		adminMux.HandleFunc("GET /api/admin/services/{name}/client-config", sh.clientConfig)

		mux.Handle("/api/admin/", basicAuthMiddleware(deps.AdminPassword, adminMux))
	}

	mux.Handle("POST /{service}/mcp", deps.Proxy)
	mux.Handle("GET /{service}/mcp", deps.Proxy)
	mux.Handle("DELETE /{service}/mcp", deps.Proxy)

	return requestIDMiddleware(loggingMiddleware(mux))
}
