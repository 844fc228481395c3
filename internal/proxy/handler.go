// Package proxy forwards MCP traffic to upstream servers. It is a
// transparent byte-level relay: JSON-RPC bodies, session headers, and
// SSE streams pass through unmodified in both directions.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mcpguardian/mcpguardian/internal/registry"
)

// hopByHopHeaders are connection-scoped and must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler relays /{service}/mcp requests to the registered upstream.
type Handler struct {
	registry *registry.Registry
	client   *http.Client
	logger   *slog.Logger
}

// New builds a proxy handler. headerTimeout bounds the wait for the
// upstream's response headers only; established SSE streams run for as
// long as both sides keep the connection open.
func New(reg *registry.Registry, logger *slog.Logger, headerTimeout time.Duration) *Handler {
	if headerTimeout <= 0 {
		headerTimeout = 30 * time.Second
	}
	return &Handler{
		registry: reg,
		logger:   logger,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: headerTimeout,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
			},
			// Redirects from an upstream are relayed, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("service")

	route, ok := h.registry.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Service not configured")
		return
	}
	if !route.Enabled {
		writeError(w, http.StatusForbidden, "Service disabled pending review")
		return
	}

	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, route.UpstreamURL, r.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Upstream request failed")
		return
	}
	copyHeaders(upReq.Header, r.Header)
	upReq.Header.Del("Host")

	resp, err := h.client.Do(upReq)
	if err != nil {
		status, msg := classifyError(r.Context(), err)
		if h.logger != nil {
			h.logger.Warn("upstream request failed",
				"service", name, "upstream", route.UpstreamURL, "error", err)
		}
		writeError(w, status, msg)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if isEventStream(resp.Header) {
		streamBody(w, resp.Body)
		return
	}
	io.Copy(w, resp.Body) //nolint:errcheck
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func isEventStream(h http.Header) bool {
	ct := h.Get("Content-Type")
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "text/event-stream")
}

// streamBody relays an event stream, flushing after every read so
// frames reach the client as the upstream emits them.
func streamBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func classifyError(ctx context.Context, err error) (int, string) {
	if ctx.Err() != nil {
		// Client went away; the status is never seen.
		return http.StatusBadGateway, "Upstream request aborted"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "Upstream timed out"
	}
	return http.StatusBadGateway, "Upstream unreachable"
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
