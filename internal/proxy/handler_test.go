package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcpguardian/mcpguardian/internal/registry"
	"github.com/mcpguardian/mcpguardian/internal/store"
)

type stubServices struct {
	services []store.Service
}

func (s *stubServices) ListServices(context.Context) ([]store.Service, error) {
	return s.services, nil
}
func (s *stubServices) CreateService(context.Context, *store.Service) error { return nil }
func (s *stubServices) GetService(context.Context, string) (*store.Service, error) {
	return nil, store.ErrNotFound
}
func (s *stubServices) GetServiceByName(context.Context, string) (*store.Service, error) {
	return nil, store.ErrNotFound
}
func (s *stubServices) UpdateService(context.Context, *store.Service) error { return nil }
func (s *stubServices) DeleteService(context.Context, string) error         { return nil }
func (s *stubServices) ListServicesDue(context.Context, time.Time) ([]store.Service, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T, services ...store.Service) *registry.Registry {
	t.Helper()
	reg := registry.New(&stubServices{services: services}, nil)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return reg
}

// newProxyServer mounts the handler under the path pattern used in the
// real router so PathValue resolves.
func newProxyServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/{service}/mcp", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decodeError(t *testing.T, body io.Reader) string {
	t.Helper()
	var out map[string]string
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return out["error"]
}

func TestProxyUnknownService(t *testing.T) {
	h := New(newTestRegistry(t), nil, 0)
	srv := newProxyServer(t, h)

	resp, err := http.Post(srv.URL+"/nope/mcp", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, resp.Body); msg != "Service not configured" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestProxyDisabledService(t *testing.T) {
	reg := newTestRegistry(t, store.Service{
		ID: "1", Name: "github", UpstreamURL: "http://localhost:9000/mcp", Enabled: false,
	})
	srv := newProxyServer(t, New(reg, nil, 0))

	resp, err := http.Post(srv.URL+"/github/mcp", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, resp.Body); msg != "Service disabled pending review" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestProxyForwardsRequestAndResponse(t *testing.T) {
	var gotBody string
	var gotSession string
	var gotConnection string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotSession = r.Header.Get("Mcp-Session-Id")
		gotConnection = r.Header.Get("Connection")

		w.Header().Set("Mcp-Session-Id", "up-sess")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	t.Cleanup(upstream.Close)

	reg := newTestRegistry(t, store.Service{
		ID: "1", Name: "github", UpstreamURL: upstream.URL, Enabled: true,
	})
	srv := newProxyServer(t, New(reg, nil, 0))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/github/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", "client-sess")
	req.Header.Set("Connection", "keep-alive")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotBody != `{"jsonrpc":"2.0","id":1,"method":"tools/list"}` {
		t.Fatalf("body not forwarded verbatim: %s", gotBody)
	}
	if gotSession != "client-sess" {
		t.Fatalf("session header not forwarded, got %q", gotSession)
	}
	if gotConnection != "" {
		t.Fatalf("hop-by-hop header leaked upstream: %q", gotConnection)
	}
	if resp.Header.Get("Mcp-Session-Id") != "up-sess" {
		t.Fatal("upstream session header not relayed")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"jsonrpc":"2.0","id":1,"result":{}}` {
		t.Fatalf("response body altered: %s", body)
	}
}

func TestProxyRelaysUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	t.Cleanup(upstream.Close)

	reg := newTestRegistry(t, store.Service{
		ID: "1", Name: "github", UpstreamURL: upstream.URL, Enabled: true,
	})
	srv := newProxyServer(t, New(reg, nil, 0))

	resp, err := http.Post(srv.URL+"/github/mcp", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected upstream status relayed, got %d", resp.StatusCode)
	}
}

func TestProxyUnreachableUpstream(t *testing.T) {
	reg := newTestRegistry(t, store.Service{
		ID: "1", Name: "github", UpstreamURL: "http://127.0.0.1:1/mcp", Enabled: true,
	})
	srv := newProxyServer(t, New(reg, nil, 0))

	resp, err := http.Post(srv.URL+"/github/mcp", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, resp.Body); msg != "Upstream unreachable" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestProxyHeaderTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	t.Cleanup(upstream.Close)

	reg := newTestRegistry(t, store.Service{
		ID: "1", Name: "github", UpstreamURL: upstream.URL, Enabled: true,
	})
	srv := newProxyServer(t, New(reg, nil, 50*time.Millisecond))

	resp, err := http.Post(srv.URL+"/github/mcp", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
}

// readFrame reads one SSE frame (lines up to a blank line).
func readFrame(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	var frame strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if line == "\n" {
			return frame.String()
		}
		frame.WriteString(line)
	}
}

func TestProxyStreamsSSEWithResume(t *testing.T) {
	frames := make(chan string)
	lastEventID := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastEventID <- r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		f.Flush()
		for frame := range frames {
			fmt.Fprint(w, frame)
			f.Flush()
		}
	}))
	t.Cleanup(upstream.Close)

	reg := newTestRegistry(t, store.Service{
		ID: "1", Name: "github", UpstreamURL: upstream.URL, Enabled: true,
	})
	srv := newProxyServer(t, New(reg, nil, 0))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/github/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", "42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream content type, got %q", ct)
	}
	if got := <-lastEventID; got != "42" {
		t.Fatalf("expected Last-Event-ID forwarded upstream, got %q", got)
	}

	// Frames must arrive one by one while the upstream stream is still
	// open, with their id lines intact, proving the proxy neither
	// buffers the response nor rewrites resume ids.
	br := bufio.NewReader(resp.Body)

	frames <- "id: 43\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n\n"
	frame := readFrame(t, br)
	if frame != "id: 43\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n" {
		t.Fatalf("first frame altered: %q", frame)
	}

	frames <- "id: 44\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n\n"
	frame = readFrame(t, br)
	if frame != "id: 44\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n" {
		t.Fatalf("second frame altered: %q", frame)
	}

	// Upstream closes; the client must see a clean EOF, not an error.
	close(frames)
	if _, err := br.ReadString('\n'); err != io.EOF {
		t.Fatalf("expected clean EOF after upstream close, got %v", err)
	}
}
