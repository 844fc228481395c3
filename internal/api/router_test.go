package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mcpguardian/mcpguardian/internal/admin"
	"github.com/mcpguardian/mcpguardian/internal/proxy"
	"github.com/mcpguardian/mcpguardian/internal/registry"
	"github.com/mcpguardian/mcpguardian/internal/snapshot"
	"github.com/mcpguardian/mcpguardian/internal/store/sqlite"
)

const testPassword = "hunter2"

type stubTaker struct {
	result *snapshot.Result
	err    error
}

func (s *stubTaker) Take(context.Context, string) (*snapshot.Result, error) {
	return s.result, s.err
}

type apiFixture struct {
	srv   *httptest.Server
	taker *stubTaker
}

func newAPIFixture(t *testing.T, disableAdmin bool) *apiFixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(db, logger)
	taker := &stubTaker{
		result: &snapshot.Result{Payload: []byte(`{"tools":[]}`), Hash: "aaa"},
	}
	adminSvc := admin.NewService(db, taker, reg, "http://localhost:8080", 5, logger)

	handler := NewRouter(RouterDeps{
		Admin:         adminSvc,
		Proxy:         proxy.New(reg, logger, 0),
		Store:         db,
		AdminPassword: testPassword,
		DisableAdmin:  disableAdmin,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, taker: taker}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.SetBasicAuth("admin", testPassword)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *apiFixture) createService(t *testing.T, name string) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/admin/services",
		fmt.Sprintf(`{"name":%q,"upstream_url":"http://localhost:9000/mcp","check_frequency_minutes":60}`, name))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t, false)

	resp, err := http.Get(f.srv.URL + "/api/admin/services")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("WWW-Authenticate"), "MCP Guardian Admin") {
		t.Fatalf("expected challenge header, got %q", resp.Header.Get("WWW-Authenticate"))
	}
}

func TestAuthWrongPassword(t *testing.T) {
	f := newAPIFixture(t, false)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/admin/services", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestServiceLifecycle(t *testing.T) {
	f := newAPIFixture(t, false)
	f.createService(t, "github")

	resp := f.do(t, http.MethodGet, "/api/admin/services", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	views := decodeBody[[]admin.ServiceView](t, resp)
	if len(views) != 1 || views[0].Name != "github" {
		t.Fatalf("unexpected list: %+v", views)
	}

	resp = f.do(t, http.MethodGet, "/api/admin/services/github", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}
	view := decodeBody[admin.ServiceView](t, resp)
	if view.LatestStatus != "user_approved" || view.LatestApprovedHash != "aaa" {
		t.Fatalf("unexpected view: %+v", view)
	}

	resp = f.do(t, http.MethodPatch, "/api/admin/services/github", `{"enabled":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d", resp.StatusCode)
	}
	view = decodeBody[admin.ServiceView](t, resp)
	if view.Enabled {
		t.Fatal("expected disabled after patch")
	}

	resp = f.do(t, http.MethodDelete, "/api/admin/services/github", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/admin/services/github", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateErrors(t *testing.T) {
	f := newAPIFixture(t, false)
	f.createService(t, "github")

	resp := f.do(t, http.MethodPost, "/api/admin/services",
		`{"name":"github","upstream_url":"http://localhost:9001/mcp"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/admin/services",
		`{"name":"bad name!","upstream_url":"http://localhost:9001/mcp"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad name: expected 400, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/admin/services", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body: expected 400, got %d", resp.StatusCode)
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	f := newAPIFixture(t, false)
	f.createService(t, "github")

	resp := f.do(t, http.MethodGet, "/api/admin/services/github/snapshots", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshots: expected 200, got %d", resp.StatusCode)
	}
	snaps := decodeBody[[]map[string]any](t, resp)
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	id, _ := snaps[0]["id"].(string)

	resp = f.do(t, http.MethodGet, "/api/admin/services/github/snapshots/latest", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("latest: expected 200, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/admin/services/github/snapshots/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("by id: expected 200, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/admin/services/github/snapshots?limit=zero", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", resp.StatusCode)
	}
}

func TestApproveAndDiff(t *testing.T) {
	f := newAPIFixture(t, false)
	f.createService(t, "github")

	// Point the service at a new upstream surface; it lands unapproved.
	f.taker.result = &snapshot.Result{Payload: []byte(`{"tools":[{"name":"x"}]}`), Hash: "bbb"}
	resp := f.do(t, http.MethodPatch, "/api/admin/services/github",
		`{"upstream_url":"http://localhost:9001/mcp"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/admin/services/github/diff", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("diff: expected 200, got %d", resp.StatusCode)
	}
	diff := decodeBody[admin.DiffResult](t, resp)
	if diff.BaselineHash != "aaa" || diff.LatestHash != "bbb" {
		t.Fatalf("unexpected diff: %+v", diff)
	}

	resp = f.do(t, http.MethodPost, "/api/admin/services/github/approve", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d", resp.StatusCode)
	}
	view := decodeBody[admin.ServiceView](t, resp)
	if !view.Enabled || view.LatestApprovedHash != "bbb" {
		t.Fatalf("unexpected view after approve: %+v", view)
	}
}

func TestClientConfigEndpoint(t *testing.T) {
	f := newAPIFixture(t, false)
	f.createService(t, "github")

	resp := f.do(t, http.MethodGet, "/api/admin/services/github/client-config", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "http://localhost:8080/github/mcp") {
		t.Fatalf("expected guardian URL in config, got %s", body)
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, false)

	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestDisableAdmin(t *testing.T) {
	f := newAPIFixture(t, true)

	resp := f.do(t, http.MethodGet, "/api/admin/services", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected admin routes unmounted, got %d", resp.StatusCode)
	}

	healthResp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected health mounted, got %d", healthResp.StatusCode)
	}
}

func TestProxyMounted(t *testing.T) {
	f := newAPIFixture(t, false)

	resp, err := http.Post(f.srv.URL+"/unknown/mcp", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Service not configured") {
		t.Fatalf("expected proxy error body, got %s", body)
	}
}
