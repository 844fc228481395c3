// Package upstream speaks the MCP Streamable HTTP transport to an
// upstream server for capability discovery. It is used only by the
// snapshot layer; live traffic goes through the proxy untouched.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// protocolVersion is the MCP revision offered during initialize.
	protocolVersion = "2024-11-05"

	clientName    = "mcp-guardian"
	clientVersion = "0.1.0"

	// maxSSELine bounds a single SSE line; tool listings with large
	// embedded schemas stay well under this.
	maxSSELine = 4 << 20

	// maxPages bounds cursor pagination so a misbehaving upstream that
	// returns a cycling cursor cannot hang a check.
	maxPages = 100
)

var (
	// ErrUnreachable indicates the upstream could not be connected to.
	ErrUnreachable = errors.New("upstream: unreachable")
	// ErrTimeout indicates the upstream did not answer in time.
	ErrTimeout = errors.New("upstream: timeout")
)

// ProtocolError indicates a non-success HTTP status from the upstream.
type ProtocolError struct {
	Status int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d", e.Status)
}

// RPCError is a JSON-RPC error object returned by the upstream.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("upstream: rpc error %d: %s", e.Code, e.Message)
}

const codeMethodNotFound = -32601

// InitializeResult is the raw initialize response, kept unparsed so the
// snapshot layer controls exactly what enters the fingerprint.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      json.RawMessage `json:"serverInfo"`
}

// Listing is the full capability surface discovered from one upstream.
type Listing struct {
	Init              InitializeResult
	Tools             []json.RawMessage
	Resources         []json.RawMessage
	ResourceTemplates []json.RawMessage
	Prompts           []json.RawMessage
}

// Client discovers an upstream's capability surface over Streamable HTTP.
type Client struct {
	hc     *http.Client
	logger *slog.Logger
}

// New returns a client whose individual requests time out after timeout.
func New(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		hc:     &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// ListAll runs the full discovery sequence against url: initialize,
// then paginated tools, resources, resource templates, and prompts
// listings. Listing endpoints the upstream does not implement count as
// empty, matching servers that advertise a partial capability set.
func (c *Client) ListAll(ctx context.Context, url string) (*Listing, error) {
	sess := &session{client: c, url: url}
	defer sess.close()

	init, err := sess.initialize(ctx)
	if err != nil {
		return nil, err
	}

	out := &Listing{Init: *init}
	for _, l := range []struct {
		method string
		field  string
		dst    *[]json.RawMessage
	}{
		{"tools/list", "tools", &out.Tools},
		{"resources/list", "resources", &out.Resources},
		{"resources/templates/list", "resourceTemplates", &out.ResourceTemplates},
		{"prompts/list", "prompts", &out.Prompts},
	} {
		items, err := sess.listAllPages(ctx, l.method, l.field)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.method, err)
		}
		*l.dst = items
	}
	return out, nil
}

// session tracks the Mcp-Session-Id handed out by the upstream during
// initialize, and the request id counter.
type session struct {
	client *Client
	url    string
	id     string
	nextID int
}

func (s *session) initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	result, err := s.call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}

	// Servers may require the initialized notification before serving
	// listings. Failures here are tolerated; many servers accept list
	// requests regardless.
	if err := s.notify(ctx, "notifications/initialized"); err != nil && s.client.logger != nil {
		s.client.logger.Debug("initialized notification rejected",
			"url", s.url, "error", err)
	}
	return &init, nil
}

func (s *session) listAllPages(ctx context.Context, method, field string) ([]json.RawMessage, error) {
	items := []json.RawMessage{}
	cursor := ""
	for page := 0; page < maxPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		} else {
			params = map[string]any{}
		}

		result, err := s.call(ctx, method, params)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) && rpcErr.Code == codeMethodNotFound {
				return items, nil
			}
			return nil, err
		}

		var pageResult map[string]json.RawMessage
		if err := json.Unmarshal(result, &pageResult); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", method, err)
		}

		if raw, ok := pageResult[field]; ok {
			var pageItems []json.RawMessage
			if err := json.Unmarshal(raw, &pageItems); err != nil {
				return nil, fmt.Errorf("decode %s items: %w", method, err)
			}
			items = append(items, pageItems...)
		}

		cursor = ""
		if raw, ok := pageResult["nextCursor"]; ok {
			if err := json.Unmarshal(raw, &cursor); err != nil {
				return nil, fmt.Errorf("decode nextCursor: %w", err)
			}
		}
		if cursor == "" {
			return items, nil
		}
	}
	return nil, fmt.Errorf("%s: pagination did not terminate after %d pages", method, maxPages)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int   `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// call issues a JSON-RPC request and returns its result, handling both
// application/json and text/event-stream response bodies.
func (s *session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.nextID++
	id := s.nextID

	resp, err := s.post(ctx, rpcRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, &ProtocolError{Status: resp.StatusCode}
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		s.id = sid
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var rpcResp *rpcResponse
	switch mediaType {
	case "text/event-stream":
		rpcResp, err = readSSEResponse(resp.Body, id)
	default:
		rpcResp = &rpcResponse{}
		err = json.NewDecoder(resp.Body).Decode(rpcResp)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// notify issues a JSON-RPC notification and discards the response body.
func (s *session) notify(ctx context.Context, method string) error {
	resp, err := s.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProtocolError{Status: resp.StatusCode}
	}
	return nil
}

func (s *session) post(ctx context.Context, body rpcRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if s.id != "" {
		req.Header.Set("Mcp-Session-Id", s.id)
	}

	resp, err := s.client.hc.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

// close ends the upstream session if one was established. Best effort;
// many servers do not implement session deletion.
func (s *session) close() {
	if s.id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Mcp-Session-Id", s.id)
	if resp, err := s.client.hc.Do(req); err == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		resp.Body.Close()
	}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// readSSEResponse scans an event stream for the JSON-RPC response whose
// id matches wantID. Other events (notifications, unrelated responses)
// are skipped.
func readSSEResponse(body io.Reader, wantID int) (*rpcResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELine)

	var data []string
	flush := func() (*rpcResponse, bool) {
		if len(data) == 0 {
			return nil, false
		}
		joined := strings.Join(data, "\n")
		data = nil

		var resp rpcResponse
		if err := json.Unmarshal([]byte(joined), &resp); err != nil {
			return nil, false
		}
		var gotID int
		if resp.ID == nil || json.Unmarshal(resp.ID, &gotID) != nil {
			return nil, false
		}
		if gotID != wantID {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry:, and comment lines are irrelevant here.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, errors.New("event stream ended without matching response")
}
