package toolserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(&Config{KeepAliveInterval: time.Hour})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop(time.Second)
	})
	return s, ts
}

// streamClient reads named events straight off the wire so the server's
// output format is tested without any client-side decoding help.
type streamClient struct {
	reader *bufio.Reader
}

func openStream(t *testing.T, baseURL string) *streamClient {
	t.Helper()
	resp, err := http.Get(baseURL + "/sse")
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
	return &streamClient{reader: bufio.NewReader(resp.Body)}
}

// next parses one event, skipping comment lines. It blocks until an event
// arrives or the stream ends.
func (c *streamClient) next(t *testing.T) (name, data string) {
	t.Helper()
	name = "message"
	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended while reading event: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(lines) > 0 {
				return name, strings.Join(lines, "\n")
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
}

// handshake opens a stream and returns the announced submission path.
func handshake(t *testing.T, baseURL string) (*streamClient, string) {
	t.Helper()
	client := openStream(t, baseURL)
	name, data := client.next(t)
	if name != "endpoint" {
		t.Fatalf("expected endpoint handshake first, got %q", name)
	}
	if !strings.HasPrefix(data, "/messages?sessionId=") {
		t.Fatalf("unexpected endpoint path %q", data)
	}
	return client, data
}

func submit(t *testing.T, url, id, tool string, args map[string]interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params":  map[string]interface{}{"name": tool, "arguments": args},
	})
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	resp, err := http.Post(url, "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("failed to submit request: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestServer_HandshakeAnnouncesEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	_, endpoint := handshake(t, ts.URL)

	sessionID := strings.TrimPrefix(endpoint, "/messages?sessionId=")
	if sessionID == "" {
		t.Error("handshake carried no session identifier")
	}
}

func TestServer_ToolResultArrivesOnStream(t *testing.T) {
	s, ts := newTestServer(t)
	s.HandleTool("say_hello", func(tc *ToolContext) (interface{}, error) {
		name, _ := tc.Args["name"].(string)
		return map[string]interface{}{"greeting": "hello " + name}, nil
	})

	client, endpoint := handshake(t, ts.URL)

	resp := submit(t, ts.URL+endpoint, "req-1", "say_hello", map[string]interface{}{"name": "world"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d", resp.StatusCode)
	}

	name, data := client.next(t)
	if name != "message" {
		t.Fatalf("expected message event, got %q", name)
	}
	var rpc rpcResponse
	if err := json.Unmarshal([]byte(data), &rpc); err != nil {
		t.Fatalf("failed to decode response body %q: %v", data, err)
	}
	if rpc.ID != "req-1" || rpc.Error != nil {
		t.Fatalf("unexpected response: %+v", rpc)
	}
	result, ok := rpc.Result.(map[string]interface{})
	if !ok || result["greeting"] != "hello world" {
		t.Errorf("unexpected result: %v", rpc.Result)
	}
}

func TestServer_ProgressPrecedesResult(t *testing.T) {
	s, ts := newTestServer(t)
	s.HandleTool("countdown", func(tc *ToolContext) (interface{}, error) {
		for i := 3; i > 0; i-- {
			if err := tc.Progress(fmt.Sprintf("%d", i)); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"done": true}, nil
	})

	client, endpoint := handshake(t, ts.URL)
	submit(t, ts.URL+endpoint, "req-1", "countdown", nil)

	for _, want := range []string{"3", "2", "1"} {
		name, data := client.next(t)
		if name != "progress" {
			t.Fatalf("expected progress event, got %q (%s)", name, data)
		}
		var body map[string]interface{}
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			t.Fatalf("failed to decode progress body: %v", err)
		}
		if body["id"] != "req-1" || body["progress"] != want {
			t.Errorf("unexpected progress body: %v", body)
		}
	}

	name, _ := client.next(t)
	if name != "message" {
		t.Errorf("expected final message event, got %q", name)
	}
}

func TestServer_UnknownToolReportsMethodNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	client, endpoint := handshake(t, ts.URL)

	submit(t, ts.URL+endpoint, "req-1", "no_such_tool", nil)

	_, data := client.next(t)
	var rpc rpcResponse
	if err := json.Unmarshal([]byte(data), &rpc); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if rpc.Error == nil || rpc.Error.Code != codeMethodNotFound {
		t.Errorf("expected method-not-found error, got %+v", rpc.Error)
	}
}

func TestServer_ToolErrorReportsToolCode(t *testing.T) {
	s, ts := newTestServer(t)
	s.HandleTool("broken", func(*ToolContext) (interface{}, error) {
		return nil, fmt.Errorf("tool exploded")
	})

	client, endpoint := handshake(t, ts.URL)
	submit(t, ts.URL+endpoint, "req-1", "broken", nil)

	_, data := client.next(t)
	var rpc rpcResponse
	if err := json.Unmarshal([]byte(data), &rpc); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if rpc.Error == nil || rpc.Error.Code != codeToolError || rpc.Error.Message != "tool exploded" {
		t.Errorf("expected tool error, got %+v", rpc.Error)
	}
}

func TestServer_PanickingToolReportsInternalError(t *testing.T) {
	s, ts := newTestServer(t)
	s.HandleTool("kaboom", func(*ToolContext) (interface{}, error) {
		panic("boom")
	})

	client, endpoint := handshake(t, ts.URL)
	submit(t, ts.URL+endpoint, "req-1", "kaboom", nil)

	_, data := client.next(t)
	var rpc rpcResponse
	if err := json.Unmarshal([]byte(data), &rpc); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if rpc.Error == nil || rpc.Error.Code != codeInternalError {
		t.Errorf("expected internal error, got %+v", rpc.Error)
	}
}

func TestServer_SubmissionValidation(t *testing.T) {
	s, ts := newTestServer(t)
	s.HandleTool("say_hello", func(*ToolContext) (interface{}, error) {
		return map[string]interface{}{}, nil
	})

	t.Run("unknown session", func(t *testing.T) {
		resp := submit(t, ts.URL+"/messages?sessionId=nope", "req-1", "say_hello", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("no session connected", func(t *testing.T) {
		resp := submit(t, ts.URL+"/messages", "req-1", "say_hello", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("wrong HTTP methods", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/messages")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("expected 405 for GET submission, got %d", resp.StatusCode)
		}

		resp, err = http.Post(ts.URL+"/sse", "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("expected 405 for POST stream, got %d", resp.StatusCode)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		_, endpoint := handshake(t, ts.URL)

		resp, err := http.Post(ts.URL+endpoint, "application/json", strings.NewReader("not json"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for malformed body, got %d", resp.StatusCode)
		}
	})

	t.Run("unsupported method", func(t *testing.T) {
		_, endpoint := handshake(t, ts.URL)

		body := `{"jsonrpc":"2.0","id":"req-1","method":"tools/list","params":{}}`
		resp, err := http.Post(ts.URL+endpoint, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for unsupported method, got %d", resp.StatusCode)
		}
	})
}

func TestServer_FallbackRoutesToSingleSession(t *testing.T) {
	s, ts := newTestServer(t)
	s.HandleTool("say_hello", func(*ToolContext) (interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})

	client, _ := handshake(t, ts.URL)

	// No sessionId on the fallback URL; the lone session still gets the result.
	resp := submit(t, ts.URL+"/messages", "req-1", "say_hello", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d", resp.StatusCode)
	}

	name, data := client.next(t)
	if name != "message" {
		t.Fatalf("expected message event, got %q", name)
	}
	var rpc rpcResponse
	if err := json.Unmarshal([]byte(data), &rpc); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if rpc.ID != "req-1" {
		t.Errorf("expected result for req-1, got %+v", rpc)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(&Config{Addr: "127.0.0.1:0"})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected server to report running")
	}
	if err := s.Start(); err != errServerRunning {
		t.Errorf("expected errServerRunning from double Start, got %v", err)
	}

	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected server to report stopped")
	}
}
