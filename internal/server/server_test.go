package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scenechat/internal/agent"
	"scenechat/internal/config"
	"scenechat/internal/rpc"
	"scenechat/internal/session"
)

// scriptedLLM replays canned turns, recording the history it saw.
// Handlers run it from request goroutines, so access is locked.
type scriptedLLM struct {
	mu        sync.Mutex
	turns     []func(onText func(string) error) ([]agent.FunctionCall, error)
	histories [][]agent.Message
}

func (f *scriptedLLM) StreamTurn(ctx context.Context, history []agent.Message, tools []rpc.ToolSchema, onText func(string) error) ([]agent.FunctionCall, error) {
	f.mu.Lock()
	snapshot := make([]agent.Message, len(history))
	copy(snapshot, history)
	f.histories = append(f.histories, snapshot)

	if len(f.turns) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no scripted turns left")
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]
	f.mu.Unlock()
	return turn(onText)
}

func (f *scriptedLLM) historyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.histories)
}

func (f *scriptedLLM) historyAt(i int) []agent.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.histories[i]
}

func (f *scriptedLLM) Close() error { return nil }

func textTurn(texts ...string) func(func(string) error) ([]agent.FunctionCall, error) {
	return func(onText func(string) error) ([]agent.FunctionCall, error) {
		for _, t := range texts {
			if err := onText(t); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

func callTurn(name string, args map[string]any) func(func(string) error) ([]agent.FunctionCall, error) {
	return func(onText func(string) error) ([]agent.FunctionCall, error) {
		return []agent.FunctionCall{{Name: name, Args: args}}, nil
	}
}

func newTestServer(t *testing.T, llm agent.Client) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	srv := New(cfg, rpc.NewConnection(), llm, session.NewManager(time.Hour), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postChat(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/chat/stream", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readNDJSON(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	var lines []map[string]any
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			t.Fatalf("bad NDJSON line: %v", err)
		}
		lines = append(lines, obj)
	}
	return lines
}

func TestRootAndPing(t *testing.T) {
	_, ts := newTestServer(t, &scriptedLLM{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer resp.Body.Close()
	var root map[string]any
	json.NewDecoder(resp.Body).Decode(&root)
	if root["service"] != "scenechat" || root["status"] != "running" {
		t.Fatalf("unexpected root response: %v", root)
	}

	resp, err = http.Get(ts.URL + "/ping")
	if err != nil {
		t.Fatalf("GET /ping failed: %v", err)
	}
	defer resp.Body.Close()
	var ping map[string]string
	json.NewDecoder(resp.Body).Decode(&ping)
	if ping["ping"] != "pong" {
		t.Fatalf("unexpected ping response: %v", ping)
	}

	resp, err = http.Get(ts.URL + "/no/such/route")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown route status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthStates(t *testing.T) {
	getHealth := func(ts *httptest.Server) HealthResponse {
		resp, err := http.Get(ts.URL + "/api/v1/health")
		if err != nil {
			t.Fatalf("GET /api/v1/health failed: %v", err)
		}
		defer resp.Body.Close()
		var h HealthResponse
		json.NewDecoder(resp.Body).Decode(&h)
		return h
	}

	// No LLM client at all.
	_, ts := newTestServer(t, nil)
	if h := getHealth(ts); h.Status != "unhealthy" || h.LLMReady {
		t.Fatalf("no-LLM health = %+v", h)
	}

	// LLM but no peer.
	srv, ts2 := newTestServer(t, &scriptedLLM{})
	if h := getHealth(ts2); h.Status != "degraded" || !h.LLMReady || h.PeerConnected {
		t.Fatalf("no-peer health = %+v", h)
	}

	// LLM and connected peer.
	conn := dialTools(t, ts2)
	defer conn.Close()
	waitFor(t, func() bool { return srv.bridge.Connected() })
	if h := getHealth(ts2); h.Status != "healthy" || !h.PeerConnected {
		t.Fatalf("connected health = %+v", h)
	}
}

func dialTools(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tools"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestToolsEndpointReflectsRegistration(t *testing.T) {
	srv, ts := newTestServer(t, &scriptedLLM{})

	resp, _ := http.Get(ts.URL + "/api/v1/tools")
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body["connected"] != false || body["count"] != float64(0) {
		t.Fatalf("empty catalogue malformed: %v", body)
	}

	conn := dialTools(t, ts)
	defer conn.Close()

	frame, err := rpc.NewNotification(rpc.MethodRegister, rpc.RegisterParams{Tools: []rpc.ToolSchema{
		{Name: "get_selection", Parameters: json.RawMessage(`{"type":"object"}`)},
	}})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	data, _ := frame.Encode()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitFor(t, func() bool { return len(srv.bridge.Tools()) == 1 })

	resp, _ = http.Get(ts.URL + "/api/v1/tools")
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body["connected"] != true || body["count"] != float64(1) {
		t.Fatalf("catalogue not exposed: %v", body)
	}
}

func TestChatStreamTextOnly(t *testing.T) {
	llm := &scriptedLLM{turns: []func(func(string) error) ([]agent.FunctionCall, error){
		textTurn("Hello", " there"),
	}}
	_, ts := newTestServer(t, llm)

	resp := postChat(t, ts, `{"message":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	if resp.Header.Get("X-Conversation-ID") == "" {
		t.Fatal("conversation id header missing")
	}

	lines := readNDJSON(t, resp)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(lines), lines)
	}
	if lines[0]["type"] != "text_delta" || lines[0]["content"] != "Hello" {
		t.Fatalf("first line: %v", lines[0])
	}
	last := lines[2]
	if last["type"] != "end" || last["done"] != true {
		t.Fatalf("last line: %v", last)
	}
	meta := last["metadata"].(map[string]any)
	if meta["total_chunks"] != float64(2) || meta["conversation_id"] != resp.Header.Get("X-Conversation-ID") {
		t.Fatalf("end metadata: %v", meta)
	}
}

func TestChatStreamContinuesConversation(t *testing.T) {
	llm := &scriptedLLM{turns: []func(func(string) error) ([]agent.FunctionCall, error){
		textTurn("First answer."),
		textTurn("Second answer."),
	}}
	_, ts := newTestServer(t, llm)

	resp := postChat(t, ts, `{"message":"first"}`)
	readNDJSON(t, resp)
	convID := resp.Header.Get("X-Conversation-ID")

	// History writes happen after the stream closes.
	waitFor(t, func() bool { return llm.historyCount() == 1 })

	resp = postChat(t, ts, fmt.Sprintf(`{"message":"second","conversation_id":%q}`, convID))
	readNDJSON(t, resp)
	if resp.Header.Get("X-Conversation-ID") != convID {
		t.Fatalf("conversation not reused: %q vs %q", resp.Header.Get("X-Conversation-ID"), convID)
	}

	waitFor(t, func() bool { return llm.historyCount() == 2 })
	second := llm.historyAt(1)
	// prior user turn + prior model turn + new user prompt
	if len(second) != 3 {
		t.Fatalf("history length = %d, want 3: %+v", len(second), second)
	}
	if second[0].Text != "first" || second[1].Role != agent.RoleModel || second[2].Text != "second" {
		t.Fatalf("history malformed: %+v", second)
	}
}

func TestChatStreamValidation(t *testing.T) {
	_, ts := newTestServer(t, &scriptedLLM{})

	cases := []string{
		`{"message":""}`,
		fmt.Sprintf(`{"message":%q}`, strings.Repeat("x", 10001)),
		`{"message":"hi","temperature":3.0}`,
		`{"message":"hi","max_tokens":0}`,
		`{not json`,
	}
	for _, body := range cases {
		resp := postChat(t, ts, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
		var e ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "InvalidRequest" {
			t.Fatalf("body %q: error = %q", body, e.Error)
		}
	}
}

func TestChatStreamWithoutLLMIsUnavailable(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postChat(t, ts, `{"message":"hi"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestChatStreamBridgeRoundTrip(t *testing.T) {
	llm := &scriptedLLM{turns: []func(func(string) error) ([]agent.FunctionCall, error){
		callTurn("get_selection", map[string]any{}),
		textTurn("You have one cube selected."),
	}}
	srv, ts := newTestServer(t, llm)

	// Attach a peer that answers get_selection.
	conn := dialTools(t, ts)
	defer conn.Close()

	frame, err := rpc.NewNotification(rpc.MethodRegister, rpc.RegisterParams{Tools: []rpc.ToolSchema{
		{Name: "get_selection", Parameters: json.RawMessage(`{"type":"object"}`)},
	}})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	data, _ := frame.Encode()
	conn.WriteMessage(websocket.TextMessage, data)
	waitFor(t, func() bool { return srv.bridge.Connected() && len(srv.bridge.Tools()) == 1 })

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := rpc.ParseFrame(data)
			if err != nil || !f.IsRequest() {
				continue
			}
			reply, _ := rpc.NewResult(f.ID, json.RawMessage(`{"success":true,"selected_prims":[{"path":"/World/Cube"}]}`)).Encode()
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	}()

	resp := postChat(t, ts, `{"message":"what is selected?"}`)
	lines := readNDJSON(t, resp)

	// tool_call, tool_result, text_delta, end
	if len(lines) != 4 {
		t.Fatalf("got %d lines: %v", len(lines), lines)
	}
	if lines[0]["type"] != "tool_call" || lines[0]["tool"] != "get_selection" {
		t.Fatalf("tool_call line: %v", lines[0])
	}
	result := lines[1]
	if result["type"] != "tool_result" || result["call_id"] != lines[0]["call_id"] {
		t.Fatalf("tool_result line: %v", result)
	}
	payload := result["result"].(map[string]any)
	if payload["success"] != true {
		t.Fatalf("peer result lost: %v", payload)
	}
	if lines[3]["type"] != "end" {
		t.Fatalf("final line: %v", lines[3])
	}
	meta := lines[3]["metadata"].(map[string]any)
	if meta["total_tool_calls"] != float64(1) {
		t.Fatalf("end totals: %v", meta)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, &scriptedLLM{})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/chat/stream", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow-origin = %q", got)
	}

	// Unlisted origins get no CORS headers.
	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/ping", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("CORS headers leaked to unlisted origin")
	}
}

func TestExpandOrigins(t *testing.T) {
	allowed := expandOrigins([]string{"http://localhost:*", "https://studio.example.com"})
	if !allowed["http://localhost:3000"] || !allowed["http://127.0.0.1:8080"] {
		t.Fatalf("wildcard not expanded: %v", allowed)
	}
	if !allowed["https://studio.example.com"] {
		t.Fatalf("literal origin lost: %v", allowed)
	}
	if allowed["http://evil.example.com"] {
		t.Fatal("unexpected origin allowed")
	}
}
