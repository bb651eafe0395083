package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scenechat/internal/rpc"
)

// bridgeStub is a minimal backend-side websocket endpoint. Accepted
// connections are delivered on conns so tests can drive the protocol.
type bridgeStub struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newBridgeStub(t *testing.T) *bridgeStub {
	t.Helper()
	bs := &bridgeStub{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	bs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		bs.conns <- conn
	}))
	t.Cleanup(bs.srv.Close)
	return bs
}

func (bs *bridgeStub) url() string {
	return "ws" + strings.TrimPrefix(bs.srv.URL, "http")
}

func (bs *bridgeStub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-bs.conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatalf("peer never connected")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *rpc.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	f, err := rpc.ParseFrame(data)
	if err != nil {
		t.Fatalf("bad frame from peer: %v", err)
	}
	return f
}

// readUntilResponse skips status notifications and returns the first
// response frame.
func readUntilResponse(t *testing.T, conn *websocket.Conn) *rpc.Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		f := readFrame(t, conn)
		if f.IsResponse() {
			return f
		}
	}
	t.Fatalf("no response frame received")
	return nil
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *rpc.Frame) {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func testSchema(name string) rpc.ToolSchema {
	return rpc.ToolSchema{
		Name:        name,
		Description: "test tool",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	}
}

func startPeer(t *testing.T, p *Peer) {
	t.Helper()
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(p.Stop)
}

func TestPeerRegistersCatalogueOnConnect(t *testing.T) {
	bs := newBridgeStub(t)

	p := New(Options{URL: bs.url(), ReconnectDelay: 50 * time.Millisecond})
	p.RegisterTool(testSchema("get_selection"), func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"success": true}, nil
	})
	p.RegisterTool(testSchema("create_prim"), func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"success": true}, nil
	})
	startPeer(t, p)

	conn := bs.accept(t)
	f := readFrame(t, conn)
	if !f.IsNotification() || f.Method != rpc.MethodRegister {
		t.Fatalf("first frame = %+v, want tool.register notification", f)
	}

	var params rpc.RegisterParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		t.Fatalf("bad register params: %v", err)
	}
	if len(params.Tools) != 2 {
		t.Fatalf("registered %d tools, want 2", len(params.Tools))
	}
	if params.Tools[0].Name != "get_selection" || params.Tools[1].Name != "create_prim" {
		t.Fatalf("catalogue order changed: %+v", params.Tools)
	}
}

func TestRegisterToolTwiceReplacesInPlace(t *testing.T) {
	p := New(Options{URL: "ws://localhost:0/ws/tools"})
	p.RegisterTool(testSchema("get_selection"), func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"version": 1}, nil
	})
	p.RegisterTool(testSchema("create_prim"), func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"success": true}, nil
	})

	replacement := testSchema("get_selection")
	replacement.Description = "replacement"
	p.RegisterTool(replacement, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"version": 2}, nil
	})

	tools := p.Tools()
	if len(tools) != 2 {
		t.Fatalf("catalogue has %d entries, want 2: %+v", len(tools), tools)
	}
	if tools[0].Name != "get_selection" || tools[0].Description != "replacement" {
		t.Fatalf("schema not replaced in place: %+v", tools[0])
	}
	if tools[1].Name != "create_prim" {
		t.Fatalf("catalogue order changed: %+v", tools)
	}

	result, err := p.handlers["get_selection"](context.Background(), nil)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if v := result.(map[string]interface{})["version"]; v != 2 {
		t.Fatalf("old handler still registered: version = %v", v)
	}
}

func TestPeerDispatchRoundTrip(t *testing.T) {
	bs := newBridgeStub(t)

	p := New(Options{URL: bs.url(), ReconnectDelay: 50 * time.Millisecond})
	p.RegisterTool(testSchema("get_camera_info"), func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"success": true, "camera_path": "/World/Camera"}, nil
	})
	startPeer(t, p)

	conn := bs.accept(t)
	readFrame(t, conn) // registration

	writeFrame(t, conn, rpc.NewRequest("call-ab12cd34", "get_camera_info", json.RawMessage(`{}`)))

	// A running status notification precedes the response.
	status := readFrame(t, conn)
	if !status.IsNotification() || status.Method != rpc.MethodStatus {
		t.Fatalf("expected tool.status before response, got %+v", status)
	}
	var sp rpc.StatusParams
	if err := json.Unmarshal(status.Params, &sp); err != nil {
		t.Fatalf("bad status params: %v", err)
	}
	if sp.CallID != "call-ab12cd34" || sp.Status != "running" {
		t.Fatalf("unexpected status params: %+v", sp)
	}

	resp := readFrame(t, conn)
	if !resp.IsResponse() || resp.ID != "call-ab12cd34" {
		t.Fatalf("response did not echo call id: %+v", resp)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	var result struct {
		Success    bool   `json:"success"`
		CameraPath string `json:"camera_path"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil || !result.Success || result.CameraPath != "/World/Camera" {
		t.Fatalf("unexpected result: %s (%v)", resp.Result, err)
	}
}

func TestPeerUnknownMethodReturnsMethodNotFound(t *testing.T) {
	bs := newBridgeStub(t)

	p := New(Options{URL: bs.url(), ReconnectDelay: 50 * time.Millisecond})
	startPeer(t, p)

	conn := bs.accept(t)
	readFrame(t, conn) // registration

	writeFrame(t, conn, rpc.NewRequest("call-deadbeef", "no_such_tool", nil))

	resp := readUntilResponse(t, conn)
	if resp.ID != "call-deadbeef" {
		t.Fatalf("response id = %q, want call-deadbeef", resp.ID)
	}
	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("expected -32601 error, got %+v", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "no_such_tool") {
		t.Fatalf("error message does not name the method: %q", resp.Error.Message)
	}
}

func TestPeerHandlerErrorsMapToCodes(t *testing.T) {
	bs := newBridgeStub(t)

	p := New(Options{URL: bs.url(), ReconnectDelay: 50 * time.Millisecond})
	p.RegisterTool(testSchema("create_prim"), func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, InvalidParams(errors.New("prim_type is required"))
	})
	p.RegisterTool(testSchema("raycast_from_camera"), func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("no camera bound")
	})
	startPeer(t, p)

	conn := bs.accept(t)
	readFrame(t, conn) // registration

	writeFrame(t, conn, rpc.NewRequest("call-00000001", "create_prim", json.RawMessage(`{}`)))
	resp := readUntilResponse(t, conn)
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("expected -32602 for bad params, got %+v", resp.Error)
	}

	writeFrame(t, conn, rpc.NewRequest("call-00000002", "raycast_from_camera", nil))
	resp = readUntilResponse(t, conn)
	if resp.Error == nil || resp.Error.Code != rpc.CodeExecutionError {
		t.Fatalf("expected -32000 for handler failure, got %+v", resp.Error)
	}
	if resp.Error.Message != "no camera bound" {
		t.Fatalf("error message = %q", resp.Error.Message)
	}
}

func TestPeerReconnectsAfterDrop(t *testing.T) {
	bs := newBridgeStub(t)

	p := New(Options{URL: bs.url(), ReconnectDelay: 20 * time.Millisecond, MaxReconnectDelay: 100 * time.Millisecond})
	p.RegisterTool(testSchema("get_selection"), func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"success": true}, nil
	})
	startPeer(t, p)

	first := bs.accept(t)
	readFrame(t, first) // registration
	first.Close()

	// A fresh connection must arrive and re-announce the catalogue.
	second := bs.accept(t)
	f := readFrame(t, second)
	if !f.IsNotification() || f.Method != rpc.MethodRegister {
		t.Fatalf("reconnect did not re-register: %+v", f)
	}
}

func TestPeerStopAbandonsReconnect(t *testing.T) {
	bs := newBridgeStub(t)

	p := New(Options{URL: bs.url(), ReconnectDelay: 20 * time.Millisecond})
	startPeer(t, p)

	conn := bs.accept(t)
	readFrame(t, conn) // registration

	p.Stop()

	select {
	case <-bs.conns:
		t.Fatalf("peer reconnected after Stop")
	case <-time.After(200 * time.Millisecond):
	}
	if p.Connected() {
		t.Fatalf("peer still reports connected after Stop")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := newBackoff(2*time.Second, 30*time.Second)

	want := []time.Duration{2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("attempt %d: delay = %s, want %s", i, got, w*time.Second)
		}
	}

	b.Reset()
	if got := b.Next(); got != 2*time.Second {
		t.Fatalf("after reset: delay = %s, want 2s", got)
	}
}

func TestBackoffDefaultsAndFloor(t *testing.T) {
	b := newBackoff(0, 0)
	if got := b.Next(); got != 2*time.Second {
		t.Fatalf("default initial = %s, want 2s", got)
	}

	// Max below initial is clamped up so Next never shrinks.
	b = newBackoff(5*time.Second, time.Second)
	if got := b.Next(); got != 5*time.Second {
		t.Fatalf("first delay = %s, want 5s", got)
	}
	if got := b.Next(); got != 5*time.Second {
		t.Fatalf("capped delay = %s, want 5s", got)
	}
}
