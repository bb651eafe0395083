package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport records frames written by the Connection so tests can
// answer them out of band.
type fakeTransport struct {
	mu     sync.Mutex
	frames []*Frame
	closed bool
}

func (ft *fakeTransport) WriteMessage(data []byte) error {
	f, err := ParseFrame(data)
	if err != nil {
		return err
	}
	ft.mu.Lock()
	ft.frames = append(ft.frames, f)
	ft.mu.Unlock()
	return nil
}

func (ft *fakeTransport) Close() error {
	ft.mu.Lock()
	ft.closed = true
	ft.mu.Unlock()
	return nil
}

func (ft *fakeTransport) sent() []*Frame {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]*Frame, len(ft.frames))
	copy(out, ft.frames)
	return out
}

// waitForRequests blocks until the transport has seen n request frames.
func (ft *fakeTransport) waitForRequests(t *testing.T, n int) []*Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := ft.sent()
		if len(frames) >= n {
			return frames
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("transport never saw %d requests", n)
	return nil
}

func respond(c *Connection, id string, result string) {
	data, _ := NewResult(id, json.RawMessage(result)).Encode()
	c.HandleFrame(data)
}

func TestCallToolNotConnected(t *testing.T) {
	c := NewConnection()
	_, err := c.CallTool(context.Background(), "get_selection", nil, time.Second, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	c := NewConnection()
	ft := &fakeTransport{}
	c.Register(ft)

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		result, callErr = c.CallTool(context.Background(), "get_camera_info", json.RawMessage(`{}`), 2*time.Second, nil)
	}()

	frames := ft.waitForRequests(t, 1)
	req := frames[0]
	if req.Method != "get_camera_info" || req.ID == "" {
		t.Fatalf("unexpected request frame: %+v", req)
	}

	respond(c, req.ID, `{"success":true,"camera_path":"/World/Camera"}`)
	<-done

	if callErr != nil {
		t.Fatalf("CallTool failed: %v", callErr)
	}
	var parsed struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || !parsed.Success {
		t.Fatalf("unexpected result: %s (%v)", result, err)
	}
	if c.PendingCalls() != 0 {
		t.Fatalf("pending calls remain: %d", c.PendingCalls())
	}
}

func TestConcurrentCallsResolveIndependently(t *testing.T) {
	c := NewConnection()
	ft := &fakeTransport{}
	c.Register(ft)

	const n = 8
	results := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.CallTool(context.Background(), fmt.Sprintf("tool_%d", i), nil, 5*time.Second, nil)
			results[i], errs[i] = string(res), err
		}(i)
	}

	frames := ft.waitForRequests(t, n)

	// Answer in reverse arrival order; each caller must still get the
	// response matched to its own call id.
	for i := len(frames) - 1; i >= 0; i-- {
		respond(c, frames[i].ID, fmt.Sprintf(`{"echo":%q}`, frames[i].Method))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d failed: %v", i, errs[i])
		}
		want := fmt.Sprintf(`{"echo":"tool_%d"}`, i)
		if results[i] != want {
			t.Fatalf("call %d cross-resolved: got %s, want %s", i, results[i], want)
		}
	}
	if c.PendingCalls() != 0 {
		t.Fatalf("pending calls remain: %d", c.PendingCalls())
	}
}

func TestUnregisterFailsPendingWithConnectionLost(t *testing.T) {
	c := NewConnection()
	ft := &fakeTransport{}
	c.Register(ft)

	const k = 3
	errCh := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := c.CallTool(context.Background(), "get_selection", nil, 5*time.Second, nil)
			errCh <- err
		}()
	}
	ft.waitForRequests(t, k)

	c.Unregister(ft)

	for i := 0; i < k; i++ {
		if err := <-errCh; !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("call %d: got %v, want ErrConnectionLost", i, err)
		}
	}
	if c.PendingCalls() != 0 {
		t.Fatalf("table not empty after disconnect: %d", c.PendingCalls())
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", c.State())
	}
	if len(c.Tools()) != 0 {
		t.Fatalf("catalogue not cleared on disconnect")
	}
}

func TestUnregisterStaleTransportIsNoop(t *testing.T) {
	c := NewConnection()
	old := &fakeTransport{}
	c.Register(old)
	replacement := &fakeTransport{}
	c.Register(replacement)

	if !old.closed {
		t.Fatalf("previous transport not closed on replacement")
	}

	// The old reader's deferred unregister must not tear down the
	// replacement connection.
	c.Unregister(old)
	if c.State() != StateConnected {
		t.Fatalf("stale unregister detached the new peer")
	}
}

// blockingCloseTransport stalls Close until released, keeping a
// replacement's teardown of the previous transport in flight.
type blockingCloseTransport struct {
	fakeTransport
	release chan struct{}
}

func (bt *blockingCloseTransport) Close() error {
	<-bt.release
	return bt.fakeTransport.Close()
}

func TestReplacementDoesNotKillNewSessionCalls(t *testing.T) {
	c := NewConnection()
	old := &blockingCloseTransport{release: make(chan struct{})}
	c.Register(old)

	oldErrCh := make(chan error, 1)
	go func() {
		_, err := c.CallTool(context.Background(), "get_selection", nil, 5*time.Second, nil)
		oldErrCh <- err
	}()
	old.waitForRequests(t, 1)

	replacement := &fakeTransport{}
	registered := make(chan struct{})
	go func() {
		c.Register(replacement)
		close(registered)
	}()

	// The old session's pending call fails before the slot changes
	// hands.
	if err := <-oldErrCh; !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("old call: got %v, want ErrConnectionLost", err)
	}

	// With the old transport's Close still in flight, a call issued on
	// the new connection must go out on the new transport and resolve
	// normally, untouched by the old session's teardown.
	type outcome struct {
		res json.RawMessage
		err error
	}
	outCh := make(chan outcome, 1)
	go func() {
		res, err := c.CallTool(context.Background(), "get_camera_info", nil, 5*time.Second, nil)
		outCh <- outcome{res, err}
	}()
	frames := replacement.waitForRequests(t, 1)

	close(old.release)
	<-registered

	respond(c, frames[0].ID, `{"success":true}`)
	out := <-outCh
	if out.err != nil {
		t.Fatalf("new session call failed: %v", out.err)
	}
	if string(out.res) != `{"success":true}` {
		t.Fatalf("unexpected result: %s", out.res)
	}
	if len(old.sent()) != 1 {
		t.Fatalf("new session call leaked onto the old transport")
	}
}

func TestCallToolTimeoutAndLateResponse(t *testing.T) {
	c := NewConnection()
	ft := &fakeTransport{}
	c.Register(ft)

	_, err := c.CallTool(context.Background(), "raycast_from_camera", nil, 20*time.Millisecond, nil)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("got %v, want ErrCallTimeout", err)
	}

	// Late response for the reaped id must be discarded, and must not
	// resolve an unrelated pending call.
	frames := ft.waitForRequests(t, 1)

	done := make(chan struct{})
	var second json.RawMessage
	go func() {
		defer close(done)
		second, _ = c.CallTool(context.Background(), "get_selection", nil, 2*time.Second, nil)
	}()
	ft.waitForRequests(t, 2)

	respond(c, frames[0].ID, `{"late":true}`)
	respond(c, ft.sent()[1].ID, `{"success":true}`)
	<-done

	if string(second) != `{"success":true}` {
		t.Fatalf("late response leaked into other call: %s", second)
	}
}

func TestRemoteErrorResponse(t *testing.T) {
	c := NewConnection()
	ft := &fakeTransport{}
	c.Register(ft)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallTool(context.Background(), "bogus_tool", nil, 2*time.Second, nil)
		errCh <- err
	}()
	frames := ft.waitForRequests(t, 1)

	data, _ := NewError(frames[0].ID, CodeMethodNotFound, "Method not found: bogus_tool").Encode()
	c.HandleFrame(data)

	err := <-errCh
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("got %v, want RemoteError", err)
	}
	if remote.Code != CodeMethodNotFound {
		t.Fatalf("code = %d, want %d", remote.Code, CodeMethodNotFound)
	}
}

func TestRegistrationReplacesCatalogue(t *testing.T) {
	c := NewConnection()
	c.Register(&fakeTransport{})

	register := func(names ...string) {
		tools := make([]ToolSchema, len(names))
		for i, n := range names {
			tools[i] = ToolSchema{Name: n, Parameters: json.RawMessage(`{"type":"object"}`)}
		}
		f, err := NewNotification(MethodRegister, RegisterParams{Tools: tools})
		if err != nil {
			t.Fatalf("NewNotification: %v", err)
		}
		data, _ := f.Encode()
		c.HandleFrame(data)
	}

	register("get_selection", "create_prim")
	register("list_all_prims")

	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "list_all_prims" {
		t.Fatalf("catalogue not replaced wholesale: %+v", tools)
	}
}

func TestStatusNotificationForwarded(t *testing.T) {
	c := NewConnection()
	ft := &fakeTransport{}
	c.Register(ft)

	statusCh := make(chan string, 1)
	go func() {
		_, _ = c.CallTool(context.Background(), "create_prim", nil, 2*time.Second, func(callID, status, message string) {
			statusCh <- status
		})
	}()
	frames := ft.waitForRequests(t, 1)

	f, _ := NewNotification(MethodStatus, StatusParams{CallID: frames[0].ID, Status: "running", Message: "Executing create_prim..."})
	data, _ := f.Encode()
	c.HandleFrame(data)

	select {
	case s := <-statusCh:
		if s != "running" {
			t.Fatalf("status = %q, want running", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("status never forwarded")
	}

	respond(c, frames[0].ID, `{}`)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	c := NewConnection()
	c.Register(&fakeTransport{})

	c.HandleFrame([]byte(`{not json`))
	c.HandleFrame([]byte(`{"jsonrpc":"2.0"}`))
	c.HandleFrame([]byte(`42`))

	if c.State() != StateConnected {
		t.Fatalf("malformed frame tore down the connection")
	}
}
