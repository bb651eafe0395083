package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"scenechat/internal/logging"
)

// ConnState is the lifecycle state of the logical peer connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Transport is the message-oriented connection to the peer. WriteMessage
// sends one framed message; implementations need not be safe for
// concurrent writes, the Connection serializes them.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Connection owns the single active peer slot on the server side. It
// sends tool-call requests, routes incoming frames to the correlation
// table, and holds the registered tool catalogue. Exactly one peer is
// tracked at a time; registering a new transport fails the previous
// session's pending calls.
type Connection struct {
	mu        sync.Mutex
	writeMu   sync.Mutex
	transport Transport
	state     ConnState
	tools     []ToolSchema
	pending   *pendingTable
}

// NewConnection creates a Connection with no peer attached.
func NewConnection() *Connection {
	return &Connection{
		state:   StateDisconnected,
		pending: newPendingTable(),
	}
}

// Register accepts a new transport-level connection and marks the peer
// connected. Any previous session's pending calls are failed before the
// new transport takes the slot, so a call issued on the new connection
// can never be caught by the old session's teardown.
func (c *Connection) Register(t Transport) {
	c.mu.Lock()
	prev := c.transport
	if prev != nil {
		if n := c.pending.failAll(ErrConnectionLost); n > 0 {
			logging.BridgeWarn("replacing peer connection, failed %d pending calls", n)
		}
	}
	c.transport = t
	c.state = StateConnected
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	logging.Bridge("peer connected")
}

// Unregister detaches t if it is still the active transport, clears the
// tool catalogue, and fails all pending calls. A no-op if a newer
// transport has already taken the slot.
func (c *Connection) Unregister(t Transport) {
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.state = StateDisconnected
	c.tools = nil
	c.mu.Unlock()

	n := c.pending.failAll(ErrConnectionLost)
	logging.Bridge("peer disconnected, failed %d pending calls", n)
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a peer is attached.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// Tools returns a copy of the registered tool catalogue.
func (c *Connection) Tools() []ToolSchema {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolSchema, len(c.tools))
	copy(out, c.tools)
	return out
}

// PendingCalls returns the number of in-flight tool calls.
func (c *Connection) PendingCalls() int {
	return c.pending.size()
}

// CallTool sends a tool-call request to the peer and blocks until the
// response arrives, the timeout elapses, or ctx is cancelled. On
// timeout the pending entry is dropped; a response arriving afterward
// is discarded as an unknown id. Concurrent calls are independent and
// may resolve in any order.
func (c *Connection) CallTool(ctx context.Context, name string, params json.RawMessage, timeout time.Duration, status StatusFunc) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.transport == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	transport := c.transport
	c.mu.Unlock()

	callID := newCallID()
	pc := c.pending.register(callID, name, status)

	data, err := NewRequest(callID, name, params).Encode()
	if err != nil {
		c.pending.drop(callID)
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := c.write(transport, data); err != nil {
		c.pending.drop(callID)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	logging.Bridge("calling tool %s (id=%s)", name, callID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-pc.outcome:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-timer.C:
		c.pending.drop(callID)
		logging.BridgeWarn("tool %s (id=%s) timed out after %s", name, callID, timeout)
		return nil, fmt.Errorf("tool %s after %s: %w", name, timeout, ErrCallTimeout)
	case <-ctx.Done():
		c.pending.drop(callID)
		return nil, ctx.Err()
	}
}

// HandleFrame routes one inbound message from the peer. Malformed JSON
// and unrecognized shapes are logged and dropped, never fatal.
func (c *Connection) HandleFrame(data []byte) {
	f, err := ParseFrame(data)
	if err != nil {
		logging.BridgeWarn("dropping inbound frame: %v", err)
		return
	}

	switch {
	case f.IsNotification():
		c.handleNotification(f)
	case f.IsResponse():
		c.handleResponse(f)
	default:
		// The server never accepts call requests from the peer.
		logging.BridgeWarn("dropping unexpected request frame for method %s", f.Method)
	}
}

func (c *Connection) handleNotification(f *Frame) {
	switch f.Method {
	case MethodRegister:
		var params RegisterParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			logging.BridgeWarn("bad tool.register params: %v", err)
			return
		}
		c.mu.Lock()
		c.tools = params.Tools
		c.mu.Unlock()

		names := make([]string, len(params.Tools))
		for i, t := range params.Tools {
			names[i] = t.Name
		}
		logging.Bridge("registered %d tools from peer: %v", len(params.Tools), names)

	case MethodStatus:
		var params StatusParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			logging.BridgeWarn("bad tool.status params: %v", err)
			return
		}
		c.pending.notifyStatus(params.CallID, params.Status, params.Message)

	default:
		logging.BridgeWarn("unknown notification method: %s", f.Method)
	}
}

func (c *Connection) handleResponse(f *Frame) {
	if f.Error != nil {
		c.pending.reject(f.ID, &RemoteError{Code: f.Error.Code, Message: f.Error.Message})
		return
	}
	c.pending.resolve(f.ID, f.Result)
}

// write serializes message writes to the transport.
func (c *Connection) write(t Transport, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return t.WriteMessage(data)
}

// newCallID mints a process-unique call identifier.
func newCallID() string {
	return "call-" + uuid.NewString()[:8]
}
