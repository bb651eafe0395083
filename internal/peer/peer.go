// Package peer implements the remote side of the tool bridge: an
// outbound websocket client that registers its tool catalogue with the
// chat backend, services incoming JSON-RPC tool-call requests, and
// reconnects with exponential backoff when the connection drops.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scenechat/internal/logging"
	"scenechat/internal/rpc"
)

// Handler executes one registered tool. The returned value is
// marshalled as the JSON-RPC result.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// invalidParamsError marks a handler failure caused by bad arguments,
// reported on the wire as code -32602 instead of -32000.
type invalidParamsError struct {
	err error
}

func (e *invalidParamsError) Error() string { return e.err.Error() }
func (e *invalidParamsError) Unwrap() error { return e.err }

// InvalidParams wraps err so the peer reports it as an invalid-params
// error response.
func InvalidParams(err error) error {
	return &invalidParamsError{err: err}
}

// IsInvalidParams reports whether err was wrapped by InvalidParams.
func IsInvalidParams(err error) bool {
	var target *invalidParamsError
	return errors.As(err, &target)
}

// Options configures a Peer.
type Options struct {
	// URL is the backend websocket endpoint, e.g. ws://localhost:8000/ws/tools.
	URL string

	// ReconnectDelay is the initial backoff delay. MaxReconnectDelay
	// caps the doubling sequence.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// HandshakeTimeout bounds the websocket dial. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Peer maintains the outbound connection to the backend and dispatches
// its tool-call requests to locally registered handlers.
type Peer struct {
	url    string
	dialer *websocket.Dialer

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	running  bool
	retry    *backoff
	rtimer   *time.Timer
	handlers map[string]Handler
	schemas  []rpc.ToolSchema

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Peer. Tools must be registered before Start.
func New(opts Options) *Peer {
	handshake := opts.HandshakeTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}
	return &Peer{
		url:      opts.URL,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshake},
		retry:    newBackoff(opts.ReconnectDelay, opts.MaxReconnectDelay),
		handlers: make(map[string]Handler),
	}
}

// RegisterTool adds a tool to the local catalogue. Must be called
// before Start; the full catalogue is announced on every connect.
// Registering a name again replaces the handler and schema in place.
func (p *Peer) RegisterTool(schema rpc.ToolSchema, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handlers[schema.Name]; exists {
		for i, s := range p.schemas {
			if s.Name == schema.Name {
				p.schemas[i] = schema
				break
			}
		}
	} else {
		p.schemas = append(p.schemas, schema)
	}
	p.handlers[schema.Name] = h
}

// Tools returns the schemas of the registered tools.
func (p *Peer) Tools() []rpc.ToolSchema {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]rpc.ToolSchema, len(p.schemas))
	copy(out, p.schemas)
	return out
}

// Connected reports whether the peer currently holds a live connection.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Start attempts the first connection. A dial failure is not fatal:
// the reconnect schedule takes over until Stop is called.
func (p *Peer) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("peer already started")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.retry.Reset()
	p.mu.Unlock()

	p.connect()
	return nil
}

// Stop cancels any scheduled reconnect and closes the active
// connection. The stop flag is set first so the closing read loop does
// not trigger a new attempt.
func (p *Peer) Stop() {
	p.mu.Lock()
	p.running = false
	if p.cancel != nil {
		p.cancel()
	}
	if p.rtimer != nil {
		p.rtimer.Stop()
		p.rtimer = nil
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	logging.Peer("stopped")
}

// connect dials the backend, announces the tool catalogue, and starts
// the receive loop. On failure it schedules a reconnect.
func (p *Peer) connect() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.mu.Unlock()

	logging.Peer("connecting to %s", p.url)

	conn, resp, err := p.dialer.DialContext(ctx, p.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logging.PeerWarn("connection failed: %v", err)
		p.scheduleReconnect()
		return
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.conn = conn
	p.retry.Reset()
	p.mu.Unlock()

	logging.Peer("connected to backend")

	if err := p.sendRegistration(conn); err != nil {
		logging.PeerWarn("registration failed: %v", err)
		_ = conn.Close()
		p.clearConn(conn)
		p.scheduleReconnect()
		return
	}

	go p.readLoop(conn)
}

// scheduleReconnect arms a timer with the next backoff delay. Abandoned
// permanently once Stop has been called.
func (p *Peer) scheduleReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	delay := p.retry.Next()
	logging.Peer("reconnecting in %s", delay)
	p.rtimer = time.AfterFunc(delay, p.connect)
}

// clearConn forgets conn if it is still the active connection.
func (p *Peer) clearConn(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
}

// sendRegistration announces the full tool catalogue.
func (p *Peer) sendRegistration(conn *websocket.Conn) error {
	frame, err := rpc.NewNotification(rpc.MethodRegister, rpc.RegisterParams{Tools: p.Tools()})
	if err != nil {
		return err
	}
	logging.Peer("registering %d tools", len(p.Tools()))
	return p.writeFrame(conn, frame)
}

// readLoop services inbound frames until the connection drops. A read
// error triggers the reconnect policy unless the peer is stopping.
func (p *Peer) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.clearConn(conn)
			p.mu.Lock()
			running := p.running
			p.mu.Unlock()
			if running {
				logging.PeerWarn("connection lost: %v", err)
				p.scheduleReconnect()
			}
			return
		}

		frame, err := rpc.ParseFrame(data)
		if err != nil {
			logging.PeerWarn("dropping inbound frame: %v", err)
			continue
		}

		switch {
		case frame.IsRequest():
			p.handleRequest(conn, frame)
		case frame.IsNotification():
			logging.Peer("received notification: %s", frame.Method)
		default:
			logging.PeerWarn("dropping unexpected response frame (id=%s)", frame.ID)
		}
	}
}

// handleRequest executes one tool-call request and sends the response.
// Handler failures become error responses, never loop crashes.
func (p *Peer) handleRequest(conn *websocket.Conn, frame *rpc.Frame) {
	method, callID := frame.Method, frame.ID
	logging.Peer("tool call: %s (id=%s)", method, callID)

	p.sendStatus(conn, callID, "running", fmt.Sprintf("Executing %s...", method))

	p.mu.Lock()
	handler, ok := p.handlers[method]
	ctx := p.ctx
	p.mu.Unlock()

	if !ok {
		p.sendError(conn, callID, rpc.CodeMethodNotFound, fmt.Sprintf("Method not found: %s", method))
		return
	}

	result, err := handler(ctx, frame.Params)
	if err != nil {
		var badParams *invalidParamsError
		if errors.As(err, &badParams) {
			p.sendError(conn, callID, rpc.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", badParams.err))
			return
		}
		logging.PeerWarn("tool %s failed: %v", method, err)
		p.sendError(conn, callID, rpc.CodeExecutionError, err.Error())
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		p.sendError(conn, callID, rpc.CodeExecutionError, fmt.Sprintf("unencodable result: %v", err))
		return
	}
	p.writeFrameLogged(conn, rpc.NewResult(callID, raw))
}

func (p *Peer) sendStatus(conn *websocket.Conn, callID, status, message string) {
	frame, err := rpc.NewNotification(rpc.MethodStatus, rpc.StatusParams{CallID: callID, Status: status, Message: message})
	if err != nil {
		return
	}
	p.writeFrameLogged(conn, frame)
}

func (p *Peer) sendError(conn *websocket.Conn, callID string, code int, message string) {
	p.writeFrameLogged(conn, rpc.NewError(callID, code, message))
}

func (p *Peer) writeFrameLogged(conn *websocket.Conn, frame *rpc.Frame) {
	if err := p.writeFrame(conn, frame); err != nil {
		logging.PeerWarn("write failed: %v", err)
	}
}

func (p *Peer) writeFrame(conn *websocket.Conn, frame *rpc.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
