// Package rpc implements the JSON-RPC 2.0 bridge between the chat
// backend and the single remote scene peer: wire frames, the pending-call
// correlation table, and the server-side connection that owns the one
// active peer slot.
package rpc

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes used on the wire.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeExecutionError = -32000
)

// Reserved notification methods.
const (
	MethodRegister = "tool.register"
	MethodStatus   = "tool.status"
)

// Frame is the wire unit exchanged with the peer. A request carries
// Method and ID, a notification carries Method only, and a response
// carries ID plus either Result or Error.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a JSON-RPC error response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// IsRequest reports whether the frame is a call request (method + id).
func (f *Frame) IsRequest() bool {
	return f.Method != "" && f.ID != ""
}

// IsNotification reports whether the frame is a notification (method, no id).
func (f *Frame) IsNotification() bool {
	return f.Method != "" && f.ID == ""
}

// IsResponse reports whether the frame is a response (result or error, with id).
func (f *Frame) IsResponse() bool {
	return f.Method == "" && f.ID != "" && (f.Result != nil || f.Error != nil)
}

// ParseFrame decodes a raw message into a Frame, rejecting anything
// that is not one of the three recognized shapes.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if !f.IsRequest() && !f.IsNotification() && !f.IsResponse() {
		return nil, fmt.Errorf("unrecognized frame shape")
	}
	return &f, nil
}

// NewRequest builds a tool-call request frame.
func NewRequest(id, method string, params json.RawMessage) *Frame {
	return &Frame{JSONRPC: "2.0", Method: method, Params: params, ID: id}
}

// NewResult builds a success response frame.
func NewResult(id string, result json.RawMessage) *Frame {
	return &Frame{JSONRPC: "2.0", Result: result, ID: id}
}

// NewError builds an error response frame.
func NewError(id string, code int, message string) *Frame {
	return &Frame{JSONRPC: "2.0", Error: &ErrorObject{Code: code, Message: message}, ID: id}
}

// NewNotification builds a notification frame.
func NewNotification(method string, params interface{}) (*Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification params: %w", err)
	}
	return &Frame{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// Encode serializes the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ToolSchema describes one tool the peer can execute. Immutable once
// registered; the catalogue is replaced wholesale on each registration.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// RegisterParams is the payload of a tool.register notification.
type RegisterParams struct {
	Tools []ToolSchema `json:"tools"`
}

// StatusParams is the payload of a tool.status notification.
type StatusParams struct {
	CallID  string `json:"call_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}
