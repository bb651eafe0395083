// Package stream defines the orchestration event variants and the
// NDJSON multiplexer that frames them for HTTP streaming clients.
package stream

import "encoding/json"

// Event is one record in the orchestration loop's output sequence. The
// variant set is closed: serialization switches exhaustively over it,
// so an unhandled type is a compile-time problem, not a logged warning.
type Event interface {
	isEvent()
}

// TextDelta carries one increment of assistant text.
type TextDelta struct {
	Content string
}

// ToolCall announces that the loop is invoking a tool.
type ToolCall struct {
	Tool   string
	CallID string
	Params json.RawMessage
}

// ToolResult carries the outcome of the ToolCall with the same CallID.
type ToolResult struct {
	Tool   string
	CallID string
	Result json.RawMessage
}

// Error is a terminal event: the stream ends after it.
type Error struct {
	Message string
}

// End is the normal terminal event.
type End struct{}

func (TextDelta) isEvent()  {}
func (ToolCall) isEvent()   {}
func (ToolResult) isEvent() {}
func (Error) isEvent()      {}
func (End) isEvent()        {}
