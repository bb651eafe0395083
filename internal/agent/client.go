// Package agent runs the LLM orchestration loop: it streams model
// turns, executes requested tool calls through the bridge, and feeds
// results back until the model produces a final answer.
package agent

import (
	"context"

	"scenechat/internal/rpc"
)

// Role values for conversation messages.
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleTool  = "tool"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string
	Args map[string]any
}

// FunctionResponse is a tool result fed back to the model.
type FunctionResponse struct {
	Name     string
	Response map[string]any
}

// Message is one entry of the model conversation. Exactly one of Text,
// Calls, or Response is meaningful depending on Role.
type Message struct {
	Role     string
	Text     string
	Calls    []FunctionCall
	Response *FunctionResponse
}

// Client streams one model turn at a time. Implementations must invoke
// onText in arrival order and return any function calls the model
// requested during the turn.
type Client interface {
	StreamTurn(ctx context.Context, history []Message, tools []rpc.ToolSchema, onText func(text string) error) ([]FunctionCall, error)
	Close() error
}
