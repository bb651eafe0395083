package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"scenechat/internal/logging"
	"scenechat/internal/rpc"
	"scenechat/internal/stream"
)

// ToolCaller is the server-side bridge surface the loop drives. It is
// satisfied by rpc.Connection.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, params json.RawMessage, timeout time.Duration, status rpc.StatusFunc) (json.RawMessage, error)
	Tools() []rpc.ToolSchema
	Connected() bool
}

// Orchestrator drives the chat loop for one request: stream a model
// turn, execute any requested tool calls, feed results back, repeat.
type Orchestrator struct {
	client      Client
	bridge      ToolCaller
	callTimeout time.Duration
	maxRounds   int
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(client Client, bridge ToolCaller, callTimeout time.Duration, maxRounds int) *Orchestrator {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if maxRounds <= 0 {
		maxRounds = 8
	}
	return &Orchestrator{
		client:      client,
		bridge:      bridge,
		callTimeout: callTimeout,
		maxRounds:   maxRounds,
	}
}

// Run executes one chat turn, emitting events as they happen and
// returning the assistant's full text for transcript storage. Tool
// failures are reported to the model as unsuccessful results; only a
// model failure terminates the stream with an error event.
func (o *Orchestrator) Run(ctx context.Context, history []Message, prompt string, events chan<- stream.Event) (string, int, error) {
	emit := func(ev stream.Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: RoleUser, Text: prompt})

	var reply strings.Builder
	toolCalls := 0

	for round := 0; round < o.maxRounds; round++ {
		var turnText strings.Builder
		calls, err := o.client.StreamTurn(ctx, msgs, o.bridge.Tools(), func(text string) error {
			turnText.WriteString(text)
			reply.WriteString(text)
			return emit(stream.TextDelta{Content: text})
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return reply.String(), toolCalls, err
			}
			logging.Agent("model turn failed: %v", err)
			_ = emit(stream.Error{Message: fmt.Sprintf("model error: %v", err)})
			return reply.String(), toolCalls, err
		}

		if len(calls) == 0 {
			if err := emit(stream.End{}); err != nil {
				return reply.String(), toolCalls, err
			}
			return reply.String(), toolCalls, nil
		}

		msgs = append(msgs, Message{Role: RoleModel, Text: turnText.String(), Calls: calls})

		for _, call := range calls {
			toolCalls++
			result, err := o.executeCall(ctx, call, emit)
			if err != nil {
				// emit failed, the client is gone
				return reply.String(), toolCalls, err
			}
			msgs = append(msgs, Message{Role: RoleTool, Response: &FunctionResponse{
				Name:     call.Name,
				Response: result,
			}})
		}
	}

	logging.Agent("tool round limit reached after %d calls", toolCalls)
	if err := emit(stream.End{}); err != nil {
		return reply.String(), toolCalls, err
	}
	return reply.String(), toolCalls, nil
}

// executeCall runs one tool call through the bridge, emitting the
// tool_call and tool_result events. Bridge failures become
// success=false results so the model can recover; only a dead event
// sink is returned as an error.
func (o *Orchestrator) executeCall(ctx context.Context, call FunctionCall, emit func(stream.Event) error) (map[string]any, error) {
	params, err := json.Marshal(call.Args)
	if err != nil {
		params = json.RawMessage(`{}`)
	}
	callID := "call-" + uuid.NewString()[:8]

	if err := emit(stream.ToolCall{Tool: call.Name, CallID: callID, Params: params}); err != nil {
		return nil, err
	}

	raw, callErr := o.bridge.CallTool(ctx, call.Name, params, o.callTimeout, nil)

	var result map[string]any
	if callErr != nil {
		logging.Agent("tool %s failed: %v", call.Name, callErr)
		result = map[string]any{"success": false, "error": toolErrorMessage(callErr)}
		raw, _ = json.Marshal(result)
	} else if err := json.Unmarshal(raw, &result); err != nil {
		// Non-object results are wrapped rather than dropped.
		result = map[string]any{"success": true, "value": string(raw)}
		raw, _ = json.Marshal(result)
	}

	if err := emit(stream.ToolResult{Tool: call.Name, CallID: callID, Result: raw}); err != nil {
		return nil, err
	}
	return result, nil
}

// toolErrorMessage maps bridge errors to text the model can act on.
func toolErrorMessage(err error) string {
	switch {
	case errors.Is(err, rpc.ErrNotConnected):
		return "The scene editor is not connected. Ask the user to open the scene editor."
	case errors.Is(err, rpc.ErrCallTimeout):
		return "The tool call timed out. The scene editor may be busy."
	case errors.Is(err, rpc.ErrConnectionLost):
		return "The scene editor disconnected during the tool call."
	default:
		return err.Error()
	}
}
