package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"scenechat/internal/logging"
)

type textDeltaLine struct {
	Type     string         `json:"type"`
	ChunkID  string         `json:"chunk_id"`
	Content  string         `json:"content"`
	Done     bool           `json:"done"`
	Metadata map[string]any `json:"metadata"`
}

type toolCallLine struct {
	Type     string          `json:"type"`
	ChunkID  string          `json:"chunk_id"`
	Tool     string          `json:"tool"`
	CallID   string          `json:"call_id"`
	Params   json.RawMessage `json:"params"`
	Done     bool            `json:"done"`
	Metadata map[string]any  `json:"metadata"`
}

type toolResultLine struct {
	Type    string          `json:"type"`
	ChunkID string          `json:"chunk_id"`
	CallID  string          `json:"call_id"`
	Tool    string          `json:"tool"`
	Result  json.RawMessage `json:"result"`
	Done    bool            `json:"done"`
}

type errorLine struct {
	Type    string `json:"type"`
	ChunkID string `json:"chunk_id"`
	Error   string `json:"error"`
	Done    bool   `json:"done"`
}

type endLine struct {
	Type     string         `json:"type"`
	ChunkID  string         `json:"chunk_id"`
	Content  string         `json:"content"`
	Done     bool           `json:"done"`
	Metadata map[string]any `json:"metadata"`
}

// Multiplexer serializes an ordered event sequence into newline-
// delimited JSON. It holds no queue of its own: each event is encoded
// and written (and flushed, when the sink supports it) before the next
// one is read, so a slow consumer backpressures the producer through
// the channel.
type Multiplexer struct {
	ConversationID string
}

// Serve drains events into w until a terminal event arrives, the
// channel closes, or ctx is cancelled. The stream always ends with
// exactly one done=true line: if the source closes without a terminal
// event, or the context is cancelled mid-stream, a synthetic error
// line is written in its place.
func (m *Multiplexer) Serve(ctx context.Context, w io.Writer, events <-chan Event) error {
	flusher, _ := w.(http.Flusher)
	chunkCount := 0
	toolCallCount := 0

	emit := func(line any) error {
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("failed to encode stream line: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write stream line: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			logging.Stream("stream cancelled: %v", ctx.Err())
			_ = emit(errorLine{Type: "error", ChunkID: newChunkID(), Error: "stream cancelled", Done: true})
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				// Producer gave up without a terminal event.
				logging.Stream("event source closed without terminal event")
				return emit(errorLine{Type: "error", ChunkID: newChunkID(), Error: "stream ended unexpectedly", Done: true})
			}

			switch ev := ev.(type) {
			case TextDelta:
				chunkCount++
				if err := emit(textDeltaLine{
					Type:     "text_delta",
					ChunkID:  newChunkID(),
					Content:  ev.Content,
					Metadata: map[string]any{"chunk_number": chunkCount},
				}); err != nil {
					return err
				}

			case ToolCall:
				toolCallCount++
				params := ev.Params
				if params == nil {
					params = json.RawMessage(`{}`)
				}
				if err := emit(toolCallLine{
					Type:     "tool_call",
					ChunkID:  newChunkID(),
					Tool:     ev.Tool,
					CallID:   ev.CallID,
					Params:   params,
					Metadata: map[string]any{"tool_call_number": toolCallCount},
				}); err != nil {
					return err
				}

			case ToolResult:
				result := ev.Result
				if result == nil {
					result = json.RawMessage(`{}`)
				}
				if err := emit(toolResultLine{
					Type:    "tool_result",
					ChunkID: newChunkID(),
					CallID:  ev.CallID,
					Tool:    ev.Tool,
					Result:  result,
				}); err != nil {
					return err
				}

			case Error:
				logging.Stream("stream terminated with error: %s", ev.Message)
				return emit(errorLine{Type: "error", ChunkID: newChunkID(), Error: ev.Message, Done: true})

			case End:
				logging.Stream("stream completed: %d chunks, %d tool calls", chunkCount, toolCallCount)
				return emit(endLine{
					Type:    "end",
					ChunkID: newChunkID(),
					Done:    true,
					Metadata: map[string]any{
						"total_chunks":     chunkCount,
						"total_tool_calls": toolCallCount,
						"conversation_id":  m.ConversationID,
					},
				})
			}
		}
	}
}

func newChunkID() string {
	return uuid.NewString()
}
