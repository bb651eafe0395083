package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func serve(t *testing.T, events []Event) []map[string]any {
	t.Helper()
	ch := make(chan Event)
	go func() {
		defer close(ch)
		for _, ev := range events {
			ch <- ev
		}
	}()

	var buf bytes.Buffer
	m := &Multiplexer{ConversationID: "conv-1"}
	if err := m.Serve(context.Background(), &buf, ch); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	return parseLines(t, buf.String())
}

func parseLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSuffix(out, "\n"), "\n") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			t.Fatalf("line is not valid JSON: %q (%v)", raw, err)
		}
		lines = append(lines, obj)
	}
	return lines
}

func TestServeLineCountMatchesEventCount(t *testing.T) {
	lines := serve(t, []Event{
		TextDelta{Content: "a"},
		TextDelta{Content: "b"},
		End{},
	})

	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	last := lines[len(lines)-1]
	if last["type"] != "end" || last["done"] != true {
		t.Fatalf("final line is not a done end line: %v", last)
	}

	// Cumulative chunk numbers 1, 2 and an end summary of 2 chunks.
	meta := func(i int) map[string]any { return lines[i]["metadata"].(map[string]any) }
	if meta(0)["chunk_number"] != float64(1) || meta(1)["chunk_number"] != float64(2) {
		t.Fatalf("chunk numbers not cumulative: %v %v", meta(0), meta(1))
	}
	want := map[string]any{
		"total_chunks":     float64(2),
		"total_tool_calls": float64(0),
		"conversation_id":  "conv-1",
	}
	if diff := cmp.Diff(want, meta(2)); diff != "" {
		t.Fatalf("end metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestServeToolCallAndResultFields(t *testing.T) {
	lines := serve(t, []Event{
		ToolCall{Tool: "create_prim", CallID: "call-12345678", Params: json.RawMessage(`{"prim_type":"Cube"}`)},
		ToolResult{Tool: "create_prim", CallID: "call-12345678", Result: json.RawMessage(`{"success":true,"path":"/World/Cube"}`)},
		End{},
	})

	call := lines[0]
	if call["type"] != "tool_call" || call["tool"] != "create_prim" || call["call_id"] != "call-12345678" {
		t.Fatalf("tool_call line malformed: %v", call)
	}
	if call["done"] != false {
		t.Fatalf("tool_call line marked done")
	}
	if call["metadata"].(map[string]any)["tool_call_number"] != float64(1) {
		t.Fatalf("tool_call_number missing: %v", call["metadata"])
	}

	result := lines[1]
	if result["type"] != "tool_result" || result["call_id"] != "call-12345678" {
		t.Fatalf("tool_result not paired with call id: %v", result)
	}
	if result["result"].(map[string]any)["success"] != true {
		t.Fatalf("tool result payload lost: %v", result["result"])
	}

	end := lines[2]["metadata"].(map[string]any)
	if end["total_tool_calls"] != float64(1) || end["total_chunks"] != float64(0) {
		t.Fatalf("end totals wrong: %v", end)
	}
}

func TestServeErrorEventIsTerminal(t *testing.T) {
	lines := serve(t, []Event{
		TextDelta{Content: "partial"},
		Error{Message: "model unavailable"},
	})

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	last := lines[1]
	if last["type"] != "error" || last["done"] != true || last["error"] != "model unavailable" {
		t.Fatalf("error line malformed: %v", last)
	}
}

func TestServeSyntheticErrorWhenSourceCloses(t *testing.T) {
	ch := make(chan Event)
	close(ch)

	var buf bytes.Buffer
	m := &Multiplexer{}
	if err := m.Serve(context.Background(), &buf, ch); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	lines := parseLines(t, buf.String())
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0]["type"] != "error" || lines[0]["done"] != true {
		t.Fatalf("expected synthetic terminal error line, got %v", lines[0])
	}
}

func TestServeCancelledContextEmitsTerminalError(t *testing.T) {
	ch := make(chan Event)
	defer close(ch)

	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	m := &Multiplexer{}

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Serve(ctx, &buf, ch)
	}()

	ch <- TextDelta{Content: "hello"}
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after cancellation")
	}

	lines := parseLines(t, buf.String())
	last := lines[len(lines)-1]
	if last["type"] != "error" || last["done"] != true {
		t.Fatalf("cancelled stream did not terminate with error line: %v", last)
	}
}

func TestServeFreshChunkIDs(t *testing.T) {
	lines := serve(t, []Event{
		TextDelta{Content: "a"},
		TextDelta{Content: "b"},
		TextDelta{Content: "c"},
		End{},
	})

	seen := make(map[string]bool)
	for i, line := range lines {
		id, _ := line["chunk_id"].(string)
		if id == "" {
			t.Fatalf("line %d missing chunk_id: %v", i, line)
		}
		if seen[id] {
			t.Fatalf("chunk_id %q reused", id)
		}
		seen[id] = true
	}
}
