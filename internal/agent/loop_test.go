package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"scenechat/internal/rpc"
	"scenechat/internal/stream"
)

// scriptedTurn is one canned model turn.
type scriptedTurn struct {
	texts []string
	calls []FunctionCall
	err   error
}

// fakeClient replays scripted turns and records the history it saw.
type fakeClient struct {
	turns     []scriptedTurn
	histories [][]Message
}

func (f *fakeClient) StreamTurn(ctx context.Context, history []Message, tools []rpc.ToolSchema, onText func(string) error) ([]FunctionCall, error) {
	snapshot := make([]Message, len(history))
	copy(snapshot, history)
	f.histories = append(f.histories, snapshot)

	if len(f.turns) == 0 {
		return nil, errors.New("no scripted turns left")
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]

	if turn.err != nil {
		return nil, turn.err
	}
	for _, text := range turn.texts {
		if err := onText(text); err != nil {
			return nil, err
		}
	}
	return turn.calls, nil
}

func (f *fakeClient) Close() error { return nil }

// fakeBridge answers tool calls from a canned result table.
type fakeBridge struct {
	results map[string]string
	errs    map[string]error
	called  []string
	params  []string
}

func (f *fakeBridge) CallTool(ctx context.Context, name string, params json.RawMessage, timeout time.Duration, status rpc.StatusFunc) (json.RawMessage, error) {
	f.called = append(f.called, name)
	f.params = append(f.params, string(params))
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	return json.RawMessage(f.results[name]), nil
}

func (f *fakeBridge) Tools() []rpc.ToolSchema {
	return []rpc.ToolSchema{{Name: "get_selection", Parameters: json.RawMessage(`{"type":"object"}`)}}
}

func (f *fakeBridge) Connected() bool { return true }

func runLoop(t *testing.T, client Client, bridge ToolCaller, prompt string) (string, int, []stream.Event, error) {
	t.Helper()
	o := NewOrchestrator(client, bridge, time.Second, 4)

	events := make(chan stream.Event, 64)
	reply, toolCalls, err := o.Run(context.Background(), nil, prompt, events)
	close(events)

	var collected []stream.Event
	for ev := range events {
		collected = append(collected, ev)
	}
	return reply, toolCalls, collected, err
}

func TestRunTextOnlyTurn(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{texts: []string{"Hello", ", world"}},
	}}

	reply, toolCalls, events, err := runLoop(t, client, &fakeBridge{}, "hi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reply != "Hello, world" {
		t.Fatalf("reply = %q", reply)
	}
	if toolCalls != 0 {
		t.Fatalf("toolCalls = %d, want 0", toolCalls)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if d, ok := events[0].(stream.TextDelta); !ok || d.Content != "Hello" {
		t.Fatalf("event 0 = %+v", events[0])
	}
	if _, ok := events[2].(stream.End); !ok {
		t.Fatalf("final event = %+v, want End", events[2])
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{calls: []FunctionCall{{Name: "get_selection", Args: map[string]any{}}}},
		{texts: []string{"You have a cube selected."}},
	}}
	bridge := &fakeBridge{results: map[string]string{
		"get_selection": `{"success":true,"selected_prims":[{"path":"/World/Cube"}]}`,
	}}

	reply, toolCalls, events, err := runLoop(t, client, bridge, "what is selected?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if toolCalls != 1 {
		t.Fatalf("toolCalls = %d, want 1", toolCalls)
	}
	if reply != "You have a cube selected." {
		t.Fatalf("reply = %q", reply)
	}
	if len(bridge.called) != 1 || bridge.called[0] != "get_selection" {
		t.Fatalf("bridge calls = %v", bridge.called)
	}

	// tool_call, tool_result, text_delta, end
	call, ok := events[0].(stream.ToolCall)
	if !ok || call.Tool != "get_selection" || call.CallID == "" {
		t.Fatalf("event 0 = %+v", events[0])
	}
	result, ok := events[1].(stream.ToolResult)
	if !ok || result.CallID != call.CallID {
		t.Fatalf("tool_result not paired: %+v vs %+v", events[1], call)
	}
	if _, ok := events[3].(stream.End); !ok {
		t.Fatalf("final event = %+v, want End", events[3])
	}

	// The second turn must see the tool response in history.
	second := client.histories[1]
	last := second[len(second)-1]
	if last.Role != RoleTool || last.Response == nil || last.Response.Name != "get_selection" {
		t.Fatalf("tool response not fed back: %+v", last)
	}
	if last.Response.Response["success"] != true {
		t.Fatalf("tool response payload lost: %+v", last.Response.Response)
	}
}

func TestRunToolFailureBecomesUnsuccessfulResult(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{calls: []FunctionCall{{Name: "get_selection", Args: nil}}},
		{texts: []string{"The editor seems busy."}},
	}}
	bridge := &fakeBridge{errs: map[string]error{
		"get_selection": rpc.ErrCallTimeout,
	}}

	_, toolCalls, events, err := runLoop(t, client, bridge, "what is selected?")
	if err != nil {
		t.Fatalf("tool failure terminated the run: %v", err)
	}
	if toolCalls != 1 {
		t.Fatalf("toolCalls = %d, want 1", toolCalls)
	}

	result := events[1].(stream.ToolResult)
	var payload map[string]any
	if err := json.Unmarshal(result.Result, &payload); err != nil {
		t.Fatalf("bad result payload: %v", err)
	}
	if payload["success"] != false {
		t.Fatalf("failed call not marked unsuccessful: %v", payload)
	}

	// The model sees the failure and the stream still ends normally.
	if _, ok := events[len(events)-1].(stream.End); !ok {
		t.Fatalf("final event = %+v, want End", events[len(events)-1])
	}
	second := client.histories[1]
	last := second[len(second)-1]
	if last.Response.Response["success"] != false {
		t.Fatalf("failure not fed back to model: %+v", last.Response.Response)
	}
}

func TestRunModelErrorEmitsTerminalError(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{err: errors.New("quota exhausted")},
	}}

	_, _, events, err := runLoop(t, client, &fakeBridge{}, "hi")
	if err == nil {
		t.Fatal("model error not surfaced")
	}
	last, ok := events[len(events)-1].(stream.Error)
	if !ok {
		t.Fatalf("final event = %+v, want Error", events[len(events)-1])
	}
	if last.Message == "" {
		t.Fatal("error event missing message")
	}
}

func TestRunStopsAtRoundLimit(t *testing.T) {
	// The model asks for a tool on every turn, forever.
	turns := make([]scriptedTurn, 10)
	for i := range turns {
		turns[i] = scriptedTurn{calls: []FunctionCall{{Name: "get_selection"}}}
	}
	client := &fakeClient{turns: turns}
	bridge := &fakeBridge{results: map[string]string{"get_selection": `{"success":true}`}}

	_, toolCalls, events, err := runLoop(t, client, bridge, "loop forever")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if toolCalls != 4 {
		t.Fatalf("toolCalls = %d, want 4 (round limit)", toolCalls)
	}
	if _, ok := events[len(events)-1].(stream.End); !ok {
		t.Fatalf("final event = %+v, want End", events[len(events)-1])
	}
}
