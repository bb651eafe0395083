package server

import (
	"context"
	"encoding/json"
	"time"

	"scenechat/internal/agent"
	"scenechat/internal/logging"
	"scenechat/internal/rpc"
	"scenechat/internal/store"
)

// recordingBridge wraps the bridge so every tool call updates the usage
// counters. Recording failures are logged, never surfaced to the call.
type recordingBridge struct {
	bridge agent.ToolCaller
	store  *store.Store
}

func (b *recordingBridge) CallTool(ctx context.Context, name string, params json.RawMessage, timeout time.Duration, status rpc.StatusFunc) (json.RawMessage, error) {
	start := time.Now()
	result, err := b.bridge.CallTool(ctx, name, params, timeout, status)

	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := b.store.RecordToolCall(rctx, name, err == nil, time.Since(start)); rerr != nil {
		logging.StoreWarn("failed to record tool call %s: %v", name, rerr)
	}
	return result, err
}

func (b *recordingBridge) Tools() []rpc.ToolSchema { return b.bridge.Tools() }

func (b *recordingBridge) Connected() bool { return b.bridge.Connected() }

// toolCaller returns the bridge the orchestrator should call through,
// with usage recording when a store is configured.
func (s *Server) toolCaller() agent.ToolCaller {
	if s.store == nil {
		return s.bridge
	}
	return &recordingBridge{bridge: s.bridge, store: s.store}
}
