package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"scenechat/internal/agent"
	"scenechat/internal/logging"
	"scenechat/internal/session"
	"scenechat/internal/store"
	"scenechat/internal/stream"
)

// handleRoot is GET /: service information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "NotFound", "unknown route: "+r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.cfg.Name,
		"version": s.cfg.Version,
		"status":  "running",
	})
}

// handlePing is GET /ping: connectivity check.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ping": "pong"})
}

// handleHealth is GET /api/v1/health. Healthy needs both the LLM
// client and a connected tool peer; the LLM alone is degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	llmReady := s.llm != nil
	peerConnected := s.bridge.Connected()

	status := "unhealthy"
	switch {
	case llmReady && peerConnected:
		status = "healthy"
	case llmReady:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Version:       s.cfg.Version,
		LLMReady:      llmReady,
		PeerConnected: peerConnected,
		Timestamp:     time.Now().UTC(),
	})
}

// handleTools is GET /api/v1/tools: the currently registered catalogue.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.bridge.Tools()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": s.bridge.Connected(),
		"count":     len(tools),
		"tools":     tools,
	})
}

// handleStats is GET /api/v1/stats: session and tool-usage counters.
// Store-backed fields are omitted when persistence is disabled.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"active_sessions": s.sessions.ActiveCount(),
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if n, err := s.store.ConversationCount(ctx); err == nil {
			body["conversations"] = n
		}
		if usage, err := s.store.ToolUsageStats(ctx); err == nil {
			body["tool_usage"] = usage
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleChatStream is POST /api/v1/chat/stream: runs one chat turn and
// streams the events back as NDJSON.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use POST")
		return
	}
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "LLMUnavailable", "no LLM API key configured")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	sess, created := s.sessions.GetOrCreate(req.UserID, req.ConversationID)
	logging.Server("chat request: session=%s created=%t len=%d", sess.ID, created, len(req.Message))

	history := toAgentHistory(s.sessions.History(sess.ID))

	orch := agent.NewOrchestrator(s.llm, s.toolCaller(), s.cfg.GetCallTimeout(), s.cfg.LLM.MaxToolRounds)
	events := make(chan stream.Event)

	go func() {
		defer close(events)
		reply, toolCalls, err := orch.Run(r.Context(), history, req.Message, events)
		if err != nil {
			return
		}
		s.recordTurn(sess, req.Message, reply, toolCalls)
	}()

	h := w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Conversation-ID", sess.ID)
	w.WriteHeader(http.StatusOK)

	mux := &stream.Multiplexer{ConversationID: sess.ID}
	if err := mux.Serve(r.Context(), w, events); err != nil {
		logging.Server("chat stream ended: %v", err)
	}
}

// recordTurn appends the exchange to the session history and the
// transcript store. Persistence failures are logged, never surfaced.
func (s *Server) recordTurn(sess *session.Session, prompt, reply string, toolCalls int) {
	s.sessions.Append(sess.ID, session.Message{Role: "user", Text: prompt})
	if reply != "" {
		s.sessions.Append(sess.ID, session.Message{Role: "model", Text: reply})
	}

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.RecordMessage(ctx, sess.UserID, store.MessageRecord{
		ConversationID: sess.ID,
		Role:           "user",
		Content:        prompt,
	}); err != nil {
		logging.Server("failed to persist user message: %v", err)
	}
	if err := s.store.RecordMessage(ctx, sess.UserID, store.MessageRecord{
		ConversationID: sess.ID,
		Role:           "model",
		Content:        reply,
		ToolCalls:      toolCalls,
	}); err != nil {
		logging.Server("failed to persist model message: %v", err)
	}
}

// toAgentHistory converts stored session turns for the orchestrator.
func toAgentHistory(msgs []session.Message) []agent.Message {
	out := make([]agent.Message, 0, len(msgs))
	for _, m := range msgs {
		role := agent.RoleUser
		if m.Role == "model" {
			role = agent.RoleModel
		}
		out = append(out, agent.Message{Role: role, Text: m.Text})
	}
	return out
}
