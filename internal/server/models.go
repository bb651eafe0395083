package server

import (
	"fmt"
	"time"
)

const maxMessageLength = 10000

// ChatRequest is the body of POST /api/v1/chat/stream.
type ChatRequest struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
}

// Validate checks field bounds. UserID defaults to "default" so the
// extension UI can omit it.
func (r *ChatRequest) Validate() error {
	if len(r.Message) == 0 {
		return fmt.Errorf("message must not be empty")
	}
	if len(r.Message) > maxMessageLength {
		return fmt.Errorf("message exceeds %d characters", maxMessageLength)
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	if r.MaxTokens != nil && (*r.MaxTokens < 1 || *r.MaxTokens > 8192) {
		return fmt.Errorf("max_tokens must be between 1 and 8192")
	}
	if r.UserID == "" {
		r.UserID = "default"
	}
	return nil
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string    `json:"status"` // healthy, degraded, unhealthy
	Version       string    `json:"version"`
	LLMReady      bool      `json:"llm_ready"`
	PeerConnected bool      `json:"peer_connected"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
