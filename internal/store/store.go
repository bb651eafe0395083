// Package store provides SQLite-backed persistence for chat
// transcripts and tool-call usage.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"scenechat/internal/logging"
)

// Store persists conversation transcripts and per-tool usage counters.
type Store struct {
	mu sync.RWMutex

	db     *sql.DB
	dbPath string
}

// MessageRecord is one stored transcript entry.
type MessageRecord struct {
	ConversationID string
	Role           string
	Content        string
	ToolCalls      int
	CreatedAt      time.Time
}

// ToolUsage is the aggregated call record for one tool.
type ToolUsage struct {
	Tool         string    `json:"tool"`
	UsageCount   int       `json:"usage_count"`
	SuccessCount int       `json:"success_count"`
	AvgLatencyMs int       `json:"avg_latency_ms"`
	LastUsed     time.Time `json:"last_used"`
}

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("transcript store opened at %s", dbPath)
	return s, nil
}

// initialize creates the database schema.
func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_message_at DATETIME
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create conversations table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			message_id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_calls (
			tool TEXT PRIMARY KEY,
			usage_count INTEGER DEFAULT 0,
			success_count INTEGER DEFAULT 0,
			total_latency_ms INTEGER DEFAULT 0,
			last_used DATETIME
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tool_calls table: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`)

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordMessage appends one transcript entry, upserting the owning
// conversation row.
func (s *Store) RecordMessage(ctx context.Context, userID string, rec MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, user_id, last_message_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(conversation_id) DO UPDATE SET last_message_at = CURRENT_TIMESTAMP
	`, rec.ConversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, tool_calls)
		VALUES (?, ?, ?, ?)
	`, rec.ConversationID, rec.Role, rec.Content, rec.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

// Transcript returns the messages of one conversation in order.
func (s *Store) Transcript(ctx context.Context, conversationID string) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, role, content, tool_calls, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY message_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ConversationID, &rec.Role, &rec.Content, &rec.ToolCalls, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordToolCall updates the usage counters for one tool.
func (s *Store) RecordToolCall(ctx context.Context, tool string, success bool, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	succ := 0
	if success {
		succ = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (tool, usage_count, success_count, total_latency_ms, last_used)
		VALUES (?, 1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tool) DO UPDATE SET
			usage_count = usage_count + 1,
			success_count = success_count + ?,
			total_latency_ms = total_latency_ms + ?,
			last_used = CURRENT_TIMESTAMP
	`, tool, succ, latency.Milliseconds(), succ, latency.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}
	return nil
}

// ToolUsageStats returns usage counters for all tools, most used first.
func (s *Store) ToolUsageStats(ctx context.Context) ([]ToolUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tool, usage_count, success_count, total_latency_ms, last_used
		FROM tool_calls
		ORDER BY usage_count DESC, tool
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool usage: %w", err)
	}
	defer rows.Close()

	var out []ToolUsage
	for rows.Next() {
		var u ToolUsage
		var totalLatency int64
		if err := rows.Scan(&u.Tool, &u.UsageCount, &u.SuccessCount, &totalLatency, &u.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan tool usage: %w", err)
		}
		if u.UsageCount > 0 {
			u.AvgLatencyMs = int(totalLatency / int64(u.UsageCount))
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ConversationCount returns the number of stored conversations.
func (s *Store) ConversationCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return n, nil
}
