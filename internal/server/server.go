// Package server is the HTTP layer: the NDJSON chat endpoint, the
// peer websocket, and the health and introspection routes.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"scenechat/internal/agent"
	"scenechat/internal/config"
	"scenechat/internal/logging"
	"scenechat/internal/rpc"
	"scenechat/internal/session"
	"scenechat/internal/store"
)

// Server wires the bridge, the LLM client, sessions, and storage
// behind the HTTP routes.
type Server struct {
	cfg      *config.Config
	bridge   *rpc.Connection
	llm      agent.Client
	sessions *session.Manager
	store    *store.Store
	upgrader websocket.Upgrader
}

// New creates a Server. llm may be nil when no API key is configured;
// the chat endpoint then reports service unavailable and health
// reports unhealthy. st may be nil to disable transcript persistence.
func New(cfg *config.Config, bridge *rpc.Connection, llm agent.Client, sessions *session.Manager, st *store.Store) *Server {
	return &Server{
		cfg:      cfg,
		bridge:   bridge,
		llm:      llm,
		sessions: sessions,
		store:    st,
		upgrader: websocket.Upgrader{
			// The peer is a local desktop app, not a browser.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the full route tree wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/tools", s.handleTools)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("/ws/tools", s.handleToolsSocket)
	return corsMiddleware(mux, s.cfg.Server.CORSOrigins)
}

// Run serves HTTP and the session janitor until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Server("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.sessions.RunJanitor(ctx, s.cfg.GetCleanupInterval())
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Server("failed to encode response: %v", err)
	}
}

// writeError writes an ErrorResponse.
func writeError(w http.ResponseWriter, status int, errType, detail string) {
	writeJSON(w, status, ErrorResponse{
		Error:     errType,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}
