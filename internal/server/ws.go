package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"scenechat/internal/logging"
)

// wsTransport adapts a gorilla connection to the bridge Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// handleToolsSocket is GET /ws/tools: the peer connects here to
// register its tools and service call requests.
func (s *Server) handleToolsSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Server("websocket upgrade failed: %v", err)
		return
	}

	transport := &wsTransport{conn: conn}
	s.bridge.Register(transport)
	defer s.bridge.Unregister(transport)

	logging.Server("tool peer connected from %s", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logging.Server("tool peer disconnected: %v", err)
			return
		}
		s.bridge.HandleFrame(data)
	}
}
