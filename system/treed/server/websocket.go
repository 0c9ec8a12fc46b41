package server

import (
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/api"
)

// WebSocketPath is where clients connect.  A suffix of the path, or the
// base query parameter, sets the session's base path.
const WebSocketPath = "/.ws"

func (s *Server) newUpgrader() *websocket.Upgrader {
	allowed := s.Spec.Config.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowed, origin)
		},
	}
}

// wsBase returns the base path requested by a WebSocket URL.
func wsBase(r *http.Request) (ir.Path, error) {
	if b := r.URL.Query().Get("base"); b != "" {
		return ir.ParsePath(b)
	}
	return ir.ParsePath(strings.TrimPrefix(r.URL.Path, WebSocketPath))
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	base, err := wsBase(r)
	if err != nil {
		writeError(w, api.FromError(err))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has replied already
		s.Spec.Log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	id := "ws-" + ulid.Make().String()
	s.Spec.Log.Debug("new websocket connection", "session", id, "remote", r.RemoteAddr, "base", base.String())
	s.wsSessions.start(NewSession(id, &wsConn{c: conn}, s.sessionConfig(base)), s.Spec.Log)
}

// wsConn adapts a WebSocket connection to Conn, one text message per
// JSON message.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
