package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/agentrelay/internal/logger"
)

// Server upgrades incoming HTTP requests to WebSocket connections and hands
// each one to a new Session.
type Server struct {
	deps     Deps
	upgrader websocket.Upgrader
	log      logger.Logger
}

// Config carries the handful of timing knobs the WS FSM needs beyond its
// collaborators.
type Config struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
}

func NewServer(deps Deps, cfg Config, log logger.Logger) *Server {
	deps.Heartbeat = cfg.HeartbeatInterval
	deps.IdleTimeout = cfg.IdleTimeout
	deps.Log = log
	return &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Handler returns the http.Handler that upgrades and serves WebSocket
// connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", logger.Error(err))
			return
		}

		session := newSession(conn, s.deps)
		session.run()
	})
}
