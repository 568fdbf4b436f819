// Package rest implements the relay's REST session layer: token-scoped
// sessions sharing the same registry/router/presence fabric as WebSocket
// sessions, using a JWT bearer token (golang-jwt/jwt/v5, google/uuid jti)
// issued on registration.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sage-x-project/agentrelay/internal/health"
	"github.com/sage-x-project/agentrelay/internal/logger"
	"github.com/sage-x-project/agentrelay/internal/metrics"
	"github.com/sage-x-project/agentrelay/pkg/envelope"
	"github.com/sage-x-project/agentrelay/pkg/identity"
	"github.com/sage-x-project/agentrelay/pkg/presence"
	"github.com/sage-x-project/agentrelay/pkg/registry"
	"github.com/sage-x-project/agentrelay/pkg/router"
)

// Config carries the REST layer's token and queue policy.
type Config struct {
	JWTSecret     string
	TokenTTL      time.Duration
	QueueCapacity int
}

// Server serves the relay's REST endpoints.
type Server struct {
	cfg      Config
	registry *registry.Registry
	buffer   Buffer
	router   *router.Router
	presence *presence.Broadcaster
	health   *health.Registry
	log      logger.Logger
}

// Buffer is the subset of pkg/buffer.Buffer the REST layer depends on.
type Buffer interface {
	IsStoredFor(publicKey string) bool
	Drain(publicKey string) []envelope.Envelope
}

func NewServer(cfg Config, reg *registry.Registry, buf Buffer, rt *router.Router, pres *presence.Broadcaster, h *health.Registry, log logger.Logger) *Server {
	return &Server{cfg: cfg, registry: reg, buffer: buf, router: rt, presence: pres, health: h, log: log}
}

// Handler wires every REST endpoint plus the ambient /healthz and /metrics
// surfaces onto a single mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/register", s.handleRegister)
	mux.HandleFunc("POST /v1/send", s.withAuth(s.handleSend))
	mux.HandleFunc("GET /v1/peers", s.withAuth(s.handlePeers))
	mux.HandleFunc("GET /v1/messages", s.withAuth(s.handleMessages))
	mux.HandleFunc("DELETE /v1/disconnect", s.withAuth(s.handleDisconnect))
	if s.health != nil {
		mux.Handle("GET /healthz", s.health.Handler())
	}
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

type registerRequest struct {
	PublicKey  string                 `json:"publicKey"`
	PrivateKey string                 `json:"privateKey"`
	Name       string                 `json:"name,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type registerResponse struct {
	Token     string             `json:"token"`
	ExpiresAt int64              `json:"expiresAt"`
	Peers     []presence.PeerInfo `json:"peers"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" || req.PrivateKey == "" {
		writeError(w, http.StatusBadRequest, logger.ErrCodeBadRequest, "publicKey and privateKey are required")
		return
	}

	if !identity.SelfTest(req.PublicKey, req.PrivateKey) {
		writeError(w, http.StatusBadRequest, logger.ErrCodeBadRequest, "public and private key do not form a valid pair")
		return
	}

	expiresAt := time.Now().Add(s.cfg.TokenTTL)
	jti := uuid.NewString()
	token, err := s.issueToken(req.PublicKey, jti, expiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, logger.ErrCodeInternal, "failed to issue token")
		return
	}

	session := newSession(req.PublicKey, req.PrivateKey, req.Name, jti, s.cfg.QueueCapacity)

	prev, evicted := s.registry.Register(registry.Entry{
		PublicKey: req.PublicKey,
		Kind:      registry.KindREST,
		Name:      req.Name,
		Metadata:  req.Metadata,
		LastSeen:  time.Now(),
		Deliverer: session,
	})
	if evicted {
		metrics.SessionsEvicted.Inc()
		metrics.SessionsActive.WithLabelValues(string(prev.Kind)).Dec()
		prev.Deliverer.Close()
	}
	metrics.SessionsActive.WithLabelValues(string(registry.KindREST)).Inc()

	s.presence.BroadcastOnline(req.PublicKey, req.Name)

	if s.buffer.IsStoredFor(req.PublicKey) {
		for _, env := range s.buffer.Drain(req.PublicKey) {
			_ = session.Deliver(env, "")
		}
	}

	writeJSON(w, http.StatusOK, registerResponse{
		Token:     token,
		ExpiresAt: expiresAt.UnixMilli(),
		Peers:     s.presence.Snapshot(req.PublicKey),
	})
}

type sendRequest struct {
	To        string      `json:"to"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	InReplyTo string      `json:"inReplyTo,omitempty"`
}

type sendResponse struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, session *Session) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, logger.ErrCodeBadRequest, "to and type are required")
		return
	}

	env, err := envelope.Create(req.Type, session.PublicKey, session.PrivateKey(), req.Payload, 0, req.InReplyTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, logger.ErrCodeBadRequest, "failed to construct envelope")
		return
	}

	result := s.router.Route(session.PublicKey, session.Name, req.To, env)
	if !result.OK {
		status := statusForErrorCode(result.ErrorCode)
		writeError(w, status, result.ErrorCode, errorMessageFor(result.ErrorCode))
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{OK: true, MessageID: env.ID})
}

type peersResponse struct {
	Peers []presence.PeerInfo `json:"peers"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request, session *Session) {
	writeJSON(w, http.StatusOK, peersResponse{Peers: s.presence.Snapshot(session.PublicKey)})
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, session *Session) {
	messages := session.DequeueAll()
	if messages == nil {
		messages = []Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: messages})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, session *Session) {
	if _, existed := s.registry.UnregisterIfOwner(session.PublicKey, session); existed {
		metrics.SessionsActive.WithLabelValues(string(registry.KindREST)).Dec()
		s.presence.BroadcastOffline(session.PublicKey)
	}
	session.Close()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) issueToken(publicKey, jti string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": publicKey,
		"jti": jti,
		"exp": expiresAt.Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

var errInvalidToken = errors.New("invalid or expired token")

func (s *Server) authenticate(r *http.Request) (*Session, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, errInvalidToken
	}
	raw := header[len(prefix):]

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errInvalidToken
	}
	publicKey, _ := claims["sub"].(string)
	jti, _ := claims["jti"].(string)
	if publicKey == "" || jti == "" {
		return nil, errInvalidToken
	}

	entry, found := s.registry.Lookup(publicKey)
	if !found || entry.Kind != registry.KindREST {
		return nil, errInvalidToken
	}
	session, ok := entry.Deliverer.(*Session)
	if !ok || !session.matchesToken(jti) {
		return nil, errInvalidToken
	}
	return session, nil
}

func (s *Server) withAuth(handler func(http.ResponseWriter, *http.Request, *Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, logger.ErrCodeUnauthorized, "missing, invalid, or expired bearer token")
			return
		}
		handler(w, r, session)
	}
}

func statusForErrorCode(code string) int {
	switch code {
	case logger.ErrCodeRecipientNotConnected:
		return http.StatusNotFound
	case logger.ErrCodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func errorMessageFor(code string) string {
	switch code {
	case logger.ErrCodeRecipientNotConnected:
		return "recipient_not_connected"
	case logger.ErrCodeQueueFull:
		return "queue_full"
	default:
		return code
	}
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
