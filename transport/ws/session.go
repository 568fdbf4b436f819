// Package ws implements the relay's WebSocket session state machine:
// Unregistered -> Registered -> Closed, with a read pump and a serialized
// write pump per connection.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/agentrelay/internal/logger"
	"github.com/sage-x-project/agentrelay/internal/metrics"
	"github.com/sage-x-project/agentrelay/pkg/envelope"
	"github.com/sage-x-project/agentrelay/pkg/presence"
	"github.com/sage-x-project/agentrelay/pkg/registry"
	"github.com/sage-x-project/agentrelay/pkg/router"
)

// state is the session's position in the Unregistered -> Registered ->
// Closed state machine.
type state int

const (
	stateUnregistered state = iota
	stateRegistered
	stateClosed
)

// frame is the envelope for every WS control message, client->server and
// server->client. Not every field is populated for every type; unused
// fields are omitted from the wire form.
type frame struct {
	Type      string                 `json:"type"`
	PublicKey string                 `json:"publicKey,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	To        string                 `json:"to,omitempty"`
	Envelope  *envelope.Envelope     `json:"envelope,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Peers     []presence.PeerInfo    `json:"peers,omitempty"`
}

// deliveryFrame is how a routed envelope appears on the wire: the envelope
// itself is the frame, with fromName attached as a sibling field.
type deliveryFrame struct {
	envelope.Envelope
	FromName string `json:"fromName,omitempty"`
}

const (
	frameTypeRegister   = "register"
	frameTypeRegistered = "registered"
	frameTypeMessage    = "message"
	frameTypePing       = "ping"
	frameTypePong       = "pong"
	frameTypeError      = "error"
	frameTypePeerList   = "peer_list"
	frameTypePeerOnline = "peer_online"
	frameTypePeerOffline = "peer_offline"
)

// Router is the subset of pkg/router.Router the session depends on.
type Router interface {
	Route(fromPub, fromName, toPub string, env envelope.Envelope) router.Result
}

// Session owns one WebSocket connection and its position in the relay's
// session FSM. It implements registry.Deliverer and presence.Notifier so
// the router and presence broadcaster can reach it without knowing it is a
// WebSocket under the hood.
type Session struct {
	conn *websocket.Conn
	reg  *registry.Registry
	pres *presence.Broadcaster
	buf  Buffer
	rt   Router
	log  logger.Logger

	heartbeatInterval time.Duration
	idleTimeout       time.Duration

	mu          sync.Mutex
	state       state
	publicKey   string
	name        string
	outbound    chan interface{}
	closeOnce   sync.Once
	closed      chan struct{}
}

// Buffer is the subset of pkg/buffer.Buffer the session depends on.
type Buffer interface {
	IsStoredFor(publicKey string) bool
	Drain(publicKey string) []envelope.Envelope
}

// Deps bundles a session's collaborators so Server can construct many
// sessions without repeating the wiring at each call site.
type Deps struct {
	Registry  *registry.Registry
	Presence  *presence.Broadcaster
	Buffer    Buffer
	Router    Router
	Log       logger.Logger
	Heartbeat time.Duration
	IdleTimeout time.Duration
}

func newSession(conn *websocket.Conn, deps Deps) *Session {
	return &Session{
		conn:              conn,
		reg:               deps.Registry,
		pres:              deps.Presence,
		buf:               deps.Buffer,
		rt:                deps.Router,
		log:               deps.Log,
		heartbeatInterval: deps.Heartbeat,
		idleTimeout:       deps.IdleTimeout,
		outbound:          make(chan interface{}, 64),
		closed:            make(chan struct{}),
	}
}

// Deliver implements registry.Deliverer: it writes a routed envelope to the
// client verbatim as the frame, with fromName as a sibling field, rather
// than wrapping it in a {type:"message", ...} control frame.
func (s *Session) Deliver(env envelope.Envelope, fromName string) error {
	s.enqueue(deliveryFrame{Envelope: env, FromName: fromName})
	return nil
}

// NotifyPeerOnline implements presence.Notifier.
func (s *Session) NotifyPeerOnline(peer presence.PeerInfo) {
	s.enqueue(frame{Type: frameTypePeerOnline, PublicKey: peer.PublicKey, Name: peer.Name})
}

// NotifyPeerOffline implements presence.Notifier.
func (s *Session) NotifyPeerOffline(publicKey string) {
	s.enqueue(frame{Type: frameTypePeerOffline, PublicKey: publicKey})
}

// Close implements registry.Deliverer: it tears down the socket, which
// unblocks the read pump and lets run go on to its disconnect cleanup.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) enqueue(f interface{}) {
	select {
	case s.outbound <- f:
	case <-s.closed:
	default:
		// Outbound buffer full: treat like a slow consumer and close rather
		// than block the router or presence broadcaster indefinitely.
		s.log.Warn("dropping session: outbound buffer full", logger.String("publicKey", s.publicKey))
		s.Close()
	}
}

// run drives the session for the lifetime of one connection: it starts the
// write pump, then reads frames until the socket closes, and finally tears
// down registry/presence state.
func (s *Session) run() {
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writePump()
	}()

	s.readPump()

	s.Close()
	<-writeDone
	s.onDisconnect()
}

func (s *Session) readPump() {
	s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		if s.publicKey != "" {
			s.reg.Touch(s.publicKey, time.Now())
		}
		return nil
	})

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		s.handleFrame(f)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	// Any exit, including a failed write or ping, closes the session so the
	// read pump unblocks and the normal disconnect path runs.
	defer s.Close()

	for {
		select {
		case <-s.closed:
			return
		case f := <-s.outbound:
			if err := s.writeJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeJSON(f interface{}) error {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(f)
}

func (s *Session) handleFrame(f frame) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if st != stateRegistered {
		if f.Type == frameTypeRegister {
			s.handleRegister(f)
			return
		}
		s.enqueue(frame{Type: frameTypeError, Message: "Not registered"})
		return
	}

	switch f.Type {
	case frameTypeMessage:
		s.handleMessage(f)
	case frameTypePing:
		s.reg.Touch(s.publicKey, time.Now())
		s.enqueue(frame{Type: frameTypePong})
	case frameTypePong:
		s.reg.Touch(s.publicKey, time.Now())
	default:
		// Protocol-defined extensions (peer-list queries, referrals) do not
		// alter routing semantics; unrecognized frames are ignored rather
		// than erroring, since they may be forward-compatible additions.
	}
}

func (s *Session) handleRegister(f frame) {
	if f.PublicKey == "" {
		s.enqueue(frame{Type: frameTypeError, Message: "publicKey is required"})
		return
	}

	s.mu.Lock()
	s.publicKey = f.PublicKey
	s.name = f.Name
	s.state = stateRegistered
	s.mu.Unlock()

	prev, evicted := s.reg.Register(registry.Entry{
		PublicKey: f.PublicKey,
		Kind:      registry.KindWS,
		Name:      f.Name,
		Metadata:  f.Metadata,
		LastSeen:  time.Now(),
		Deliverer: s,
	})
	if evicted {
		metrics.SessionsEvicted.Inc()
		metrics.SessionsActive.WithLabelValues(string(prev.Kind)).Dec()
		prev.Deliverer.Close()
	}
	metrics.SessionsActive.WithLabelValues(string(registry.KindWS)).Inc()

	s.enqueue(frame{Type: frameTypeRegistered, PublicKey: f.PublicKey})

	peers := s.pres.Snapshot(f.PublicKey)
	s.enqueue(frame{Type: frameTypePeerList, Peers: peers})

	s.pres.BroadcastOnline(f.PublicKey, f.Name)

	// Buffer drain is read here as a single non-interruptible phase, but
	// the drained envelopes still go out through the outbound channel like
	// any other delivery so they never race the write pump's own writes.
	if s.buf.IsStoredFor(f.PublicKey) {
		for _, env := range s.buf.Drain(f.PublicKey) {
			s.enqueue(deliveryFrame{Envelope: env})
		}
	}
}

func (s *Session) handleMessage(f frame) {
	if f.Envelope == nil || f.To == "" {
		s.enqueue(frame{Type: frameTypeError, Message: "to and envelope are required"})
		return
	}

	s.reg.Touch(s.publicKey, time.Now())

	result := s.rt.Route(s.publicKey, s.name, f.To, *f.Envelope)
	if result.OK {
		return
	}

	msg := errorMessage(result.ErrorCode)
	s.enqueue(frame{Type: frameTypeError, Message: msg})
}

func errorMessage(code string) string {
	switch code {
	case logger.ErrCodeSenderMismatch:
		return "sender does not match"
	case logger.ErrCodeInvalidEnvelope:
		return "Invalid envelope"
	case logger.ErrCodeRecipientNotConnected:
		return "recipient not connected"
	case logger.ErrCodeQueueFull:
		return "recipient queue full"
	default:
		return "internal error"
	}
}

func (s *Session) onDisconnect() {
	s.mu.Lock()
	pk := s.publicKey
	wasRegistered := s.state == stateRegistered
	s.state = stateClosed
	s.mu.Unlock()

	if !wasRegistered || pk == "" {
		return
	}

	if _, existed := s.reg.UnregisterIfOwner(pk, s); existed {
		metrics.SessionsActive.WithLabelValues(string(registry.KindWS)).Dec()
		s.pres.BroadcastOffline(pk)
	}
}
