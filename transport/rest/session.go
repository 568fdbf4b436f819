package rest

import (
	"sync"

	"github.com/sage-x-project/agentrelay/pkg/envelope"
	"github.com/sage-x-project/agentrelay/pkg/registry"
)

// Session is a REST-transport registry entry: a bounded inbound FIFO queue
// plus the client's private key, held in memory only, used to sign
// envelopes on the client's behalf. It implements registry.Deliverer so
// the router treats it identically to a WS session.
type Session struct {
	PublicKey  string
	Name       string
	privateKey string
	jti        string

	mu       sync.Mutex
	queue    []Message
	capacity int
}

// Message is the relay's REST-facing view of a delivered envelope: the
// signature/canonical-bytes fields are dropped since REST clients never
// re-verify — the relay already did at the router. InReplyTo is a pointer
// without omitempty so an absent reply serializes as the literal JSON
// null rather than disappearing from the response.
type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	InReplyTo *string     `json:"inReplyTo"`
}

func newSession(publicKey, privateKey, name, jti string, capacity int) *Session {
	return &Session{
		PublicKey:  publicKey,
		Name:       name,
		privateKey: privateKey,
		jti:        jti,
		capacity:   capacity,
	}
}

// Deliver implements registry.Deliverer: it enqueues the envelope, failing
// with registry.ErrQueueFull when the bounded queue is already at
// capacity. Unlike the store-and-forward buffer, this queue never drops
// the oldest entry to make room.
func (s *Session) Deliver(env envelope.Envelope, fromName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) >= s.capacity {
		return registry.ErrQueueFull{}
	}

	var inReplyTo *string
	if env.InReplyTo != "" {
		inReplyTo = &env.InReplyTo
	}

	s.queue = append(s.queue, Message{
		ID:        env.ID,
		From:      env.Sender,
		Type:      env.Type,
		Payload:   env.Payload,
		InReplyTo: inReplyTo,
	})
	return nil
}

// Close replaces the held private key with a zero-filled string of the same
// length and drops the queue. The original key string is not overwritten in
// memory; it stays there until it is garbage-collected.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privateKey = zeroedString(len(s.privateKey))
	s.queue = nil
}

func zeroedString(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, n)
	return string(b)
}

// PrivateKey returns the session's held private key, for server-side
// envelope signing in /v1/send.
func (s *Session) PrivateKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privateKey
}

// DequeueAll atomically removes and returns every queued message, per
// GET /v1/messages's "queue is cleared atomically" contract.
func (s *Session) DequeueAll() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.queue
	s.queue = nil
	return drained
}

func (s *Session) matchesToken(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jti == jti
}
