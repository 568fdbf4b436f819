// Package registry implements the relay's session registry: a single-owner
// map from public key to live session, mutated and read through a single
// coordinator goroutine rather than locks. The shape is grounded on the
// register/unregister-channel Hub pattern used for connection bookkeeping in
// the retrieval pack's hub-style servers, generalized here from a map of
// raw connections to a map of Entry (a transport-agnostic deliverable).
package registry

import (
	"time"

	"github.com/sage-x-project/agentrelay/pkg/envelope"
)

// Kind identifies the transport backing a session.
type Kind string

const (
	KindWS   Kind = "ws"
	KindREST Kind = "rest"
)

// ErrQueueFull is returned by a Deliverer when its bounded inbound queue is
// already at capacity (REST sessions only; WS delivery either succeeds or
// fails the socket outright).
type ErrQueueFull struct{}

func (ErrQueueFull) Error() string { return "queue_full" }

// Deliverer is the transport-agnostic delivery target behind a registry
// Entry, per SPEC_FULL's "deliver(envelope) -> ok/queue_full/closed"
// abstraction: the router is identical whether it is writing to a
// WebSocket or enqueuing into a REST session's inbound queue.
type Deliverer interface {
	Deliver(env envelope.Envelope, fromName string) error
	Close()
}

// Entry is one registered session.
type Entry struct {
	PublicKey string
	Kind      Kind
	Name      string
	Metadata  map[string]interface{}
	LastSeen  time.Time
	Deliverer Deliverer
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opLookup
	opList
	opTouch
)

type request struct {
	op        opKind
	entry     Entry
	publicKey string
	owner     Deliverer
	reply     chan response
}

type response struct {
	entry   Entry
	evicted Entry
	had     bool
	list    []Entry
}

// Registry is the single-owner session map. All state lives inside the
// goroutine started by New; every method is a synchronous round-trip over a
// channel, so reads never race writes.
type Registry struct {
	requests chan request
	done     chan struct{}
}

// New starts the registry's coordinator goroutine and returns a handle to it.
func New() *Registry {
	r := &Registry{
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Close stops the coordinator goroutine. Entries are not closed; callers
// that need to tear down live sessions should Unregister and Close each
// Deliverer themselves first.
func (r *Registry) Close() {
	close(r.done)
}

func (r *Registry) run() {
	sessions := make(map[string]Entry)

	for {
		select {
		case <-r.done:
			return
		case req := <-r.requests:
			switch req.op {
			case opRegister:
				prev, had := sessions[req.entry.PublicKey]
				sessions[req.entry.PublicKey] = req.entry
				req.reply <- response{evicted: prev, had: had}

			case opUnregister:
				prev, had := sessions[req.publicKey]
				if had && (req.owner == nil || prev.Deliverer == req.owner) {
					delete(sessions, req.publicKey)
				} else {
					had = false
				}
				req.reply <- response{evicted: prev, had: had}

			case opLookup:
				entry, had := sessions[req.publicKey]
				req.reply <- response{entry: entry, had: had}

			case opTouch:
				if entry, had := sessions[req.publicKey]; had {
					entry.LastSeen = req.entry.LastSeen
					sessions[req.publicKey] = entry
				}
				req.reply <- response{}

			case opList:
				list := make([]Entry, 0, len(sessions))
				for _, e := range sessions {
					list = append(list, e)
				}
				req.reply <- response{list: list}
			}
		}
	}
}

func (r *Registry) call(req request) response {
	req.reply = make(chan response, 1)
	r.requests <- req
	return <-req.reply
}

// Register installs entry as the session for entry.PublicKey. If a prior
// session for that key existed, it is returned with wasEvicted=true so the
// caller can close its connection — the registry is single-owner per key.
func (r *Registry) Register(entry Entry) (evicted Entry, wasEvicted bool) {
	resp := r.call(request{op: opRegister, entry: entry})
	return resp.evicted, resp.had
}

// Unregister removes the session for publicKey unconditionally, if any.
// Most callers should prefer UnregisterIfOwner: a disconnecting session
// that calls plain Unregister can remove a newer session that has since
// taken its place at the same public key.
func (r *Registry) Unregister(publicKey string) (entry Entry, existed bool) {
	resp := r.call(request{op: opUnregister, publicKey: publicKey})
	return resp.evicted, resp.had
}

// UnregisterIfOwner removes the session for publicKey only if the entry
// currently installed there still belongs to owner. A session that has
// been evicted by a re-registration must not be able to remove the entry
// that replaced it; existed is false (and the entry left untouched) when
// owner no longer matches.
func (r *Registry) UnregisterIfOwner(publicKey string, owner Deliverer) (entry Entry, existed bool) {
	resp := r.call(request{op: opUnregister, publicKey: publicKey, owner: owner})
	return resp.evicted, resp.had
}

// Lookup returns the current session for publicKey, if any.
func (r *Registry) Lookup(publicKey string) (entry Entry, found bool) {
	resp := r.call(request{op: opLookup, publicKey: publicKey})
	return resp.entry, resp.had
}

// Touch updates the LastSeen timestamp for publicKey's session, if it exists.
func (r *Registry) Touch(publicKey string, at time.Time) {
	r.call(request{op: opTouch, publicKey: publicKey, entry: Entry{LastSeen: at}})
}

// List returns a snapshot of every currently registered session, in no
// particular order.
func (r *Registry) List() []Entry {
	return r.call(request{op: opList}).list
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	return len(r.List())
}
