package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/agentrelay/pkg/envelope"
)

type recordingDeliverer struct {
	delivered []envelope.Envelope
	closed    bool
	full      bool
}

func (d *recordingDeliverer) Deliver(env envelope.Envelope, fromName string) error {
	if d.full {
		return ErrQueueFull{}
	}
	d.delivered = append(d.delivered, env)
	return nil
}

func (d *recordingDeliverer) Close() { d.closed = true }

func TestRegisterThenLookup(t *testing.T) {
	r := New()
	defer r.Close()

	entry := Entry{PublicKey: "pk1", Kind: KindWS, Deliverer: &recordingDeliverer{}}
	_, evicted := r.Register(entry)
	assert.False(t, evicted)

	got, found := r.Lookup("pk1")
	require.True(t, found)
	assert.Equal(t, "pk1", got.PublicKey)
}

func TestReregistrationEvictsPriorSession(t *testing.T) {
	r := New()
	defer r.Close()

	first := &recordingDeliverer{}
	r.Register(Entry{PublicKey: "pk1", Kind: KindWS, Deliverer: first})

	second := &recordingDeliverer{}
	prev, evicted := r.Register(Entry{PublicKey: "pk1", Kind: KindWS, Deliverer: second})
	require.True(t, evicted)
	assert.Same(t, first, prev.Deliverer)

	got, _ := r.Lookup("pk1")
	assert.Same(t, second, got.Deliverer)
}

func TestAtMostOneSessionPerPublicKey(t *testing.T) {
	r := New()
	defer r.Close()

	r.Register(Entry{PublicKey: "pk1", Deliverer: &recordingDeliverer{}})
	r.Register(Entry{PublicKey: "pk2", Deliverer: &recordingDeliverer{}})
	r.Register(Entry{PublicKey: "pk1", Deliverer: &recordingDeliverer{}})

	assert.Equal(t, 2, r.Count())
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New()
	defer r.Close()

	r.Register(Entry{PublicKey: "pk1", Deliverer: &recordingDeliverer{}})
	entry, existed := r.Unregister("pk1")
	require.True(t, existed)
	assert.Equal(t, "pk1", entry.PublicKey)

	_, found := r.Lookup("pk1")
	assert.False(t, found)
}

func TestUnregisterIfOwnerSkipsEvictedSession(t *testing.T) {
	r := New()
	defer r.Close()

	first := &recordingDeliverer{}
	r.Register(Entry{PublicKey: "pk1", Kind: KindWS, Deliverer: first})

	second := &recordingDeliverer{}
	r.Register(Entry{PublicKey: "pk1", Kind: KindWS, Deliverer: second})

	_, existed := r.UnregisterIfOwner("pk1", first)
	assert.False(t, existed)

	got, found := r.Lookup("pk1")
	require.True(t, found)
	assert.Same(t, second, got.Deliverer)
}

func TestUnregisterIfOwnerRemovesMatchingSession(t *testing.T) {
	r := New()
	defer r.Close()

	owner := &recordingDeliverer{}
	r.Register(Entry{PublicKey: "pk1", Deliverer: owner})

	_, existed := r.UnregisterIfOwner("pk1", owner)
	assert.True(t, existed)

	_, found := r.Lookup("pk1")
	assert.False(t, found)
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	r := New()
	defer r.Close()

	r.Register(Entry{PublicKey: "pk1", Deliverer: &recordingDeliverer{}})
	now := time.Now()
	r.Touch("pk1", now)

	got, _ := r.Lookup("pk1")
	assert.WithinDuration(t, now, got.LastSeen, time.Millisecond)
}

func TestListReturnsAllSessions(t *testing.T) {
	r := New()
	defer r.Close()

	r.Register(Entry{PublicKey: "pk1", Deliverer: &recordingDeliverer{}})
	r.Register(Entry{PublicKey: "pk2", Deliverer: &recordingDeliverer{}})

	list := r.List()
	assert.Len(t, list, 2)
}

func TestDelivererReportsQueueFull(t *testing.T) {
	d := &recordingDeliverer{full: true}
	err := d.Deliver(envelope.Envelope{}, "")
	assert.Equal(t, ErrQueueFull{}, err)
}
