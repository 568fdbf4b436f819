// Package presence fans out peer_online/peer_offline events derived from
// registry changes, and builds the peer_list snapshot served at
// registration time and over the REST /v1/peers endpoint.
package presence

import (
	"github.com/sage-x-project/agentrelay/internal/logger"
	"github.com/sage-x-project/agentrelay/internal/metrics"
	"github.com/sage-x-project/agentrelay/pkg/buffer"
	"github.com/sage-x-project/agentrelay/pkg/registry"
)

// PeerInfo is the public shape of a peer in a peer_list/peer_online frame.
type PeerInfo struct {
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`
	Online    bool   `json:"online"`
}

// Notifier is implemented by session deliverers that can receive
// out-of-band presence control frames, distinct from envelope delivery.
// REST sessions do not implement it: presence reaches REST clients only by
// polling GET /v1/peers.
type Notifier interface {
	NotifyPeerOnline(peer PeerInfo)
	NotifyPeerOffline(publicKey string)
}

// Broadcaster fans out presence changes across the registry.
type Broadcaster struct {
	registry *registry.Registry
	buffer   *buffer.Buffer
	log      logger.Logger
}

func New(reg *registry.Registry, buf *buffer.Buffer, log logger.Logger) *Broadcaster {
	return &Broadcaster{registry: reg, buffer: buf, log: log}
}

// Snapshot returns every peer visible to excludePublicKey: every other
// registered session, plus every stored-for public key even when it is
// currently offline.
func (b *Broadcaster) Snapshot(excludePublicKey string) []PeerInfo {
	entries := b.registry.List()
	online := make(map[string]PeerInfo, len(entries))
	peers := make([]PeerInfo, 0, len(entries))

	for _, e := range entries {
		if e.PublicKey == excludePublicKey {
			continue
		}
		info := PeerInfo{PublicKey: e.PublicKey, Name: e.Name, Online: true}
		online[e.PublicKey] = info
		peers = append(peers, info)
	}

	for _, key := range b.buffer.StoredForKeys() {
		if key == excludePublicKey {
			continue
		}
		if _, present := online[key]; present {
			continue
		}
		peers = append(peers, PeerInfo{PublicKey: key, Online: true})
	}

	return peers
}

// BroadcastOnline emits peer_online to every registered session other than
// the one that just registered.
func (b *Broadcaster) BroadcastOnline(publicKey, name string) {
	info := PeerInfo{PublicKey: publicKey, Name: name, Online: true}
	metrics.PresenceEventsEmitted.WithLabelValues("peer_online").Inc()
	for _, e := range b.registry.List() {
		if e.PublicKey == publicKey {
			continue
		}
		if notifier, ok := e.Deliverer.(Notifier); ok {
			notifier.NotifyPeerOnline(info)
		}
	}
}

// BroadcastOffline emits peer_offline to every remaining registered session,
// unless publicKey is in the stored-for set — stored-for peers never appear
// to go offline.
func (b *Broadcaster) BroadcastOffline(publicKey string) {
	if b.buffer.IsStoredFor(publicKey) {
		b.log.Debug("suppressing peer_offline for stored-for peer", logger.String("publicKey", publicKey))
		return
	}

	metrics.PresenceEventsEmitted.WithLabelValues("peer_offline").Inc()
	for _, e := range b.registry.List() {
		if e.PublicKey == publicKey {
			continue
		}
		if notifier, ok := e.Deliverer.(Notifier); ok {
			notifier.NotifyPeerOffline(publicKey)
		}
	}
}
