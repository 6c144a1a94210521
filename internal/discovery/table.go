package discovery

import (
	"crypto/sha256"
	"sync"
	"time"
)

// Observer receives peer lifecycle callbacks. Callbacks are invoked from the
// discovery worker pool, never from the network I/O thread, and must not be
// relied on after Shutdown returns.
type Observer interface {
	OnLine(localID, remoteID, ip string)
	OffLine(localID, remoteID, ip string)
	OnMetadata(localID, remoteID, ip string, metadata []byte)
}

// Peer is one remote node as currently known.
type Peer struct {
	LocalID  string
	RemoteID string
	IP       string
	Metadata []byte
	lastSeen time.Time
	lease    time.Duration
	digest   [32]byte
	hasMeta  bool
}

// peerEvent is a queued observer callback.
type peerEvent struct {
	kind     string // "online", "offline", "metadata"
	remoteID string
	ip       string
	metadata []byte
}

// peerTable tracks remote nodes, their leases, and metadata digests. It is
// pure state: sightings go in, coalesced events come out.
type peerTable struct {
	mu      sync.Mutex
	localID string
	peers   map[string]*Peer
}

func newPeerTable(localID string) *peerTable {
	return &peerTable{localID: localID, peers: make(map[string]*Peer)}
}

// sighting records an announcement and returns the events it causes. An
// unchanged metadata payload is coalesced into no event.
func (t *peerTable) sighting(remoteID, ip string, metadata []byte, lease time.Duration, now time.Time) []peerEvent {
	if remoteID == "" || remoteID == t.localID {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var events []peerEvent
	p, known := t.peers[remoteID]
	if !known {
		p = &Peer{LocalID: t.localID, RemoteID: remoteID, IP: ip, lease: lease}
		t.peers[remoteID] = p
		events = append(events, peerEvent{kind: "online", remoteID: remoteID, ip: ip})
	}
	p.lastSeen = now
	p.IP = ip
	if lease > 0 {
		p.lease = lease
	}

	if len(metadata) > 0 {
		digest := sha256.Sum256(metadata)
		if !p.hasMeta || digest != p.digest {
			p.hasMeta = true
			p.digest = digest
			p.Metadata = append([]byte(nil), metadata...)
			events = append(events, peerEvent{kind: "metadata", remoteID: remoteID, ip: ip, metadata: p.Metadata})
		}
	}
	return events
}

// goodbye removes a peer that announced its departure.
func (t *peerTable) goodbye(remoteID string) []peerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[remoteID]
	if !ok {
		return nil
	}
	delete(t.peers, remoteID)
	return []peerEvent{{kind: "offline", remoteID: remoteID, ip: p.IP}}
}

// sweep expires peers whose lease lapsed without a fresh announcement.
func (t *peerTable) sweep(now time.Time) []peerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []peerEvent
	for id, p := range t.peers {
		if now.Sub(p.lastSeen) > p.lease {
			delete(t.peers, id)
			events = append(events, peerEvent{kind: "offline", remoteID: id, ip: p.IP})
		}
	}
	return events
}

// snapshot lists the currently known peers.
func (t *peerTable) snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		cp := *p
		cp.Metadata = append([]byte(nil), p.Metadata...)
		out = append(out, cp)
	}
	return out
}
