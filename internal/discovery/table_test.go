package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(events []peerEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.kind
	}
	return out
}

func TestFirstSightingGoesOnline(t *testing.T) {
	tbl := newPeerTable("local")
	now := time.Now()

	events := tbl.sighting("remote-1", "192.168.1.5", nil, 6*time.Second, now)
	assert.Equal(t, []string{"online"}, kinds(events))

	// A repeat announcement without metadata is silent.
	events = tbl.sighting("remote-1", "192.168.1.5", nil, 6*time.Second, now.Add(time.Second))
	assert.Empty(t, events)
}

func TestOwnAnnouncementsIgnored(t *testing.T) {
	tbl := newPeerTable("local")
	assert.Empty(t, tbl.sighting("local", "127.0.0.1", nil, time.Second, time.Now()))
	assert.Empty(t, tbl.sighting("", "127.0.0.1", nil, time.Second, time.Now()))
}

func TestMetadataCoalescing(t *testing.T) {
	tbl := newPeerTable("local")
	now := time.Now()

	events := tbl.sighting("remote-1", "10.0.0.2", []byte("x"), 6*time.Second, now)
	assert.Equal(t, []string{"online", "metadata"}, kinds(events))

	// The same payload again is coalesced.
	events = tbl.sighting("remote-1", "10.0.0.2", []byte("x"), 6*time.Second, now.Add(time.Second))
	assert.Empty(t, events)

	// A distinct payload fires once.
	events = tbl.sighting("remote-1", "10.0.0.2", []byte("y"), 6*time.Second, now.Add(2*time.Second))
	require.Equal(t, []string{"metadata"}, kinds(events))
	assert.Equal(t, []byte("y"), events[0].metadata)
}

func TestLeaseExpirySweep(t *testing.T) {
	tbl := newPeerTable("local")
	now := time.Now()

	tbl.sighting("remote-1", "10.0.0.2", nil, 6*time.Second, now)
	tbl.sighting("remote-2", "10.0.0.3", nil, 6*time.Second, now.Add(5*time.Second))

	// At +7s only remote-1 has lapsed.
	events := tbl.sweep(now.Add(7 * time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, "offline", events[0].kind)
	assert.Equal(t, "remote-1", events[0].remoteID)

	peers := tbl.snapshot()
	require.Len(t, peers, 1)
	assert.Equal(t, "remote-2", peers[0].RemoteID)
}

func TestRenewalPreventsExpiry(t *testing.T) {
	tbl := newPeerTable("local")
	now := time.Now()

	tbl.sighting("remote-1", "10.0.0.2", nil, 6*time.Second, now)
	tbl.sighting("remote-1", "10.0.0.2", nil, 6*time.Second, now.Add(3*time.Second))

	assert.Empty(t, tbl.sweep(now.Add(7*time.Second)))
	assert.Len(t, tbl.snapshot(), 1)
}

func TestGoodbyeGoesOffline(t *testing.T) {
	tbl := newPeerTable("local")
	tbl.sighting("remote-1", "10.0.0.2", nil, 6*time.Second, time.Now())

	events := tbl.goodbye("remote-1")
	assert.Equal(t, []string{"offline"}, kinds(events))
	assert.Empty(t, tbl.snapshot())

	// Unknown peers produce nothing.
	assert.Empty(t, tbl.goodbye("remote-9"))
}
