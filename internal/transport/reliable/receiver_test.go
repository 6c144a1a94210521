package reliable

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hylarana/hylarana/internal/clock"
	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/pkg/models"
)

// fakeConn is an in-memory cellConn: reads time out unless cells are queued,
// writes are captured for inspection.
type fakeConn struct {
	mu     sync.Mutex
	inbox  [][]byte
	outbox [][]byte
	closed bool
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func (f *fakeConn) write(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.outbox = append(f.outbox, cp)
	return nil
}

func (f *fakeConn) read(b []byte, deadline time.Time) (int, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return 0, hyerrors.ErrClosed
		}
		if len(f.inbox) > 0 {
			msg := f.inbox[0]
			f.inbox = f.inbox[1:]
			f.mu.Unlock()
			return copy(b, msg), nil
		}
		f.mu.Unlock()
		if !time.Now().Before(deadline) {
			return 0, timeoutErr{}
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeConn) close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) push(b []byte) {
	f.mu.Lock()
	f.inbox = append(f.inbox, b)
	f.mu.Unlock()
}

func (f *fakeConn) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.outbox))
	copy(out, f.outbox)
	return out
}

func testOpts() models.TransportOptions {
	return models.TransportOptions{
		MTU:          1500,
		MaxBandwidth: -1,
		Latency:      60,
		Timeout:      5000,
		FEC:          "", // most receiver tests exercise ordering, not parity
		FlowWindow:   32,
	}
}

func newTestReceiver(t *testing.T, conn *fakeConn, opts models.TransportOptions) *ReceiverSession {
	t.Helper()
	neg := &negotiated{session: 42, mtu: opts.MTU, latency: opts.Latency, clockOffset: 0}
	s, err := newReceiverSession(conn, neg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mediaCell(t *testing.T, seq uint32, ts uint64) *dataCell {
	t.Helper()
	wire, err := packet.Encode(nil, &packet.MediaPacket{
		Kind:      packet.KindVideo,
		Flags:     packet.FlagKeyFrame,
		Timestamp: ts,
		Payload:   []byte{byte(seq)},
	})
	require.NoError(t, err)
	return &dataCell{session: 42, seq: seq, sendTS: clock.Now(), first: true, last: true, payload: wire}
}

func TestReceiverDeliversInOrder(t *testing.T) {
	conn := &fakeConn{}
	s := newTestReceiver(t, conn, testOpts())

	for seq := uint32(0); seq < 5; seq++ {
		conn.push(encodeDataCell(nil, mediaCell(t, seq, uint64(seq*1000))))
	}

	for seq := uint32(0); seq < 5; seq++ {
		pkt, err := s.Receive()
		require.NoError(t, err)
		assert.Equal(t, uint64(seq*1000), pkt.Timestamp)
	}
}

func TestReceiverReordersWithinBudget(t *testing.T) {
	conn := &fakeConn{}
	s := newTestReceiver(t, conn, testOpts())

	c0 := encodeDataCell(nil, mediaCell(t, 0, 0))
	c1 := encodeDataCell(nil, mediaCell(t, 1, 1000))
	c2 := encodeDataCell(nil, mediaCell(t, 2, 2000))

	conn.push(c0)
	conn.push(c2) // out of order
	conn.push(c1)

	for seq := uint32(0); seq < 3; seq++ {
		pkt, err := s.Receive()
		require.NoError(t, err)
		assert.Equal(t, uint64(seq*1000), pkt.Timestamp)
	}
}

func TestReceiverDeclaresGapAfterBudget(t *testing.T) {
	opts := testOpts()
	opts.Latency = 30
	conn := &fakeConn{}
	s := newTestReceiver(t, conn, opts)

	conn.push(encodeDataCell(nil, mediaCell(t, 0, 0)))
	// Sequence 1 is lost; 2 arrives.
	conn.push(encodeDataCell(nil, mediaCell(t, 2, 2000)))

	pkt, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pkt.Timestamp)

	// Next event is the gap for seq 1, within a few loss budgets.
	_, err = s.Receive()
	require.Error(t, err)
	gap, ok := hyerrors.AsGap(err)
	require.True(t, ok, "expected gap, got %v", err)
	assert.Equal(t, uint64(1), gap.From)
	assert.Equal(t, uint64(1), gap.To)

	pkt, err = s.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), pkt.Timestamp)
}

func TestReceiverDropsDuplicates(t *testing.T) {
	conn := &fakeConn{}
	s := newTestReceiver(t, conn, testOpts())

	c0 := encodeDataCell(nil, mediaCell(t, 0, 0))
	conn.push(c0)
	conn.push(c0)
	conn.push(encodeDataCell(nil, mediaCell(t, 1, 1000)))

	pkt, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pkt.Timestamp)
	pkt, err = s.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), pkt.Timestamp)
}

func TestReceiverSendsNackForMissing(t *testing.T) {
	opts := testOpts()
	opts.Latency = 100
	opts.FEC = "fec,layout:staircase,rows:2,cols:10,arq:onreq"
	conn := &fakeConn{}
	s := newTestReceiver(t, conn, opts)

	conn.push(encodeDataCell(nil, mediaCell(t, 0, 0)))
	conn.push(encodeDataCell(nil, mediaCell(t, 2, 2000)))

	_, err := s.Receive()
	require.NoError(t, err)

	// Within the loss budget a NACK feedback cell must go out for seq 1.
	deadline := time.Now().Add(90 * time.Millisecond)
	found := false
	for time.Now().Before(deadline) && !found {
		for _, out := range conn.sent() {
			if len(out) > 0 && out[0] == cellFeedback {
				found = true
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, found, "expected a NACK feedback cell")
}

func TestReceiverRequestKeyFrameSendsPLI(t *testing.T) {
	conn := &fakeConn{}
	s := newTestReceiver(t, conn, testOpts())

	require.NoError(t, s.RequestKeyFrame())

	found := false
	for _, out := range conn.sent() {
		if len(out) > 0 && out[0] == cellFeedback {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReceiverCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	s := newTestReceiver(t, conn, testOpts())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Receive()
	assert.True(t, hyerrors.IsClosed(err), "got %v", err)
}

func TestReceiverTimesOutWithoutLiveness(t *testing.T) {
	opts := testOpts()
	opts.Timeout = 150
	conn := &fakeConn{}
	s := newTestReceiver(t, conn, opts)

	start := time.Now()
	_, err := s.Receive()
	require.Error(t, err)
	assert.True(t, hyerrors.IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}
