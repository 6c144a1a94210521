package reliable

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/packet"
)

// startListener binds an ephemeral port and runs the accept half of the
// handshake, returning the dialable address and the future sender session.
func startListener(t *testing.T, streamID string) (string, <-chan *SenderSession) {
	t.Helper()
	opts := testOpts()

	laddr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp4", laddr)
	require.NoError(t, err)

	addr := conn.LocalAddr().String()
	ch := make(chan *SenderSession, 1)
	go func() {
		peer, neg, helloAck, err := acceptOne(conn, opts, streamID, time.Duration(opts.Timeout)*time.Millisecond)
		if err != nil {
			conn.Close()
			close(ch)
			return
		}
		s, err := newSenderSession(&peerConn{c: conn, peer: peer}, neg.session, opts, neg.mtu, neg.latency, helloAck)
		if err != nil {
			conn.Close()
			close(ch)
			return
		}
		ch <- s
	}()
	return addr, ch
}

func TestDirectLoopback(t *testing.T) {
	addr, senderCh := startListener(t, "loopback-stream")

	recv, err := DialReceiver(testOpts(), addr, "loopback-stream")
	require.NoError(t, err)
	defer recv.Close()

	sender, ok := <-senderCh
	require.True(t, ok, "listener never accepted")
	defer sender.Close()

	const n = 100
	go func() {
		for i := 0; i < n; i++ {
			p := &packet.MediaPacket{
				Kind:      packet.KindVideo,
				Flags:     packet.FlagKeyFrame,
				Timestamp: uint64(i * 1000),
				Payload:   []byte(fmt.Sprintf("frame-%03d", i)),
			}
			for {
				err := sender.Send(p)
				if err == nil {
					break
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	for i := 0; i < n; i++ {
		pkt, err := recv.Receive()
		require.NoError(t, err, "packet %d", i)
		assert.Equal(t, uint64(i*1000), pkt.Timestamp)
		assert.Equal(t, fmt.Sprintf("frame-%03d", i), string(pkt.Payload))
	}
}

func TestDirectLoopbackLargeFrames(t *testing.T) {
	addr, senderCh := startListener(t, "large-stream")

	recv, err := DialReceiver(testOpts(), addr, "large-stream")
	require.NoError(t, err)
	defer recv.Close()

	sender, ok := <-senderCh
	require.True(t, ok)
	defer sender.Close()

	payload := make([]byte, 20_000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	go func() {
		p := &packet.MediaPacket{Kind: packet.KindVideo, Flags: packet.FlagKeyFrame, Timestamp: 1, Payload: payload}
		for sender.Send(p) != nil {
			time.Sleep(time.Millisecond)
		}
	}()

	pkt, err := recv.Receive()
	require.NoError(t, err)
	assert.Equal(t, payload, pkt.Payload)
}

func TestDialReceiverTimesOutWithoutListener(t *testing.T) {
	opts := testOpts()
	opts.Timeout = 300

	start := time.Now()
	_, err := DialReceiver(opts, "127.0.0.1:9", "nobody-home")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestListenSenderAsync(t *testing.T) {
	opts := testOpts()
	pending, err := ListenSenderAsync(opts, "127.0.0.1:0", "async-stream")
	require.NoError(t, err)
	defer pending.Close()

	addr := pending.conn.LocalAddr().String()

	// No subscriber yet: fail fast with WouldBlock.
	p := &packet.MediaPacket{Kind: packet.KindVideo, Flags: packet.FlagKeyFrame, Timestamp: 1, Payload: []byte{1}}
	err = pending.Send(p)
	require.Error(t, err)
	assert.True(t, hyerrors.IsWouldBlock(err), "got %v", err)

	recv, err := DialReceiver(opts, addr, "async-stream")
	require.NoError(t, err)
	defer recv.Close()

	// The subscriber's arrival surfaces as a key-frame refresh request.
	select {
	case <-pending.RefreshRequests():
	case <-time.After(3 * time.Second):
		t.Fatal("expected refresh request on subscriber arrival")
	}

	require.Eventually(t, func() bool {
		return pending.Send(p) == nil
	}, 3*time.Second, 10*time.Millisecond)

	pkt, err := recv.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pkt.Timestamp)
}

func TestListenSenderAsyncCloseBeforePeer(t *testing.T) {
	pending, err := ListenSenderAsync(testOpts(), "127.0.0.1:0", "never-stream")
	require.NoError(t, err)

	require.NoError(t, pending.Close())
	require.NoError(t, pending.Close())
}
