package reliable

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hylarana/hylarana/internal/clock"
	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/pkg/models"
)

var log = logging.L("reliable")

// cellConn abstracts the two socket shapes a session runs over: a connected
// socket (dialers) and a listener socket pinned to one peer address.
type cellConn interface {
	write(b []byte) error
	read(b []byte, deadline time.Time) (int, error)
	close() error
}

type connectedConn struct {
	c *net.UDPConn
}

func (c *connectedConn) write(b []byte) error {
	_, err := c.c.Write(b)
	return err
}

func (c *connectedConn) read(b []byte, deadline time.Time) (int, error) {
	if err := c.c.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := c.c.Read(b)
	return n, err
}

func (c *connectedConn) close() error { return c.c.Close() }

// peerConn reads from a listener socket but only accepts datagrams from the
// single accepted peer; strangers are dropped.
type peerConn struct {
	c    *net.UDPConn
	peer *net.UDPAddr
}

func (c *peerConn) write(b []byte) error {
	_, err := c.c.WriteToUDP(b, c.peer)
	return err
}

func (c *peerConn) read(b []byte, deadline time.Time) (int, error) {
	if err := c.c.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	for {
		n, from, err := c.c.ReadFromUDP(b)
		if err != nil {
			return 0, err
		}
		if from.IP.Equal(c.peer.IP) && from.Port == c.peer.Port {
			return n, nil
		}
		// Exactly one peer per stream id; anything else is ignored.
	}
}

func (c *peerConn) close() error { return c.c.Close() }

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// negotiated carries the handshake outcome.
type negotiated struct {
	session uint32
	mtu     int
	latency int
	// clockOffset converts sender timestamps into the local monotonic
	// domain: localTS ~ senderTS + clockOffset.
	clockOffset int64
	// hasClock is false when the peer could not supply its clock (relay
	// mode); the receiver then anchors on the first data cell instead.
	hasClock bool
}

// handshake runs the client half of the 3-way session establishment: hello,
// hello-ack, establish. It retries the hello until the peer answers or the
// session timeout passes.
func handshake(conn cellConn, role uint8, streamID string, opts models.TransportOptions) (*negotiated, error) {
	timeout := time.Duration(opts.Timeout) * time.Millisecond
	overall := time.Now().Add(timeout)

	hello := encodeHello(nil, &helloCell{
		version:  protocolVersion,
		role:     role,
		mtu:      uint16(opts.MTU),
		latency:  uint16(opts.Latency),
		clock:    clock.Now(),
		streamID: streamID,
	})

	buf := make([]byte, 2048)
	for time.Now().Before(overall) {
		if err := conn.write(hello); err != nil {
			return nil, fmt.Errorf("handshake hello: %w", err)
		}

		attempt := time.Now().Add(250 * time.Millisecond)
		if attempt.After(overall) {
			attempt = overall
		}
		n, err := conn.read(buf, attempt)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, fmt.Errorf("handshake read: %w", err)
		}

		typ, _, err := cellSession(buf[:n])
		if err != nil || typ != cellHelloAck {
			continue
		}
		ack, err := decodeHelloAck(buf[:n])
		if err != nil {
			continue
		}

		localNow := clock.Now()
		if err := conn.write(encodeEstablish(nil, ack.session)); err != nil {
			return nil, fmt.Errorf("handshake establish: %w", err)
		}

		return &negotiated{
			session:     ack.session,
			mtu:         int(ack.mtu),
			latency:     int(ack.latency),
			clockOffset: int64(localNow) - int64(ack.clock),
			hasClock:    ack.clock != 0,
		}, nil
	}

	return nil, hyerrors.NewTimeout("handshake", timeout, nil)
}

// negotiate picks the session parameters from both sides' offers: the
// smaller MTU and the larger accepted latency win.
func negotiate(local models.TransportOptions, peerMTU, peerLatency uint16) (mtu, latency int) {
	mtu = local.MTU
	if int(peerMTU) < mtu && peerMTU > 0 {
		mtu = int(peerMTU)
	}
	latency = local.Latency
	if int(peerLatency) > latency {
		latency = int(peerLatency)
	}
	return mtu, latency
}

// maxChunk is the usable cell payload for a negotiated MTU, leaving headroom
// for the data header, the parity header and the shard metadata together.
func maxChunk(mtu int) int {
	c := mtu - dataOverhead - shardMeta - parityOverhead
	if c < 64 {
		c = 64
	}
	return c
}
