package reliable

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hylarana/hylarana/internal/clock"
	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/pkg/models"
)

// ListenSender binds a local address and accepts exactly one peer for the
// given stream id. It blocks until the 3-way handshake completes or the
// session timeout passes.
func ListenSender(opts models.TransportOptions, addr, streamID string) (*SenderSession, error) {
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}

	peer, neg, helloAck, err := acceptOne(conn, opts, streamID, time.Duration(opts.Timeout)*time.Millisecond)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return newSenderSession(&peerConn{c: conn, peer: peer}, neg.session, opts, neg.mtu, neg.latency, helloAck)
}

// ListenSenderAsync binds the listener immediately and accepts the single
// peer in the background, so the stream description can be published before
// any receiver exists. Until a peer completes the handshake, Send fails fast
// with ErrWouldBlock.
func ListenSenderAsync(opts models.TransportOptions, addr, streamID string) (*PendingSenderSession, error) {
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}

	p := &PendingSenderSession{
		conn:      conn,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		refreshCh: make(chan struct{}, 1),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.accept(opts, streamID)
	}()
	return p, nil
}

// PendingSenderSession is a sender session whose peer has not arrived yet.
type PendingSenderSession struct {
	conn *net.UDPConn

	mu    sync.Mutex
	inner *SenderSession

	ready     chan struct{}
	done      chan struct{}
	refreshCh chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (p *PendingSenderSession) accept(opts models.TransportOptions, streamID string) {
	// Wait as long as the session lives; Close unblocks the socket.
	peer, neg, helloAck, err := acceptOne(p.conn, opts, streamID, 0)
	if err != nil {
		select {
		case <-p.done:
		default:
			log.Warn("accept failed", "stream", streamID, "error", err)
		}
		return
	}

	sess, err := newSenderSession(&peerConn{c: p.conn, peer: peer}, neg.session, opts, neg.mtu, neg.latency, helloAck)
	if err != nil {
		log.Error("session setup failed after accept", "error", err)
		return
	}

	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		sess.Close()
		return
	default:
	}
	p.inner = sess
	p.mu.Unlock()
	close(p.ready)

	// A new subscriber needs a key frame to start decoding.
	sess.notifyRefresh()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.forwardRefresh(sess)
	}()
}

func (p *PendingSenderSession) forwardRefresh(sess *SenderSession) {
	for {
		select {
		case <-p.done:
			return
		case <-sess.RefreshRequests():
			select {
			case p.refreshCh <- struct{}{}:
			default:
			}
		}
	}
}

func (p *PendingSenderSession) session() *SenderSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner
}

func (p *PendingSenderSession) Send(pkt *packet.MediaPacket) error {
	sess := p.session()
	if sess == nil {
		return fmt.Errorf("no subscriber yet: %w", hyerrors.ErrWouldBlock)
	}
	return sess.Send(pkt)
}

func (p *PendingSenderSession) Receive() (*packet.MediaPacket, error) {
	select {
	case <-p.done:
		return nil, fmt.Errorf("session: %w", hyerrors.ErrClosed)
	case <-p.ready:
		return p.session().Receive()
	}
}

// RefreshRequests surfaces key-frame demands, including the initial one
// fired when the subscriber completes its handshake.
func (p *PendingSenderSession) RefreshRequests() <-chan struct{} {
	return p.refreshCh
}

func (p *PendingSenderSession) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		sess := p.session()
		if sess != nil {
			sess.Close()
		} else {
			p.conn.Close()
		}
		p.wg.Wait()
	})
	return nil
}

// acceptOne waits for a hello carrying the expected stream id, answers it,
// and waits for the establish leg. Hellos for other streams and datagrams
// from other peers are ignored. wait of zero means wait until the socket is
// closed.
func acceptOne(conn *net.UDPConn, opts models.TransportOptions, streamID string, wait time.Duration) (*net.UDPAddr, *negotiated, []byte, error) {
	var overall time.Time
	if wait > 0 {
		overall = time.Now().Add(wait)
	}
	buf := make([]byte, 2048)

	var peer *net.UDPAddr
	var neg *negotiated
	var helloAck []byte

	for overall.IsZero() || time.Now().Before(overall) {
		if err := conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			return nil, nil, nil, err
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, nil, nil, fmt.Errorf("accept read: %w", err)
		}

		typ, _, perr := cellSession(buf[:n])
		if perr != nil {
			continue
		}

		switch typ {
		case cellHello:
			h, err := decodeHello(buf[:n])
			if err != nil || h.version != protocolVersion || h.streamID != streamID {
				continue
			}
			if peer != nil && !(from.IP.Equal(peer.IP) && from.Port == peer.Port) {
				log.Debug("rejecting second peer during accept", "from", from.String())
				continue
			}
			if peer == nil {
				peer = from
				mtu, latency := negotiate(opts, h.mtu, h.latency)
				neg = &negotiated{
					session: uuid.New().ID(),
					mtu:     mtu,
					latency: latency,
				}
				helloAck = encodeHelloAck(nil, &helloAckCell{
					session: neg.session,
					mtu:     uint16(mtu),
					latency: uint16(latency),
					clock:   clock.Now(),
				})
			}
			if _, err := conn.WriteToUDP(helloAck, peer); err != nil {
				return nil, nil, nil, fmt.Errorf("accept hello ack: %w", err)
			}

		case cellEstablish:
			if peer == nil || !(from.IP.Equal(peer.IP) && from.Port == peer.Port) {
				continue
			}
			if n >= cellPrefix && binary.BigEndian.Uint32(buf[1:5]) == neg.session {
				log.Info("accepted peer", "peer", from.String(), "stream", streamID)
				return peer, neg, helloAck, nil
			}
		}
	}

	return nil, nil, nil, hyerrors.NewTimeout("accept peer", wait, nil)
}

// DialReceiver connects to a listening sender and completes the handshake.
func DialReceiver(opts models.TransportOptions, addr, streamID string) (*ReceiverSession, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve dial addr %q: %w", addr, err)
	}
	udp, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}

	conn := &connectedConn{c: udp}
	neg, err := handshake(conn, roleReceiver, streamID, opts)
	if err != nil {
		udp.Close()
		return nil, err
	}
	neg.mtu, neg.latency = clampNegotiated(opts, neg)

	return newReceiverSession(conn, neg, opts)
}

// clampNegotiated guards against a peer answering with out-of-range values.
func clampNegotiated(opts models.TransportOptions, neg *negotiated) (mtu, latency int) {
	mtu = neg.mtu
	if mtu < 576 || mtu > opts.MTU {
		mtu = opts.MTU
	}
	latency = neg.latency
	if latency < opts.Latency {
		latency = opts.Latency
	}
	return mtu, latency
}
