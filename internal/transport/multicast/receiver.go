package multicast

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/pkg/models"
)

// receiverSession joins a multicast group and restores cell order through the
// fixed-delay reorder buffer. The delivered substream is monotonic but may
// have holes, surfaced as GapErrors.
type receiverSession struct {
	conn net.PacketConn
	pc   *ipv4.PacketConn

	out  chan receiveEvent
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type receiveEvent struct {
	pkt *packet.MediaPacket
	gap *hyerrors.GapError
}

// DialReceiver joins the multicast group at addr and starts the reorder loop.
func DialReceiver(opts models.TransportOptions, addr string) (*receiverSession, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", addr, err)
	}
	if !group.IP.IsMulticast() {
		return nil, hyerrors.NewMalformedInput("dial multicast receiver",
			fmt.Errorf("%s is not a multicast group", group.IP))
	}

	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen multicast: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join multicast group: %w", err)
	}

	s := &receiverSession{
		conn: conn,
		pc:   pc,
		out:  make(chan receiveEvent, 64),
		done: make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(opts)
	}()

	log.Info("multicast receiver joined", "group", addr)
	return s, nil
}

// Receive returns the next packet in sequence order, a GapError for lost
// ranges, or ErrClosed after Close.
func (s *receiverSession) Receive() (*packet.MediaPacket, error) {
	ev, ok := <-s.out
	if !ok {
		return nil, fmt.Errorf("multicast receive: %w", hyerrors.ErrClosed)
	}
	if ev.gap != nil {
		return nil, ev.gap
	}
	return ev.pkt, nil
}

// Send is not supported on the receiving half.
func (s *receiverSession) Send(*packet.MediaPacket) error {
	return fmt.Errorf("multicast receiver has no send path: %w", hyerrors.ErrClosed)
}

func (s *receiverSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.wg.Wait()
		log.Info("multicast receiver closed")
	})
	return nil
}

// readLoop reads cells, runs them through the reorder buffer, and assembles
// packets. It owns the buffer and the assembler; nothing else touches them.
func (s *receiverSession) readLoop(opts models.TransportOptions) {
	defer close(s.out)

	buf := newReorderBuffer()
	asm := &assembler{}
	readBuf := make([]byte, 65536)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		// Wake up at the reorder deadline even if the socket stays quiet.
		deadline := time.Now().Add(holdDelay / 2)
		if d, ok := buf.NextDeadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = s.conn.SetReadDeadline(deadline)

		n, _, err := s.conn.ReadFrom(readBuf)
		now := time.Now()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				s.flush(buf, asm, now)
				continue
			}
			select {
			case <-s.done:
			default:
				log.Warn("multicast read failed", "error", err)
			}
			return
		}

		c, err := decodeCell(readBuf[:n])
		if err != nil {
			// Malformed cells are dropped; the session stays up.
			log.Debug("dropping malformed multicast cell", "error", err)
			continue
		}

		buf.Insert(c, now)
		s.flush(buf, asm, now)
	}
}

func (s *receiverSession) flush(buf *reorderBuffer, asm *assembler, now time.Time) {
	for _, ev := range buf.Release(now) {
		if ev.gap != nil {
			asm.damage()
			s.emit(receiveEvent{gap: &hyerrors.GapError{
				Stream: "multicast",
				From:   uint64(ev.gap.from),
				To:     uint64(ev.gap.to),
			}})
			continue
		}
		if pkt, ok := asm.add(ev.cell); ok {
			s.emit(receiveEvent{pkt: pkt})
		}
	}
}

func (s *receiverSession) emit(ev receiveEvent) {
	select {
	case s.out <- ev:
	case <-s.done:
	}
}

// assembler rebuilds media packets from in-order cell payloads. After a gap
// it discards cells until the next first-fragment cell.
type assembler struct {
	pending  []byte
	inPacket bool
}

func (a *assembler) damage() {
	a.pending = a.pending[:0]
	a.inPacket = false
}

func (a *assembler) add(c *cell) (*packet.MediaPacket, bool) {
	if c.first {
		a.pending = a.pending[:0]
		a.inPacket = true
	}
	if !a.inPacket {
		return nil, false
	}
	a.pending = append(a.pending, c.payload...)
	if !c.last {
		return nil, false
	}

	a.inPacket = false
	pkt, _, err := packet.Decode(a.pending)
	a.pending = a.pending[:0]
	if err != nil {
		log.Debug("dropping undecodable reassembled packet", "error", err)
		return nil, false
	}
	return pkt, true
}
