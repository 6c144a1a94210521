package multicast

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/pkg/models"
)

var log = logging.L("multicast")

// senderSession writes packets as sequence-stamped cells to a multicast
// group. No retransmission, no acknowledgements.
type senderSession struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	mtu  int

	mu        sync.Mutex
	seq       uint32
	scratch   []byte
	closeOnce sync.Once
	closed    bool
}

// DialSender opens the sending half of a multicast stream. addr is the group
// address, e.g. "239.0.0.1:43165".
func DialSender(opts models.TransportOptions, addr string) (*senderSession, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", addr, err)
	}
	if !group.IP.IsMulticast() {
		return nil, hyerrors.NewMalformedInput("dial multicast sender",
			fmt.Errorf("%s is not a multicast group", group.IP))
	}

	conn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("dial multicast group: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	// TTL 1 keeps casts on the local LAN. Loopback stays on so a receiver on
	// the sending host still works.
	if err := pc.SetMulticastTTL(1); err != nil {
		log.Warn("failed to set multicast ttl", "error", err)
	}
	_ = pc.SetMulticastLoopback(true)

	mtu := opts.MTU
	if mtu <= cellHeaderSize {
		mtu = 1500
	}

	log.Info("multicast sender opened", "group", addr, "mtu", mtu)
	return &senderSession{conn: conn, pc: pc, mtu: mtu}, nil
}

// Send fragments the packet into cells no larger than mtu and writes them to
// the group. Multicast never back-pressures; a socket error closes the
// session.
func (s *senderSession) Send(p *packet.MediaPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("multicast send: %w", hyerrors.ErrClosed)
	}

	wire, err := packet.Encode(s.scratch[:0], p)
	if err != nil {
		return err
	}
	s.scratch = wire[:0]

	chunk := s.mtu - cellHeaderSize
	total := (len(wire) + chunk - 1) / chunk
	if total == 0 {
		total = 1
	}

	for i := 0; i < total; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(wire) {
			end = len(wire)
		}
		c := cell{
			seq:     s.seq,
			first:   i == 0,
			last:    i == total-1,
			payload: wire[start:end],
		}
		s.seq++

		buf := encodeCell(make([]byte, 0, cellHeaderSize+len(c.payload)), &c)
		if _, err := s.conn.Write(buf); err != nil {
			return fmt.Errorf("multicast write: %w", err)
		}
	}
	return nil
}

// Receive is not supported on the sending half.
func (s *senderSession) Receive() (*packet.MediaPacket, error) {
	return nil, fmt.Errorf("multicast sender has no receive path: %w", hyerrors.ErrClosed)
}

func (s *senderSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.conn.Close()
		log.Info("multicast sender closed")
	})
	return nil
}
