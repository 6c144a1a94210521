package reliable

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"

	"github.com/hylarana/hylarana/internal/clock"
	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/internal/transport"
	"github.com/hylarana/hylarana/pkg/models"
)

// SenderSession is the sending endpoint: it fragments media packets into
// cells, meters them through the pacer, keeps them for ARQ until their
// deadline, and emits FEC parity per group.
type SenderSession struct {
	log  *slog.Logger
	conn cellConn
	id   uint32
	opts models.TransportOptions

	window        *sendWindow
	pacer         *pacer
	chunk         int
	latencyMicros uint64
	arq           transport.ARQMode

	sendMu  sync.Mutex
	fenc    *fecEncoder
	scratch []byte

	// helloAck is re-sent when the peer repeats its hello (lost establish).
	helloAck []byte

	refreshCh   chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	lastInbound atomic.Int64 // unix nanos

	errMu       sync.Mutex
	closeReason error
}

func newSenderSession(conn cellConn, id uint32, opts models.TransportOptions, mtu, latency int, helloAck []byte) (*SenderSession, error) {
	fecCfg, err := transport.ParseFEC(opts.FEC)
	if err != nil {
		return nil, err
	}

	chunk := maxChunk(mtu)
	fenc, err := newFECEncoder(fecCfg, shardMeta+chunk)
	if err != nil {
		return nil, err
	}

	s := &SenderSession{
		log:           logging.WithSession(log, fmt.Sprintf("%08x", id)),
		conn:          conn,
		id:            id,
		opts:          opts,
		window:        newSendWindow(opts.FlowWindow),
		pacer:         newPacer(opts.MaxBandwidth),
		chunk:         chunk,
		latencyMicros: uint64(latency) * 1000,
		arq:           fecCfg.ARQ,
		fenc:          fenc,
		helloAck:      helloAck,
		refreshCh:     make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	s.lastInbound.Store(time.Now().UnixNano())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop()
	}()

	s.log.Info("reliable sender session opened",
		"mtu", mtu, "latency", latency, "window", opts.FlowWindow, "fec", opts.FEC)
	return s, nil
}

// Send fragments one media packet into cells and transmits them. All cells
// of the packet must fit the flow-control window together, otherwise the
// call fails fast with ErrWouldBlock.
func (s *SenderSession) Send(p *packet.MediaPacket) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	wire, err := packet.Encode(s.scratch[:0], p)
	if err != nil {
		return err
	}
	s.scratch = wire[:0]

	cells := (len(wire) + s.chunk - 1) / s.chunk
	if cells == 0 {
		cells = 1
	}

	first, ok := s.window.tryReserve(cells)
	if !ok {
		// Expired cells free no bandwidth but do free window space.
		s.window.expire(clock.Now(), s.latencyMicros)
		if first, ok = s.window.tryReserve(cells); !ok {
			return fmt.Errorf("send window full: %w", hyerrors.ErrWouldBlock)
		}
	}

	for i := 0; i < cells; i++ {
		start := i * s.chunk
		end := start + s.chunk
		if end > len(wire) {
			end = len(wire)
		}
		c := &dataCell{
			session: s.id,
			seq:     first + uint32(i),
			sendTS:  clock.Now(),
			first:   i == 0,
			last:    i == cells-1,
			payload: wire[start:end],
		}
		if err := s.transmit(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *SenderSession) transmit(c *dataCell) error {
	buf := encodeDataCell(make([]byte, 0, dataOverhead+len(c.payload)), c)
	if !s.pacer.wait(len(buf), s.done) {
		return s.closedErr()
	}
	if err := s.conn.write(buf); err != nil {
		return fmt.Errorf("write data cell: %w", err)
	}
	s.window.store(c.seq, buf, c.sendTS, time.Now())

	if s.fenc == nil {
		return nil
	}
	parity, err := s.fenc.add(c)
	if err != nil {
		return err
	}
	for _, pc := range parity {
		pbuf := encodeParityCell(make([]byte, 0, parityOverhead+len(pc.shard)), pc)
		if !s.pacer.wait(len(pbuf), s.done) {
			return s.closedErr()
		}
		if err := s.conn.write(pbuf); err != nil {
			return fmt.Errorf("write parity cell: %w", err)
		}
	}
	return nil
}

// Receive blocks until the session closes; the sending endpoint carries no
// media in the reverse direction.
func (s *SenderSession) Receive() (*packet.MediaPacket, error) {
	<-s.done
	return nil, s.closedErr()
}

// RefreshRequests surfaces key-frame refresh demands: PLI feedback from the
// receiver, or new-subscriber events in relay mode.
func (s *SenderSession) RefreshRequests() <-chan struct{} {
	return s.refreshCh
}

// notifyRefresh coalesces a refresh demand into the channel.
func (s *SenderSession) notifyRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

func (s *SenderSession) Close() error {
	s.closeOnce.Do(func() {
		s.setCloseReason(fmt.Errorf("session: %w", hyerrors.ErrClosed))

		// Drain in-flight cells best-effort, bounded by min(latency, 200ms).
		drainFor := time.Duration(s.opts.Latency) * time.Millisecond
		if drainFor > 200*time.Millisecond {
			drainFor = 200 * time.Millisecond
		}
		deadline := time.Now().Add(drainFor)
		for s.window.inFlight() > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		_ = s.conn.write(encodeClose(nil, s.id))
		close(s.done)
		s.conn.close()
		s.wg.Wait()
		s.log.Info("reliable sender session closed")
	})
	return nil
}

// shutdown records a fatal reason and tears the session down without waiting
// for the loops (it is called from them). The teardown runs on its own
// goroutine, so a loop is not held up when Close is already waiting for it.
func (s *SenderSession) shutdown(err error) {
	s.setCloseReason(err)
	go s.closeOnce.Do(func() {
		close(s.done)
		s.conn.close()
	})
}

func (s *SenderSession) setCloseReason(err error) {
	s.errMu.Lock()
	if s.closeReason == nil {
		s.closeReason = err
	}
	s.errMu.Unlock()
}

func (s *SenderSession) closedErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.closeReason != nil {
		return s.closeReason
	}
	return fmt.Errorf("session: %w", hyerrors.ErrClosed)
}

func (s *SenderSession) readLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.conn.read(buf, time.Now().Add(500*time.Millisecond))
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-s.done:
			default:
				s.log.Warn("sender read failed", "error", err)
				s.shutdown(fmt.Errorf("sender read: %w", err))
			}
			return
		}
		s.lastInbound.Store(time.Now().UnixNano())

		typ, _, err := cellSession(buf[:n])
		if err != nil {
			continue
		}
		switch typ {
		case cellAck:
			cum, err := decodeAck(buf[:n])
			if err == nil {
				s.window.ack(cum)
			}
		case cellFeedback:
			s.handleFeedback(buf[cellPrefix:n])
		case cellHeartbeat:
			// Liveness only; lastInbound already updated.
		case cellHello:
			// The establish leg was lost; repeat our answer.
			if s.helloAck != nil {
				_ = s.conn.write(s.helloAck)
			}
		case cellClose:
			s.log.Info("peer closed session")
			s.shutdown(fmt.Errorf("peer closed: %w", hyerrors.ErrClosed))
			return
		}
	}
}

func (s *SenderSession) handleFeedback(compound []byte) {
	pkts, err := rtcp.Unmarshal(compound)
	if err != nil {
		s.log.Debug("dropping undecodable feedback", "error", err)
		return
	}
	for _, p := range pkts {
		switch fb := p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			s.notifyRefresh()
		case *rtcp.TransportLayerNack:
			if s.arq != transport.ARQOnRequest {
				continue
			}
			for _, pair := range fb.Nacks {
				for _, seq16 := range pair.PacketList() {
					s.retransmit(seq16)
				}
			}
		}
	}
}

// retransmit answers an ARQ request, but only while the cell is still inside
// its delivery deadline window.
func (s *SenderSession) retransmit(seq16 uint16) {
	c, ok := s.window.lookup16(seq16)
	if !ok {
		return
	}
	if clock.Since(c.sendTS) > s.latencyMicros {
		return
	}
	if !s.pacer.wait(len(c.wire), s.done) {
		return
	}
	if err := s.conn.write(c.wire); err != nil {
		s.log.Debug("retransmit failed", "error", err)
	}
}

func (s *SenderSession) heartbeatLoop() {
	interval := time.Duration(s.opts.Timeout) * time.Millisecond / 3
	if interval < 200*time.Millisecond {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timeout := time.Duration(s.opts.Timeout) * time.Millisecond
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastInbound.Load())
			if time.Since(last) > timeout {
				s.log.Error("session timed out", "timeout", timeout)
				s.shutdown(hyerrors.NewTimeout("sender liveness", timeout, nil))
				return
			}
			_ = s.conn.write(encodeHeartbeat(nil, s.id, clock.Now()))
			s.window.expire(clock.Now(), s.latencyMicros)
		}
	}
}
