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

// ReceiverSession is the receiving endpoint: it restores cell order, repairs
// losses through FEC and on-demand ARQ, enforces the delivery deadline, and
// reassembles media packets.
type ReceiverSession struct {
	log  *slog.Logger
	conn cellConn
	id   uint32
	opts models.TransportOptions

	latencyMicros uint64
	clockOffset   int64
	anchored      bool
	arq           transport.ARQMode

	mu           sync.Mutex
	synced       bool
	next         uint32 // next sequence to deliver
	held         map[uint32]*dataCell
	maxSeen      uint32
	missingSince map[uint32]time.Time
	lastNack     map[uint32]time.Time
	fdec         *fecDecoder
	asm          packetAssembler
	delivered    bool

	out chan receiveEvent

	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	lastInbound atomic.Int64

	errMu       sync.Mutex
	closeReason error
}

type receiveEvent struct {
	pkt *packet.MediaPacket
	gap *hyerrors.GapError
}

func newReceiverSession(conn cellConn, neg *negotiated, opts models.TransportOptions) (*ReceiverSession, error) {
	fecCfg, err := transport.ParseFEC(opts.FEC)
	if err != nil {
		return nil, err
	}

	chunk := maxChunk(neg.mtu)
	fdec, err := newFECDecoder(fecCfg, shardMeta+chunk)
	if err != nil {
		return nil, err
	}

	s := &ReceiverSession{
		log:           logging.WithSession(log, fmt.Sprintf("%08x", neg.session)),
		conn:          conn,
		id:            neg.session,
		opts:          opts,
		latencyMicros: uint64(neg.latency) * 1000,
		clockOffset:   neg.clockOffset,
		anchored:      neg.hasClock,
		arq:           fecCfg.ARQ,
		held:          make(map[uint32]*dataCell),
		missingSince:  make(map[uint32]time.Time),
		lastNack:      make(map[uint32]time.Time),
		fdec:          fdec,
		out:           make(chan receiveEvent, 64),
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
		s.tickLoop()
	}()

	s.log.Info("reliable receiver session opened",
		"mtu", neg.mtu, "latency", neg.latency, "fec", opts.FEC)
	return s, nil
}

// Receive returns the next packet in order, a GapError for ranges lost
// beyond recovery, or the close reason.
func (s *ReceiverSession) Receive() (*packet.MediaPacket, error) {
	select {
	case ev, ok := <-s.out:
		if !ok {
			return nil, s.closedErr()
		}
		if ev.gap != nil {
			return nil, ev.gap
		}
		return ev.pkt, nil
	case <-s.done:
		// Drain anything already queued before reporting closure.
		select {
		case ev, ok := <-s.out:
			if ok {
				if ev.gap != nil {
					return nil, ev.gap
				}
				return ev.pkt, nil
			}
		default:
		}
		return nil, s.closedErr()
	}
}

// Send is not supported on the receiving endpoint.
func (s *ReceiverSession) Send(*packet.MediaPacket) error {
	return fmt.Errorf("receiver session has no send path: %w", hyerrors.ErrClosed)
}

// RequestKeyFrame asks the sender for an immediate key frame through the
// RTCP sideband.
func (s *ReceiverSession) RequestKeyFrame() error {
	pli := &rtcp.PictureLossIndication{SenderSSRC: s.id, MediaSSRC: s.id}
	compound, err := pli.Marshal()
	if err != nil {
		return fmt.Errorf("marshal pli: %w", err)
	}
	return s.conn.write(encodeFeedback(nil, s.id, compound))
}

func (s *ReceiverSession) Close() error {
	s.closeOnce.Do(func() {
		s.setCloseReason(fmt.Errorf("session: %w", hyerrors.ErrClosed))
		_ = s.conn.write(encodeClose(nil, s.id))
		close(s.done)
		s.conn.close()
		s.wg.Wait()
		s.log.Info("reliable receiver session closed")
	})
	return nil
}

func (s *ReceiverSession) shutdown(err error) {
	s.setCloseReason(err)
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.close()
	})
}

func (s *ReceiverSession) setCloseReason(err error) {
	s.errMu.Lock()
	if s.closeReason == nil {
		s.closeReason = err
	}
	s.errMu.Unlock()
}

func (s *ReceiverSession) closedErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.closeReason != nil {
		return s.closeReason
	}
	return fmt.Errorf("session: %w", hyerrors.ErrClosed)
}

func (s *ReceiverSession) readLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.conn.read(buf, time.Now().Add(100*time.Millisecond))
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-s.done:
			default:
				s.log.Warn("receiver read failed", "error", err)
				s.shutdown(fmt.Errorf("receiver read: %w", err))
			}
			return
		}
		s.lastInbound.Store(time.Now().UnixNano())

		typ, _, perr := cellSession(buf[:n])
		if perr != nil {
			continue
		}
		switch typ {
		case cellData:
			c, err := decodeDataCell(buf[:n])
			if err != nil {
				s.log.Debug("dropping malformed data cell", "error", err)
				continue
			}
			s.ingest(c)
		case cellParity:
			pc, err := decodeParityCell(buf[:n])
			if err != nil {
				s.log.Debug("dropping malformed parity cell", "error", err)
				continue
			}
			s.ingestParity(pc)
		case cellHelloAck:
			// Duplicate of the handshake answer; establish again.
			_ = s.conn.write(encodeEstablish(nil, s.id))
		case cellHeartbeat:
			// Liveness only.
		case cellClose:
			s.log.Info("peer closed session")
			s.shutdown(fmt.Errorf("peer closed: %w", hyerrors.ErrClosed))
			return
		}
	}
}

// pastDeadline reports whether a cell stamped sendTS (sender clock) has
// exceeded the delivery deadline in the local clock domain.
func (s *ReceiverSession) pastDeadline(sendTS uint64) bool {
	local := int64(sendTS) + s.clockOffset
	return int64(clock.Now())-local > int64(s.latencyMicros)
}

func (s *ReceiverSession) ingest(c *dataCell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestLocked(c)
	s.releaseLocked()
}

func (s *ReceiverSession) ingestLocked(c *dataCell) {
	if !s.anchored {
		// No usable clock from the handshake: the first data cell anchors
		// the receive clock.
		s.clockOffset = int64(clock.Now()) - int64(c.sendTS)
		s.anchored = true
	}
	if !s.synced {
		s.next = c.seq
		s.maxSeen = c.seq
		s.synced = true
	}
	if seqBefore32(c.seq, s.next) {
		return // duplicate of something already delivered or skipped
	}
	// Sequences implausibly far ahead are corruption, not reordering.
	if int32(c.seq-s.next) > seqHorizon {
		return
	}
	if _, dup := s.held[c.seq]; dup {
		return
	}
	if s.pastDeadline(c.sendTS) {
		// Arrived too late to present; it will be skipped as a gap.
		return
	}

	s.held[c.seq] = c
	if s.fdec != nil {
		s.fdec.addData(c)
	}
	if seqBefore32(s.maxSeen, c.seq) {
		s.maxSeen = c.seq
	}
	// Every hole below the highest sequence seen is now a known miss.
	now := time.Now()
	for seq := s.next; seqBefore32(seq, s.maxSeen); seq++ {
		if _, ok := s.held[seq]; ok {
			continue
		}
		if _, ok := s.missingSince[seq]; !ok {
			s.missingSince[seq] = now
		}
	}
}

func (s *ReceiverSession) ingestParity(pc *parityCell) {
	if s.fdec == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := s.fdec.addParity(pc, func(seq uint32) bool {
		if !s.synced || seqBefore32(seq, s.next) {
			return false
		}
		_, held := s.held[seq]
		return !held
	})
	for _, c := range recovered {
		s.ingestLocked(c)
	}
	if len(recovered) > 0 {
		s.log.Debug("fec reconstructed cells", "group", pc.group, "count", len(recovered))
		s.releaseLocked()
	}
}

// releaseLocked delivers the in-order run and skips ranges that can no
// longer meet their deadline.
func (s *ReceiverSession) releaseLocked() {
	for {
		if c, ok := s.held[s.next]; ok {
			delete(s.held, s.next)
			delete(s.missingSince, s.next)
			delete(s.lastNack, s.next)
			s.delivered = true
			if pkt, ok := s.asm.add(c); ok {
				s.emit(receiveEvent{pkt: pkt})
			}
			s.dropStaleGroups()
			s.next++
			continue
		}

		// Head of line missing: skip only when its recovery budget is gone.
		since, ok := s.missingSince[s.next]
		if !ok || time.Since(since) < s.lossBudget() {
			return
		}

		from := s.next
		to := s.next
		for {
			nextSeq := to + 1
			if !seqBefore32(nextSeq, s.maxSeen) && nextSeq != s.maxSeen {
				break
			}
			if _, held := s.held[nextSeq]; held {
				break
			}
			since, ok := s.missingSince[nextSeq]
			if !ok || time.Since(since) < s.lossBudget() {
				break
			}
			to = nextSeq
		}
		for seq := from; ; seq++ {
			delete(s.missingSince, seq)
			delete(s.lastNack, seq)
			if seq == to {
				break
			}
		}
		s.next = to + 1
		s.asm.damage()
		s.emit(receiveEvent{gap: &hyerrors.GapError{
			Stream: "reliable",
			From:   uint64(from),
			To:     uint64(to),
		}})
		s.log.Warn("sequence range lost beyond recovery", "from", from, "to", to)
	}
}

// lossBudget is how long a missing sequence may wait for FEC or ARQ before
// it is declared lost. The miss is noticed when a successor arrives, which
// tracks the lost cell's own send time closely.
func (s *ReceiverSession) lossBudget() time.Duration {
	return time.Duration(s.latencyMicros) * time.Microsecond
}

func (s *ReceiverSession) dropStaleGroups() {
	if s.fdec == nil {
		return
	}
	// Groups fully below the delivery cursor can never be needed again.
	if s.next > 0 && s.next%uint32(s.fdec.cfg.DataShards()) == 0 {
		s.fdec.drop(s.fdec.groupOf(s.next) - 1)
	}
}

func (s *ReceiverSession) emit(ev receiveEvent) {
	select {
	case s.out <- ev:
	case <-s.done:
	}
}

// tickLoop drives acknowledgements, ARQ requests, deadline sweeps, and
// session liveness.
func (s *ReceiverSession) tickLoop() {
	const tick = 10 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	timeout := time.Duration(s.opts.Timeout) * time.Millisecond
	heartbeatEvery := timeout / 3
	if heartbeatEvery < 200*time.Millisecond {
		heartbeatEvery = 200 * time.Millisecond
	}
	var lastHeartbeat, lastAck time.Time

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		last := time.Unix(0, s.lastInbound.Load())
		if time.Since(last) > timeout {
			s.log.Error("session timed out", "timeout", timeout)
			s.shutdown(hyerrors.NewTimeout("receiver liveness", timeout, nil))
			return
		}

		now := time.Now()
		if now.Sub(lastHeartbeat) >= heartbeatEvery {
			lastHeartbeat = now
			_ = s.conn.write(encodeHeartbeat(nil, s.id, clock.Now()))
		}

		s.mu.Lock()
		if s.delivered && now.Sub(lastAck) >= 20*time.Millisecond {
			lastAck = now
			ack := encodeAck(nil, s.id, s.next-1)
			s.mu.Unlock()
			_ = s.conn.write(ack)
			s.mu.Lock()
		}
		nacks := s.collectNacksLocked(now)
		s.releaseLocked()
		s.mu.Unlock()

		if len(nacks) > 0 {
			s.sendNacks(nacks)
		}
	}
}

// collectNacksLocked gathers missing sequences worth an ARQ round trip: old
// enough that FEC has had its chance, young enough to still meet the
// deadline, and not nacked too recently.
func (s *ReceiverSession) collectNacksLocked(now time.Time) []uint16 {
	if s.arq != transport.ARQOnRequest || !s.synced {
		return nil
	}

	nackAfter := s.lossBudget() / 4
	if nackAfter < 5*time.Millisecond {
		nackAfter = 5 * time.Millisecond
	}
	renackEvery := s.lossBudget() / 2
	if renackEvery < 10*time.Millisecond {
		renackEvery = 10 * time.Millisecond
	}

	var out []uint16
	for seq, since := range s.missingSince {
		age := now.Sub(since)
		if age < nackAfter || age >= s.lossBudget() {
			continue
		}
		if last, ok := s.lastNack[seq]; ok && now.Sub(last) < renackEvery {
			continue
		}
		s.lastNack[seq] = now
		out = append(out, uint16(seq))
		if len(out) >= 64 {
			break
		}
	}
	return out
}

func (s *ReceiverSession) sendNacks(seqs []uint16) {
	nack := &rtcp.TransportLayerNack{
		SenderSSRC: s.id,
		MediaSSRC:  s.id,
		Nacks:      rtcp.NackPairsFromSequenceNumbers(seqs),
	}
	compound, err := nack.Marshal()
	if err != nil {
		s.log.Debug("marshal nack failed", "error", err)
		return
	}
	if err := s.conn.write(encodeFeedback(nil, s.id, compound)); err != nil {
		s.log.Debug("send nack failed", "error", err)
	}
}

// seqHorizon bounds how far ahead of the delivery cursor a cell may claim
// to be before it is treated as corruption.
const seqHorizon = 1 << 16

// seqBefore32 reports whether a precedes b in wrapping sequence space.
func seqBefore32(a, b uint32) bool {
	return int32(a-b) < 0
}

// packetAssembler rebuilds media packets from in-order cells. After a gap it
// discards cells until the next first-fragment cell.
type packetAssembler struct {
	pending  []byte
	inPacket bool
}

func (a *packetAssembler) damage() {
	a.pending = a.pending[:0]
	a.inPacket = false
}

func (a *packetAssembler) add(c *dataCell) (*packet.MediaPacket, bool) {
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
		return nil, false
	}
	return pkt, true
}
