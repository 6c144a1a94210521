package reliable

import (
	"sync"
	"time"
)

// sentCell is a transmitted data cell kept for retransmission until it is
// acknowledged or its delivery deadline passes.
type sentCell struct {
	wire   []byte
	sendTS uint64 // sender monotonic microseconds
	sentAt time.Time
}

// sendWindow bounds in-flight data to a fixed number of cells and serves the
// ARQ path. Cells leave the window on cumulative acknowledgement.
type sendWindow struct {
	mu    sync.Mutex
	size  int
	base  uint32 // lowest unacknowledged sequence
	next  uint32 // next sequence to assign
	cells map[uint32]*sentCell
}

func newSendWindow(size int) *sendWindow {
	if size < 1 {
		size = 1
	}
	return &sendWindow{size: size, cells: make(map[uint32]*sentCell)}
}

// tryReserve allocates n consecutive sequence numbers, or reports false when
// the window lacks room. All cells of one media packet are admitted together
// so a packet is never half-admitted.
func (w *sendWindow) tryReserve(n int) (uint32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if int(w.next-w.base)+n > w.size {
		return 0, false
	}
	first := w.next
	w.next += uint32(n)
	return first, true
}

// store keeps a transmitted cell for the ARQ path.
func (w *sendWindow) store(seq uint32, wire []byte, sendTS uint64, sentAt time.Time) {
	w.mu.Lock()
	w.cells[seq] = &sentCell{wire: wire, sendTS: sendTS, sentAt: sentAt}
	w.mu.Unlock()
}

// ack releases every cell up to and including cumulative.
func (w *sendWindow) ack(cumulative uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for int32(cumulative-w.base) >= 0 && w.base != w.next {
		delete(w.cells, w.base)
		w.base++
	}
}

// lookup16 resolves a 16-bit NACK id against the in-flight window. The
// window is far smaller than the 16-bit sequence space, so the mapping is
// unambiguous.
func (w *sendWindow) lookup16(seq16 uint16) (*sentCell, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for seq, c := range w.cells {
		if uint16(seq) == seq16 {
			return c, true
		}
	}
	return nil, false
}

func (w *sendWindow) inFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.next - w.base)
}

// expire drops cells whose delivery deadline has passed; they are no longer
// eligible for retransmission and only occupy window space.
func (w *sendWindow) expire(nowTS uint64, latencyMicros uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.base != w.next {
		c, ok := w.cells[w.base]
		if ok && nowTS-c.sendTS <= latencyMicros {
			break
		}
		delete(w.cells, w.base)
		w.base++
	}
}
