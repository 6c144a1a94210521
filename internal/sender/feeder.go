package sender

import (
	"sync"
	"time"

	"github.com/hylarana/hylarana/internal/codec"
	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/internal/transport"
)

// The encoder feeder: pull a raw frame, drive the codec, stamp the packet
// with the capture-time timestamp, hand it to the session. Backpressure
// drops the oldest non-key video frame from a small staging queue; audio is
// never dropped while the session lives.

// codecFailureWindow is how long after a codec reset a further failure
// escalates to CodecFailure instead of causing another reset.
const codecFailureWindow = 5 * time.Second

func (s *Sender) videoLoop() {
	frames := 0
	var failingSince time.Time

	for {
		select {
		case <-s.done:
			return
		default:
		}

		frame, err := s.source.PollVideo()
		if err != nil {
			if hyerrors.IsClosed(err) {
				s.log.Info("capture ended")
				go s.shutdown(nil)
				return
			}
			if hyerrors.IsPermissionDenied(err) {
				go s.shutdown(err)
				return
			}
			s.log.Warn("video capture failed", "error", err)
			continue
		}
		s.metrics.RecordCapture()

		// Periodic key-frame interval.
		frames++
		if s.cfg.KeyFrameInterval > 0 && frames%s.cfg.KeyFrameInterval == 0 {
			_ = s.videoEnc.RequestKeyFrame()
		}

		encodeStart := time.Now()
		if err := s.videoEnc.Submit(frame); err != nil {
			if s.recoverCodec(err, &failingSince) {
				continue
			}
			return
		}

		for {
			unit, err := s.videoEnc.Drain()
			if err != nil {
				if s.recoverCodec(err, &failingSince) {
					break
				}
				return
			}
			if unit == nil {
				break
			}
			failingSince = time.Time{}
			s.metrics.RecordEncode(time.Since(encodeStart), len(unit.Data))

			flags := unit.Flags
			if flags == 0 {
				// A backend that does not signal flags gets its access unit
				// inspected.
				flags = codec.AnnexBFlags(unit.Data)
			}
			s.dispatchVideo(&packet.MediaPacket{
				Kind:      packet.KindVideo,
				Flags:     flags,
				Timestamp: unit.Timestamp,
				Payload:   unit.Data,
			})
		}
	}
}

// recoverCodec resets the codec once and forces a key frame. A failure that
// recurs within the window of that reset, with no encoded output in between,
// escalates to CodecFailure and closes the pipeline. It returns false when
// the loop must exit.
func (s *Sender) recoverCodec(err error, failingSince *time.Time) bool {
	if !failingSince.IsZero() && time.Since(*failingSince) <= codecFailureWindow {
		go s.shutdown(hyerrors.NewCodecFailure("video encode", err))
		return false
	}
	*failingSince = time.Now()

	s.log.Warn("video codec error, resetting", "error", err)
	if resetErr := s.videoEnc.Reset(); resetErr != nil {
		go s.shutdown(hyerrors.NewCodecFailure("video encoder reset", resetErr))
		return false
	}
	_ = s.videoEnc.RequestKeyFrame()
	return true
}

// dispatchVideo sends through the staging queue: staged packets flush first,
// WouldBlock stages the packet and evicts the oldest non-key frame when the
// queue is full.
func (s *Sender) dispatchVideo(p *packet.MediaPacket) {
	s.staging.push(p, s.metrics.RecordDrop)

	for {
		head := s.staging.peek()
		if head == nil {
			return
		}
		err := s.session.Send(head)
		switch {
		case err == nil:
			s.staging.pop()
			s.metrics.RecordSend(packet.EncodedSize(head))
			s.markRunning()
		case hyerrors.IsWouldBlock(err):
			// Leave the queue as is; the next frame retries after eviction.
			return
		case hyerrors.IsClosed(err):
			go s.shutdown(nil)
			return
		default:
			s.log.Warn("video send failed", "error", err)
			go s.shutdown(err)
			return
		}
	}
}

func (s *Sender) audioLoop() {
	var failingSince time.Time

	for {
		select {
		case <-s.done:
			return
		default:
		}

		block, err := s.source.PollAudio()
		if err != nil {
			if hyerrors.IsClosed(err) {
				return
			}
			s.log.Warn("audio capture failed", "error", err)
			continue
		}

		if err := s.audioEnc.Submit(block); err != nil {
			if !failingSince.IsZero() && time.Since(failingSince) <= codecFailureWindow {
				go s.shutdown(hyerrors.NewCodecFailure("audio encode", err))
				return
			}
			failingSince = time.Now()
			s.log.Warn("audio codec error, resetting", "error", err)
			if resetErr := s.audioEnc.Reset(); resetErr != nil {
				go s.shutdown(hyerrors.NewCodecFailure("audio encoder reset", resetErr))
				return
			}
			continue
		}

		for {
			unit, err := s.audioEnc.Drain()
			if err != nil || unit == nil {
				break
			}
			failingSince = time.Time{}
			s.sendAudio(&packet.MediaPacket{
				Kind:      packet.KindAudio,
				Flags:     unit.Flags,
				Timestamp: unit.Timestamp,
				Payload:   unit.Data,
			})
		}
	}
}

// sendAudio retries through backpressure; audio is only abandoned when the
// session closes.
func (s *Sender) sendAudio(p *packet.MediaPacket) {
	for {
		err := s.session.Send(p)
		switch {
		case err == nil:
			s.metrics.RecordSend(packet.EncodedSize(p))
			s.markRunning()
			return
		case hyerrors.IsWouldBlock(err):
			select {
			case <-s.done:
				return
			case <-time.After(2 * time.Millisecond):
			}
		case hyerrors.IsClosed(err):
			go s.shutdown(nil)
			return
		default:
			s.log.Warn("audio send failed", "error", err)
			go s.shutdown(err)
			return
		}
	}
}

// markRunning flips Starting→Running on the first successful send.
func (s *Sender) markRunning() {
	s.stateMu.Lock()
	if s.state == StateStarting {
		s.stateMu.Unlock()
		s.setState(StateRunning)
		return
	}
	s.stateMu.Unlock()
}

// refreshLoop forces a key frame for every refresh demand from the session:
// decoder-requested refresh or a new subscriber.
func (s *Sender) refreshLoop(src transport.RefreshSource) {
	var lastKF time.Time
	for {
		select {
		case <-s.done:
			return
		case <-src.RefreshRequests():
			// Rate-limit key-frame forcing.
			if time.Since(lastKF) < 500*time.Millisecond {
				continue
			}
			lastKF = time.Now()
			s.log.Debug("key frame refresh requested")
			_ = s.videoEnc.RequestKeyFrame()
		}
	}
}

func (s *Sender) metricsLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			snap := s.metrics.Snapshot()
			s.log.Info("sender metrics",
				"captured", snap.FramesCaptured,
				"encoded", snap.FramesEncoded,
				"sent", snap.FramesSent,
				"dropped", snap.FramesDropped,
				"encodeMs", snap.EncodeMs,
				"frameBytes", snap.LastFrameSize,
				"bandwidthKBps", snap.BandwidthKBps,
				"uptime", snap.Uptime.Round(time.Second),
			)
		}
	}
}

// stagingQueue is the bounded buffer between encoder output and the
// session. Non-key packets are evicted first; a key frame is evicted only
// when every staged packet is one.
type stagingQueue struct {
	mu       sync.Mutex
	capacity int
	items    []*packet.MediaPacket
}

func newStagingQueue(capacity int) *stagingQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &stagingQueue{capacity: capacity}
}

// push appends a packet, evicting the oldest non-key packet when full.
// onDrop is called for each eviction. When every staged packet is a key
// frame, the oldest is evicted anyway so the stream keeps moving.
func (q *stagingQueue) push(p *packet.MediaPacket, onDrop func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.capacity {
		evicted := false
		for i, staged := range q.items {
			if !staged.Flags.Has(packet.FlagKeyFrame) {
				q.items = append(q.items[:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			q.items = q.items[1:]
		}
		if onDrop != nil {
			onDrop()
		}
	}
	q.items = append(q.items, p)
}

func (q *stagingQueue) peek() *packet.MediaPacket {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *stagingQueue) pop() {
	q.mu.Lock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
	q.mu.Unlock()
}

func (q *stagingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
