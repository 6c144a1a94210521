package receiver

import (
	"time"

	"github.com/hylarana/hylarana/internal/codec"
	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/internal/transport"
)

// The decoder driver: pull packets from the session, feed the codecs, hand
// decoded output to the renderer. Gaps flush video to the next key frame and
// request a refresh over the sideband when the transport has one; on
// multicast the driver just waits for the next periodic key frame.

const codecFailureWindow = 5 * time.Second

func (r *Receiver) receiveLoop() {
	// The first delivered video packet after session open must be a key
	// frame; until one arrives, video is discarded.
	waitingForKey := true
	var lastRefresh time.Time
	var failingSince time.Time

	for {
		select {
		case <-r.done:
			return
		default:
		}

		pkt, err := r.session.Receive()
		if err != nil {
			if hyerrors.IsGap(err) {
				r.metrics.RecordGap()
				waitingForKey = true
				r.requestRefresh(&lastRefresh)
				_ = r.videoDec.Reset()
				continue
			}
			if hyerrors.IsClosed(err) {
				go r.shutdown(nil)
				return
			}
			go r.shutdown(err)
			return
		}

		switch pkt.Kind {
		case packet.KindVideo:
			if pkt.Flags.Has(packet.FlagEndOfStream) {
				r.log.Info("video end of stream")
				go r.shutdown(nil)
				return
			}
			if waitingForKey && !pkt.Flags.Has(packet.FlagKeyFrame) && !pkt.Flags.Has(packet.FlagConfigHeader) {
				r.metrics.RecordDrop()
				r.requestRefresh(&lastRefresh)
				continue
			}
			if pkt.Flags.Has(packet.FlagKeyFrame) {
				waitingForKey = false
			}
			if !r.decodeVideo(pkt, &failingSince) {
				return
			}

		case packet.KindAudio:
			if pkt.Flags.Has(packet.FlagEndOfStream) {
				continue
			}
			r.decodeAudio(pkt)
		}
	}
}

// requestRefresh asks the sender for a key frame through the reliable
// sideband, rate limited. Multicast sessions have no sideband; the next
// periodic key frame recovers the stream.
func (r *Receiver) requestRefresh(lastRefresh *time.Time) {
	req, ok := r.session.(transport.RefreshRequester)
	if !ok {
		return
	}
	if time.Since(*lastRefresh) < 500*time.Millisecond {
		return
	}
	*lastRefresh = time.Now()
	if err := req.RequestKeyFrame(); err != nil {
		r.log.Debug("key frame request failed", "error", err)
	}
}

// decodeVideo runs one packet through the decoder and queues the output,
// returning false when the pipeline must stop.
func (r *Receiver) decodeVideo(pkt *packet.MediaPacket, failingSince *time.Time) bool {
	unit := &codec.EncodedUnit{Data: pkt.Payload, Flags: pkt.Flags, Timestamp: pkt.Timestamp}
	if err := r.videoDec.Submit(unit); err != nil {
		return r.recoverVideo(err, failingSince)
	}

	for {
		frame, err := r.videoDec.Drain()
		if err != nil {
			return r.recoverVideo(err, failingSince)
		}
		if frame == nil {
			return true
		}
		*failingSince = time.Time{}
		r.metrics.RecordDecode()

		// Output-side backpressure: when the surface has not kept up, drop
		// the frame instead of stalling the session.
		select {
		case r.videoCh <- frame:
		case <-r.done:
			return false
		default:
			r.metrics.RecordDrop()
		}
	}
}

// recoverVideo resets the decoder once; a repeated failure within the window
// of that reset, with no decoded frame in between, is fatal to the pipeline.
func (r *Receiver) recoverVideo(err error, failingSince *time.Time) bool {
	if !failingSince.IsZero() && time.Since(*failingSince) <= codecFailureWindow {
		go r.shutdown(hyerrors.NewCodecFailure("video decode", err))
		return false
	}
	*failingSince = time.Now()
	r.log.Warn("video decoder error, resetting", "error", err)
	if resetErr := r.videoDec.Reset(); resetErr != nil {
		go r.shutdown(hyerrors.NewCodecFailure("video decoder reset", resetErr))
		return false
	}
	return true
}

func (r *Receiver) decodeAudio(pkt *packet.MediaPacket) {
	if r.audioDec == nil {
		return
	}
	unit := &codec.EncodedUnit{Data: pkt.Payload, Flags: pkt.Flags, Timestamp: pkt.Timestamp}
	if err := r.audioDec.Submit(unit); err != nil {
		r.log.Warn("audio decoder error, resetting", "error", err)
		_ = r.audioDec.Reset()
		return
	}
	for {
		block, err := r.audioDec.Drain()
		if err != nil || block == nil {
			return
		}
		if err := r.renderer.PlayAudio(block); err != nil {
			r.log.Debug("audio sink write failed", "error", err)
			return
		}
	}
}

// presentLoop drains decoded frames into the renderer, which schedules them
// against the presentation clock.
func (r *Receiver) presentLoop() {
	for {
		select {
		case <-r.done:
			return
		case frame := <-r.videoCh:
			if err := r.renderer.PresentVideo(frame); err != nil {
				if !hyerrors.IsClosed(err) {
					r.log.Warn("present failed", "error", err)
				}
				return
			}
		}
	}
}
