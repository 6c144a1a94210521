// Package receiver resolves a stream description, opens the transport
// session, and wires the decoders to the renderer.
package receiver

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hylarana/hylarana/internal/codec"
	"github.com/hylarana/hylarana/internal/config"
	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/internal/media"
	"github.com/hylarana/hylarana/internal/render"
	"github.com/hylarana/hylarana/internal/stats"
	"github.com/hylarana/hylarana/internal/transport"
	"github.com/hylarana/hylarana/pkg/models"

	// Delivery strategies register themselves with the transport façade.
	_ "github.com/hylarana/hylarana/internal/transport/multicast"
	_ "github.com/hylarana/hylarana/internal/transport/reliable"
)

var log = logging.L("receiver")

// Receiver owns one inbound stream: transport session, decoders, renderer.
type Receiver struct {
	log  *slog.Logger
	desc *models.StreamDescription

	session  transport.Session
	videoDec codec.VideoDecoder
	audioDec codec.AudioDecoder
	renderer *render.Renderer
	metrics  *stats.StreamMetrics

	// videoCh is the output-side backpressure boundary toward the surface.
	videoCh chan *media.VideoFrame

	frameInterval time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	onClosed func(error)
	closedMu sync.Mutex
	notified bool
}

// ResolveAddr fills the discovered peer IP into a direct-mode address; relay
// and multicast addresses are used as advertised.
func ResolveAddr(desc *models.StreamDescription, peerIP string) string {
	if desc.Transport.Strategy != models.StrategyDirect || peerIP == "" {
		return desc.Transport.Addr
	}
	_, port, err := net.SplitHostPort(desc.Transport.Addr)
	if err != nil {
		return desc.Transport.Addr
	}
	return net.JoinHostPort(peerIP, port)
}

// Start opens the session described by desc and runs the receive pipeline.
// surface and sink may be nil to discard the respective substream. onClosed
// fires once with the close reason (nil for a caller stop).
func Start(cfg *config.Config, desc *models.StreamDescription, peerIP string, surface render.Surface, sink render.AudioSink, onClosed func(error)) (*Receiver, error) {
	if desc == nil || desc.Video == nil {
		return nil, hyerrors.NewNotFound("stream description with video")
	}

	r := &Receiver{
		log:      logging.WithSession(log, desc.ID),
		desc:     desc,
		metrics:  stats.New(),
		videoCh:  make(chan *media.VideoFrame, 2),
		done:     make(chan struct{}),
		onClosed: onClosed,
	}
	r.frameInterval = time.Second / time.Duration(desc.Video.FPS)

	addr := ResolveAddr(desc, peerIP)
	session, err := transport.OpenReceiver(desc.Transport.Options, desc.Transport.Strategy, addr, desc.ID)
	if err != nil {
		return nil, fmt.Errorf("open receiver session: %w", err)
	}
	r.session = session

	videoDec, err := codec.NewVideoDecoder(*desc.Video, true)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("allocate video decoder: %w", err)
	}
	r.videoDec = videoDec

	if desc.Audio != nil {
		audioDec, err := codec.NewOpusDecoder(*desc.Audio)
		if err != nil {
			videoDec.Close()
			session.Close()
			return nil, fmt.Errorf("allocate audio decoder: %w", err)
		}
		r.audioDec = audioDec
	}

	latency := time.Duration(desc.Transport.Options.Latency) * time.Millisecond
	r.renderer = render.New(surface, sink, latency, r.metrics)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.receiveLoop()
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.presentLoop()
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.metricsLoop()
	}()

	r.log.Info("receiver started", "strategy", desc.Transport.Strategy, "addr", addr)
	return r, nil
}

// Metrics returns the live counters.
func (r *Receiver) Metrics() *stats.StreamMetrics { return r.metrics }

// Stop closes the receiver. Safe to call any number of times.
func (r *Receiver) Stop() {
	r.shutdown(nil)
}

func (r *Receiver) shutdown(reason error) {
	r.closeOnce.Do(func() {
		if reason != nil {
			r.log.Error("receiver closing", "error", reason)
		}
		close(r.done)

		// Release in reverse order of acquisition: renderer, decoders,
		// transport.
		r.renderer.Close()
		if r.audioDec != nil {
			r.audioDec.Close()
		}
		r.videoDec.Close()
		r.session.Close()

		r.closedMu.Lock()
		cb := r.onClosed
		already := r.notified
		r.notified = true
		r.closedMu.Unlock()
		if cb != nil && !already {
			cb(reason)
		}
		r.log.Info("receiver stopped")
	})
	r.wg.Wait()
}

func (r *Receiver) metricsLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			snap := r.metrics.Snapshot()
			r.log.Info("receiver metrics",
				"decoded", snap.FramesDecoded,
				"presented", snap.FramesPresented,
				"skipped", snap.FramesSkipped,
				"dropped", snap.FramesDropped,
				"gaps", snap.GapsReported,
				"uptime", snap.Uptime.Round(time.Second),
			)
		}
	}
}
