// Package sender wires capture through the encoders into a transport
// session and publishes the stream description over discovery.
package sender

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/hylarana/hylarana/internal/capture"
	"github.com/hylarana/hylarana/internal/clock"
	"github.com/hylarana/hylarana/internal/codec"
	"github.com/hylarana/hylarana/internal/config"
	"github.com/hylarana/hylarana/internal/discovery"
	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/internal/stats"
	"github.com/hylarana/hylarana/internal/transport"
	"github.com/hylarana/hylarana/pkg/models"

	// Delivery strategies register themselves with the transport façade.
	_ "github.com/hylarana/hylarana/internal/transport/multicast"
	_ "github.com/hylarana/hylarana/internal/transport/reliable"
)

var log = logging.L("sender")

// State is the orchestrator lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sender owns one outbound stream: capture source, encoders, transport
// session. On Stop the encoders are released first, then the transport
// session, then the capture source.
type Sender struct {
	log      *slog.Logger
	cfg      *config.Config
	streamID string

	source   capture.Source
	videoEnc codec.VideoEncoder
	audioEnc codec.AudioEncoder
	session  transport.Session
	svc      *discovery.Service
	metrics  *stats.StreamMetrics

	stateMu sync.Mutex
	state   State

	staging *stagingQueue

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	onClosed func(error)
	closedMu sync.Mutex
	closed   bool
}

// Start allocates capture, encoders, and the transport session, publishes
// the stream description, and begins feeding. The source is owned by the
// sender from here on.
func Start(cfg *config.Config, source capture.Source, svc *discovery.Service, onClosed func(error)) (*Sender, error) {
	streamID := uuid.NewString()
	s := &Sender{
		log:      logging.WithSession(log, streamID),
		cfg:      cfg,
		streamID: streamID,
		source:   source,
		svc:      svc,
		metrics:  stats.New(),
		state:    StateIdle,
		staging:  newStagingQueue(2),
		done:     make(chan struct{}),
		onClosed: onClosed,
	}

	s.setState(StateStarting)
	if err := s.allocate(); err != nil {
		s.teardown()
		s.setState(StateIdle)
		return nil, err
	}

	s.publishDescription()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.videoLoop()
	}()
	if s.audioEnc != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.audioLoop()
		}()
	}
	if src, ok := s.session.(transport.RefreshSource); ok {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.refreshLoop(src)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.metricsLoop()
	}()

	s.log.Info("sender started", "strategy", s.cfg.Strategy, "addr", s.sessionAddr())
	return s, nil
}

// StreamID returns the advertised stream identity.
func (s *Sender) StreamID() string { return s.streamID }

// Metrics returns the live counters.
func (s *Sender) Metrics() *stats.StreamMetrics { return s.metrics }

func (s *Sender) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Sender) setState(next State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()
	if prev != next {
		s.log.Info("sender state changed", "from", prev.String(), "to", next.String())
	}
}

func (s *Sender) allocate() error {
	video := s.cfg.VideoDescriptor()
	videoEnc, err := codec.NewVideoEncoder(*video, true)
	if err != nil {
		return fmt.Errorf("allocate video encoder: %w", err)
	}
	s.videoEnc = videoEnc

	if audio := s.cfg.AudioDescriptor(); audio != nil {
		audioEnc, err := codec.NewOpusEncoder(*audio)
		if err != nil {
			s.videoEnc.Close()
			s.videoEnc = nil
			return fmt.Errorf("allocate audio encoder: %w", err)
		}
		s.audioEnc = audioEnc
	}

	session, err := transport.OpenSender(
		s.cfg.TransportOptions(),
		models.TransportStrategy(s.cfg.Strategy),
		s.sessionAddr(),
		s.streamID,
	)
	if err != nil {
		if s.audioEnc != nil {
			s.audioEnc.Close()
			s.audioEnc = nil
		}
		s.videoEnc.Close()
		s.videoEnc = nil
		return fmt.Errorf("open sender session: %w", err)
	}
	s.session = session
	return nil
}

func (s *Sender) sessionAddr() string {
	if models.TransportStrategy(s.cfg.Strategy) == models.StrategyMulticast {
		return s.cfg.MulticastAddr
	}
	return s.cfg.Addr
}

// publishDescription advertises the stream over discovery. Receivers
// substitute the discovered peer IP for the host of the direct listen
// address.
func (s *Sender) publishDescription() {
	desc := &models.StreamDescription{
		ID: s.streamID,
		Transport: models.TransportDescriptor{
			Strategy: models.TransportStrategy(s.cfg.Strategy),
			Addr:     s.sessionAddr(),
			Options:  s.cfg.TransportOptions(),
		},
		Video: s.cfg.VideoDescriptor(),
		Audio: s.cfg.AudioDescriptor(),
	}

	port := 0
	if _, portStr, err := net.SplitHostPort(s.sessionAddr()); err == nil {
		port, _ = strconv.Atoi(portStr)
	}

	payload := &models.ServicePayload{
		Targets: nil, // broadcast
		Name:    s.cfg.Name,
		Kind:    discovery.CurrentKind(),
		Metadata: &models.ServiceMetadata{
			Port:        port,
			Description: desc,
		},
	}
	data, err := payload.Marshal()
	if err != nil {
		s.log.Error("failed to marshal service payload", "error", err)
		return
	}
	if s.svc != nil {
		s.svc.SetMetadata(data)
	}
}

// publishIdle updates discovery to "no active stream".
func (s *Sender) publishIdle() {
	if s.svc == nil {
		return
	}
	payload := &models.ServicePayload{
		Name: s.cfg.Name,
		Kind: discovery.CurrentKind(),
	}
	data, err := payload.Marshal()
	if err != nil {
		return
	}
	s.svc.SetMetadata(data)
}

// Stop ends the stream: external stop is one of the Running→Closing edges.
func (s *Sender) Stop() {
	s.shutdown(nil)
}

// shutdown is the single Running→Closing edge. It is idempotent.
func (s *Sender) shutdown(reason error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		if reason != nil {
			s.log.Error("sender closing", "error", reason)
		}

		// Best-effort end-of-stream markers before the session drains.
		if s.session != nil {
			s.sendEndOfStream()
		}

		close(s.done)
		s.teardown()
		s.publishIdle()
		s.setState(StateIdle)

		s.closedMu.Lock()
		cb := s.onClosed
		alreadyClosed := s.closed
		s.closed = true
		s.closedMu.Unlock()
		if cb != nil && !alreadyClosed {
			cb(reason)
		}
		s.log.Info("sender stopped")
	})
	s.wg.Wait()
}

func (s *Sender) sendEndOfStream() {
	kinds := []packet.StreamKind{packet.KindVideo}
	if s.audioEnc != nil {
		kinds = append(kinds, packet.KindAudio)
	}
	for _, kind := range kinds {
		_ = s.session.Send(&packet.MediaPacket{
			Kind:      kind,
			Flags:     packet.FlagEndOfStream,
			Timestamp: clock.Now(),
		})
	}
}

// teardown releases encoder, then transport, then capture. The loops see
// closed handles and exit; handles stay set so no loop races a nil.
func (s *Sender) teardown() {
	if s.videoEnc != nil {
		s.videoEnc.Close()
	}
	if s.audioEnc != nil {
		s.audioEnc.Close()
	}
	if s.session != nil {
		s.session.Close()
	}
	if s.source != nil {
		s.source.Close()
	}
}
