package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hylarana/hylarana/internal/capture"
	"github.com/hylarana/hylarana/internal/config"
	"github.com/hylarana/hylarana/internal/discovery"
	"github.com/hylarana/hylarana/internal/receiver"
	"github.com/hylarana/hylarana/internal/render"
	"github.com/hylarana/hylarana/internal/sender"
	"github.com/hylarana/hylarana/pkg/models"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// noopObserver satisfies discovery for the sending side, which only
// announces.
type noopObserver struct{}

func (noopObserver) OnLine(_, _, _ string)               {}
func (noopObserver) OffLine(_, _, _ string)              {}
func (noopObserver) OnMetadata(_, _, _ string, _ []byte) {}

func runSender() {
	cfg := loadConfig()

	svc, err := discovery.Init(cfg.Topic, cfg.Name, time.Duration(cfg.LeaseSeconds)*time.Second, noopObserver{})
	if err != nil {
		log.Error("failed to start discovery", "error", err)
		os.Exit(1)
	}
	defer discovery.Shutdown()

	// Platform capture backends attach behind capture.Source; the built-in
	// synthetic source drives the pipeline until one is wired up.
	source, err := capture.NewSynthetic(*cfg.VideoDescriptor(), cfg.AudioDescriptor())
	if err != nil {
		log.Error("failed to open capture source", "error", err)
		os.Exit(1)
	}

	closed := make(chan error, 1)
	snd, err := sender.Start(cfg, source, svc, func(reason error) {
		closed <- reason
	})
	if err != nil {
		log.Error("failed to start sender", "error", err)
		os.Exit(1)
	}

	fmt.Printf("casting as stream %s (ctrl-c to stop)\n", snd.StreamID())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		snd.Stop()
	case reason := <-closed:
		if reason != nil {
			log.Error("sender closed", "error", reason)
			os.Exit(1)
		}
	}
}

// streamWatcher resolves a stream description from discovery announcements.
type streamWatcher struct {
	wantID string

	mu      sync.Mutex
	localID string

	found  chan *foundStream
	notify sync.Once
}

func (w *streamWatcher) setLocalID(id string) {
	w.mu.Lock()
	w.localID = id
	w.mu.Unlock()
}

type foundStream struct {
	desc *models.StreamDescription
	ip   string
}

func (w *streamWatcher) OnLine(_, _, _ string)  {}
func (w *streamWatcher) OffLine(_, _, _ string) {}

func (w *streamWatcher) OnMetadata(_, remoteID, ip string, metadata []byte) {
	payload, err := models.UnmarshalServicePayload(metadata)
	if err != nil || payload.Metadata == nil || payload.Metadata.Description == nil {
		return
	}
	w.mu.Lock()
	localID := w.localID
	w.mu.Unlock()
	if !payload.TargetedAt(localID) {
		return
	}
	desc := payload.Metadata.Description
	if w.wantID != "" && desc.ID != w.wantID && remoteID != w.wantID {
		return
	}
	w.notify.Do(func() {
		w.found <- &foundStream{desc: desc, ip: ip}
	})
}

func runReceiver(wantID string) {
	cfg := loadConfig()

	watcher := &streamWatcher{wantID: wantID, found: make(chan *foundStream, 1)}
	svc, err := discovery.Init(cfg.Topic, cfg.Name, time.Duration(cfg.LeaseSeconds)*time.Second, watcher)
	if err != nil {
		log.Error("failed to start discovery", "error", err)
		os.Exit(1)
	}
	watcher.setLocalID(svc.LocalID())
	defer discovery.Shutdown()

	fmt.Println("waiting for a stream announcement...")
	var stream *foundStream
	select {
	case stream = <-watcher.found:
	case <-time.After(resolveTimeout(cfg)):
		if wantID != "" {
			log.Error("sender not advertised", "id", wantID)
		} else {
			log.Error("no stream advertised on the topic", "topic", cfg.Topic)
		}
		os.Exit(1)
	}

	// The GPU surface and audio device attach behind these interfaces; the
	// null sinks keep the pipeline observable from the CLI.
	surface := &render.NullSurface{}
	sink := &render.NullSink{}

	closed := make(chan error, 1)
	recv, err := receiver.Start(cfg, stream.desc, stream.ip, surface, sink, func(reason error) {
		closed <- reason
	})
	if err != nil {
		log.Error("failed to start receiver", "error", err)
		os.Exit(1)
	}

	fmt.Printf("receiving stream %s from %s (ctrl-c to stop)\n", stream.desc.ID, stream.ip)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		recv.Stop()
	case reason := <-closed:
		if reason != nil {
			log.Error("receiver closed", "error", reason)
			os.Exit(1)
		}
	}
	fmt.Printf("presented %d frames\n", surface.Frames())
}

func resolveTimeout(cfg *config.Config) time.Duration {
	// Two leases cover the discovery liveness bound.
	return 2 * time.Duration(cfg.LeaseSeconds) * time.Second
}
