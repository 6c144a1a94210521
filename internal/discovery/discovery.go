// Package discovery advertises this node on the LAN and watches for peers,
// using mDNS service records under a topic-derived service type. The
// metadata payload is opaque to this layer; orchestrators put the stream
// description wrapper in it.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/internal/workerpool"
)

var log = logging.L("discovery")

// Discovery owns one UDP multicast endpoint, so it is process-wide state:
// initialized on first use, shut down at process exit.
var (
	globalMu sync.Mutex
	global   *Service
)

// Init creates the process-wide discovery service. Calling it again returns
// the existing instance; topic changes require a Shutdown first.
func Init(topic, name string, lease time.Duration, observer Observer) (*Service, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return global, nil
	}
	svc, err := newService(topic, name, lease, observer)
	if err != nil {
		return nil, err
	}
	global = svc
	return svc, nil
}

// Shutdown stops the process-wide service. Observer callbacks do not outlive
// this call.
func Shutdown() {
	globalMu.Lock()
	svc := global
	global = nil
	globalMu.Unlock()

	if svc != nil {
		svc.close()
	}
}

// Service is the LAN advertising and subscription endpoint.
type Service struct {
	localID string
	name    string
	topic   string
	lease   time.Duration

	server   *zeroconf.Server
	resolver *zeroconf.Resolver
	table    *peerTable
	observer Observer
	pool     *workerpool.Pool

	mu       sync.Mutex
	metadata []byte

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

const advertisePort = 5353

func serviceType(topic string) string {
	return fmt.Sprintf("_%s._udp", topic)
}

func newService(topic, name string, lease time.Duration, observer Observer) (*Service, error) {
	if lease < 2*time.Second {
		lease = 2 * time.Second
	}
	localID := uuid.NewString()

	server, err := zeroconf.Register(localID, serviceType(topic), "local.", advertisePort,
		encodeTXT(localID, nil), nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	server.TTL(uint32(lease / time.Second))

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("create mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		localID:  localID,
		name:     name,
		topic:    topic,
		lease:    lease,
		server:   server,
		resolver: resolver,
		table:    newPeerTable(localID),
		observer: observer,
		pool:     workerpool.New(2, 128),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := resolver.Browse(ctx, serviceType(topic), "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		return nil, fmt.Errorf("browse mdns: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.browseLoop(entries)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.leaseLoop()
	}()

	log.Info("discovery service started", "topic", topic, "localId", localID, "name", name, "lease", lease)
	return s, nil
}

// LocalID returns the stable identifier this node advertises.
func (s *Service) LocalID() string { return s.localID }

// SetMetadata replaces the advertised metadata payload and broadcasts a
// fresh announcement.
func (s *Service) SetMetadata(metadata []byte) {
	s.mu.Lock()
	s.metadata = append([]byte(nil), metadata...)
	txt := encodeTXT(s.localID, s.metadata)
	s.mu.Unlock()

	s.server.SetText(txt)
	log.Debug("metadata updated", "bytes", len(metadata))
}

// Peers lists the currently known remote nodes.
func (s *Service) Peers() []Peer {
	return s.table.snapshot()
}

func (s *Service) browseLoop(entries <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-s.done:
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			s.handleEntry(entry)
		}
	}
}

func (s *Service) handleEntry(entry *zeroconf.ServiceEntry) {
	remoteID, metadata, err := decodeTXT(entry.Text)
	if err != nil {
		log.Debug("ignoring announcement with bad metadata", "instance", entry.Instance, "error", err)
		return
	}
	if remoteID == "" {
		remoteID = entry.Instance
	}

	ip := ""
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	}

	if entry.TTL == 0 {
		// Goodbye packet.
		s.dispatch(s.table.goodbye(remoteID))
		return
	}

	lease := s.lease
	if entry.TTL > 0 {
		lease = time.Duration(entry.TTL) * time.Second
	}
	s.dispatch(s.table.sighting(remoteID, ip, metadata, lease, time.Now()))
}

// dispatch hands observer callbacks to the worker pool so network I/O never
// blocks on observer code.
func (s *Service) dispatch(events []peerEvent) {
	for _, ev := range events {
		ev := ev
		submitted := s.pool.Submit(func() {
			switch ev.kind {
			case "online":
				log.Info("peer online", "peer", ev.remoteID, "ip", ev.ip)
				s.observer.OnLine(s.localID, ev.remoteID, ev.ip)
			case "offline":
				log.Info("peer offline", "peer", ev.remoteID, "ip", ev.ip)
				s.observer.OffLine(s.localID, ev.remoteID, ev.ip)
			case "metadata":
				log.Debug("peer metadata", "peer", ev.remoteID, "bytes", len(ev.metadata))
				s.observer.OnMetadata(s.localID, ev.remoteID, ev.ip, ev.metadata)
			}
		})
		if !submitted {
			log.Warn("observer queue full, dropping event", "kind", ev.kind, "peer", ev.remoteID)
		}
	}
}

// leaseLoop re-announces at half the lease and expires silent peers.
func (s *Service) leaseLoop() {
	ticker := time.NewTicker(s.lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			txt := encodeTXT(s.localID, s.metadata)
			s.mu.Unlock()
			s.server.SetText(txt)

			s.dispatch(s.table.sweep(time.Now()))
		}
	}
}

func (s *Service) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		// Shutdown sends the mDNS goodbye so peers drop us promptly.
		s.server.Shutdown()

		s.pool.StopAccepting()
		drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.pool.Drain(drainCtx)

		s.wg.Wait()
		log.Info("discovery service stopped")
	})
}
