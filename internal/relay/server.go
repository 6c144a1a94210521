// Package relay implements the rendezvous server for relay-mode streams: a
// UDP data plane that fans the sender's cells out to every subscriber of a
// stream id, and a websocket control plane for stream membership.
package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/internal/workerpool"
)

var log = logging.L("relay")

// Cell type values shared with the reliable transport wire format.
const (
	cellData      = 0x00
	cellParity    = 0x01
	cellHello     = 0x02
	cellHelloAck  = 0x03
	cellEstablish = 0x04
	cellAck       = 0x05
	cellFeedback  = 0x06
	cellHeartbeat = 0x07
	cellClose     = 0x08

	protocolVersion = 1

	roleReceiver = 0
	roleSender   = 1
)

// Server is the relay rendezvous node.
type Server struct {
	udp  *net.UDPConn
	http *http.Server
	hub  *hub
	pool *workerpool.Pool

	// clients tracks live control connections; Shutdown does not reach
	// hijacked websockets, so Close stops them itself.
	clientsMu sync.Mutex
	clients   map[*controlClient]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// endpoint is one UDP peer of a stream.
type endpoint struct {
	addr    *net.UDPAddr
	session uint32
	lastAck uint32
	ackedAt time.Time
}

// stream is the fan-out state for one stream id.
type stream struct {
	id        string
	sender    *endpoint
	receivers map[string]*endpoint // keyed by addr string
	control   *controlClient       // the announcing sender's control conn
	maxSeq    uint32
	seqSeen   bool
}

type hub struct {
	mu       sync.Mutex
	streams  map[string]*stream
	byAddr   map[string]*stream // UDP addr -> stream
	maxPeers int
}

// New creates a relay server bound to addr (UDP data plane and TCP control
// plane share the port number).
func New(addr string) (*Server, error) {
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve relay addr %q: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen relay udp: %w", err)
	}

	s := &Server{
		udp: udp,
		hub: &hub{
			streams:  make(map[string]*stream),
			byAddr:   make(map[string]*stream),
			maxPeers: 1024,
		},
		pool:    workerpool.New(4, 256),
		clients: make(map[*controlClient]struct{}),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleControl)
	// With an ephemeral port request, the control plane follows the port the
	// data plane actually got, so both share one advertised address.
	httpAddr := addr
	if laddr.Port == 0 {
		httpAddr = udp.LocalAddr().String()
	}
	s.http = &http.Server{Addr: httpAddr, Handler: mux}

	return s, nil
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.udpLoop()
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control listener failed", "error", err)
		}
	}()

	log.Info("relay server running", "addr", s.udp.LocalAddr().String())
	<-ctx.Done()
	return s.Close()
}

// Addr returns the bound UDP address, useful with an ephemeral port.
func (s *Server) Addr() string {
	return s.udp.LocalAddr().String()
}

func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.udp.Close()

		s.clientsMu.Lock()
		for client := range s.clients {
			client.stop()
		}
		s.clientsMu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)

		s.pool.StopAccepting()
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelDrain()
		s.pool.Drain(drainCtx)

		s.wg.Wait()
		log.Info("relay server stopped")
	})
	return nil
}

func (s *Server) udpLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Error("relay udp read failed", "error", err)
			}
			return
		}
		if n < 5 {
			continue
		}
		s.handleCell(buf[:n], from)
	}
}

func (s *Server) handleCell(cell []byte, from *net.UDPAddr) {
	switch cell[0] {
	case cellHello:
		s.handleHello(cell, from)
	case cellEstablish:
		// Handshake completion needs no relay state.
	case cellData, cellParity:
		s.forwardDownstream(cell, from, true)
	case cellHeartbeat:
		// Echo liveness back so both half-sessions stay alive, and keep
		// fan-out receivers warm.
		_, _ = s.udp.WriteToUDP(cell, from)
	case cellFeedback:
		s.forwardUpstream(cell, from)
	case cellAck:
		// Receiver acks terminate here; the relay is the sender's ack peer.
	case cellClose:
		s.handleClose(cell, from)
	}
}

// handleHello registers the peer on its stream and answers the handshake.
// The relay accepts the offered mtu/latency unchanged; end-to-end limits are
// negotiated by configuration, not by the relay.
func (s *Server) handleHello(cell []byte, from *net.UDPAddr) {
	h, err := parseHello(cell)
	if err != nil || h.version != protocolVersion {
		return
	}

	s.hub.mu.Lock()
	st := s.hub.lockedStream(h.streamID)
	var ep *endpoint
	if h.role == roleSender {
		if st.sender != nil && st.sender.addr.String() != from.String() {
			s.hub.mu.Unlock()
			log.Warn("rejecting second sender for stream", "stream", h.streamID, "from", from.String())
			return
		}
		if st.sender == nil {
			st.sender = &endpoint{addr: from, session: uuid.New().ID()}
			s.hub.byAddr[from.String()] = st
			log.Info("sender registered", "stream", h.streamID, "peer", from.String())
		}
		ep = st.sender
	} else {
		ep = st.receivers[from.String()]
		if ep == nil {
			if len(st.receivers) >= s.hub.maxPeers {
				s.hub.mu.Unlock()
				log.Warn("receiver limit reached", "stream", h.streamID)
				return
			}
			ep = &endpoint{addr: from, session: uuid.New().ID()}
			st.receivers[from.String()] = ep
			s.hub.byAddr[from.String()] = st
			log.Info("receiver registered", "stream", h.streamID, "peer", from.String())
		}
	}
	ack := encodeHelloAck(ep.session, h.mtu, h.latency)
	s.hub.mu.Unlock()

	_, _ = s.udp.WriteToUDP(ack, from)
}

// forwardDownstream relays sender cells to all subscribers and acknowledges
// data cells on the sender's behalf.
func (s *Server) forwardDownstream(cell []byte, from *net.UDPAddr, ack bool) {
	s.hub.mu.Lock()
	st := s.hub.byAddr[from.String()]
	if st == nil || st.sender == nil || st.sender.addr.String() != from.String() {
		s.hub.mu.Unlock()
		return
	}

	targets := make([]*net.UDPAddr, 0, len(st.receivers))
	for _, r := range st.receivers {
		targets = append(targets, r.addr)
	}

	var ackBuf []byte
	if ack && cell[0] == cellData && len(cell) >= 9 {
		seq := binary.BigEndian.Uint32(cell[5:9])
		if !st.seqSeen || int32(seq-st.maxSeq) > 0 {
			st.maxSeq = seq
			st.seqSeen = true
		}
		if time.Since(st.sender.ackedAt) >= 20*time.Millisecond {
			st.sender.ackedAt = time.Now()
			ackBuf = encodeAckCell(st.sender.session, st.maxSeq)
		}
	}
	s.hub.mu.Unlock()

	for _, target := range targets {
		_, _ = s.udp.WriteToUDP(cell, target)
	}
	if ackBuf != nil {
		_, _ = s.udp.WriteToUDP(ackBuf, from)
	}
}

// forwardUpstream relays receiver feedback (ARQ nacks, key-frame requests)
// to the stream's sender.
func (s *Server) forwardUpstream(cell []byte, from *net.UDPAddr) {
	s.hub.mu.Lock()
	st := s.hub.byAddr[from.String()]
	var sender *net.UDPAddr
	if st != nil && st.sender != nil && st.sender.addr.String() != from.String() {
		sender = st.sender.addr
	}
	s.hub.mu.Unlock()

	if sender != nil {
		_, _ = s.udp.WriteToUDP(cell, sender)
	}
}

func (s *Server) handleClose(cell []byte, from *net.UDPAddr) {
	s.hub.mu.Lock()
	st := s.hub.byAddr[from.String()]
	if st == nil {
		s.hub.mu.Unlock()
		return
	}

	var fanout []*net.UDPAddr
	if st.sender != nil && st.sender.addr.String() == from.String() {
		// Sender is gone: tell every subscriber and drop the stream.
		for _, r := range st.receivers {
			fanout = append(fanout, r.addr)
			delete(s.hub.byAddr, r.addr.String())
		}
		delete(s.hub.byAddr, from.String())
		delete(s.hub.streams, st.id)
		log.Info("stream closed by sender", "stream", st.id, "receivers", len(fanout))
	} else {
		delete(st.receivers, from.String())
		delete(s.hub.byAddr, from.String())
		log.Info("receiver left stream", "stream", st.id, "peer", from.String())
	}
	s.hub.mu.Unlock()

	for _, target := range fanout {
		_, _ = s.udp.WriteToUDP(cell, target)
	}
}

func (h *hub) lockedStream(id string) *stream {
	st, ok := h.streams[id]
	if !ok {
		st = &stream{id: id, receivers: make(map[string]*endpoint)}
		h.streams[id] = st
	}
	return st
}

// relayHello mirrors the reliable transport's hello cell.
type relayHello struct {
	version  uint8
	role     uint8
	mtu      uint16
	latency  uint16
	streamID string
}

func parseHello(buf []byte) (*relayHello, error) {
	const fixed = 5 + 1 + 1 + 2 + 2 + 8 + 1
	if len(buf) < fixed {
		return nil, fmt.Errorf("hello too short: %d bytes", len(buf))
	}
	idLen := int(buf[fixed-1])
	if len(buf) < fixed+idLen {
		return nil, fmt.Errorf("hello stream id truncated")
	}
	return &relayHello{
		version:  buf[5],
		role:     buf[6],
		mtu:      binary.BigEndian.Uint16(buf[7:9]),
		latency:  binary.BigEndian.Uint16(buf[9:11]),
		streamID: string(buf[fixed : fixed+idLen]),
	}, nil
}

func encodeHelloAck(session uint32, mtu, latency uint16) []byte {
	buf := make([]byte, 0, 17)
	buf = append(buf, cellHelloAck)
	buf = binary.BigEndian.AppendUint32(buf, session)
	buf = binary.BigEndian.AppendUint16(buf, mtu)
	buf = binary.BigEndian.AppendUint16(buf, latency)
	return binary.BigEndian.AppendUint64(buf, 0)
}

func encodeAckCell(session, cumulative uint32) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, cellAck)
	buf = binary.BigEndian.AppendUint32(buf, session)
	return binary.BigEndian.AppendUint32(buf, cumulative)
}
