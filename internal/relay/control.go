package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	controlWriteWait = 10 * time.Second
	controlPongWait  = 60 * time.Second
	controlPingEvery = (controlPongWait * 9) / 10
	maxControlBytes  = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay serves LAN peers; origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// controlMessage is the websocket control protocol.
type controlMessage struct {
	Type   string `json:"type"` // announce, join, leave, subscriber_joined
	Stream string `json:"stream"`
	Role   string `json:"role,omitempty"`
}

// controlClient is one websocket peer of the control plane.
type controlClient struct {
	ws       *websocket.Conn
	sendChan chan controlMessage
	done     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	stream string
	role   string
}

func (c *controlClient) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// notify queues a message toward the peer, dropping it when the peer is too
// slow to matter anymore.
func (c *controlClient) notify(msg controlMessage) {
	select {
	case c.sendChan <- msg:
	case <-c.done:
	default:
		log.Warn("control send queue full, dropping notification", "type", msg.Type)
	}
}

// handleControl upgrades the connection and runs the membership protocol.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("control upgrade failed", "error", err)
		return
	}

	client := &controlClient{
		ws:       ws,
		sendChan: make(chan controlMessage, 16),
		done:     make(chan struct{}),
	}
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()

	s.readControl(client)

	s.detachControl(client)
	client.stop()
	s.clientsMu.Lock()
	delete(s.clients, client)
	s.clientsMu.Unlock()
}

func (s *Server) readControl(client *controlClient) {
	client.ws.SetReadLimit(maxControlBytes)
	client.ws.SetReadDeadline(time.Now().Add(controlPongWait))
	client.ws.SetPongHandler(func(string) error {
		client.ws.SetReadDeadline(time.Now().Add(controlPongWait))
		return nil
	})

	for {
		var msg controlMessage
		if err := client.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("control read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case "announce":
			s.attachSender(client, msg.Stream)
		case "join":
			s.attachReceiver(client, msg.Stream)
		case "leave":
			return
		default:
			log.Debug("ignoring unknown control message", "type", msg.Type)
		}

		select {
		case <-s.done:
			return
		default:
		}
	}
}

// attachSender binds the control connection to its stream so subscriber
// arrivals can be pushed to the sender.
func (s *Server) attachSender(client *controlClient, streamID string) {
	client.mu.Lock()
	client.stream = streamID
	client.role = "sender"
	client.mu.Unlock()

	s.hub.mu.Lock()
	st := s.hub.lockedStream(streamID)
	if st.control != nil && st.control != client {
		st.control.stop()
	}
	st.control = client
	s.hub.mu.Unlock()

	log.Info("sender announced stream", "stream", streamID)
}

// attachReceiver records the membership and tells the sender a subscriber
// arrived, so it can emit a fresh key frame immediately.
func (s *Server) attachReceiver(client *controlClient, streamID string) {
	client.mu.Lock()
	client.stream = streamID
	client.role = "receiver"
	client.mu.Unlock()

	s.hub.mu.Lock()
	st := s.hub.lockedStream(streamID)
	control := st.control
	s.hub.mu.Unlock()

	log.Info("receiver joined stream", "stream", streamID)

	if control == nil {
		return
	}
	s.pool.Submit(func() {
		control.notify(controlMessage{Type: "subscriber_joined", Stream: streamID})
	})
}

func (s *Server) detachControl(client *controlClient) {
	client.mu.Lock()
	streamID, role := client.stream, client.role
	client.mu.Unlock()
	if streamID == "" {
		return
	}

	s.hub.mu.Lock()
	if st, ok := s.hub.streams[streamID]; ok && role == "sender" && st.control == client {
		st.control = nil
	}
	s.hub.mu.Unlock()
}

func (c *controlClient) writePump() {
	ticker := time.NewTicker(controlPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.sendChan:
			c.ws.SetWriteDeadline(time.Now().Add(controlWriteWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Warn("control write error", "error", err)
				c.stop()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(controlWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		}
	}
}
