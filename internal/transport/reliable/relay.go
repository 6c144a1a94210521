package reliable

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hylarana/hylarana/pkg/models"
)

// Relay mode: both endpoints are clients of a rendezvous server. The data
// plane is the same cell protocol over UDP; stream membership runs over a
// websocket control channel on the same address. The relay acknowledges the
// sender's cells and fans them out to every subscriber of the stream id.

// controlMessage is the websocket control protocol.
type controlMessage struct {
	Type   string `json:"type"` // announce, join, leave, subscriber_joined
	Stream string `json:"stream"`
	Role   string `json:"role,omitempty"`
}

const (
	controlWriteWait = 10 * time.Second
	controlPongWait  = 60 * time.Second
	controlPingEvery = (controlPongWait * 9) / 10
)

// controlConn is the client side of the relay control channel.
type controlConn struct {
	ws        *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func dialControl(addr, streamID, role string) (*controlConn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/control"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay control: %w", err)
	}

	msgType := "join"
	if role == "sender" {
		msgType = "announce"
	}
	ws.SetWriteDeadline(time.Now().Add(controlWriteWait))
	if err := ws.WriteJSON(controlMessage{Type: msgType, Stream: streamID, Role: role}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("relay %s: %w", msgType, err)
	}

	c := &controlConn{ws: ws, done: make(chan struct{})}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	return c, nil
}

// readLoop delivers subscriber_joined notifications until the connection
// drops. Only sender clients run it.
func (c *controlConn) readLoop(onSubscriber func()) {
	c.ws.SetReadDeadline(time.Now().Add(controlPongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(controlPongWait))
		return nil
	})
	for {
		var msg controlMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				log.Debug("relay control read ended", "error", err)
			}
			return
		}
		if msg.Type == "subscriber_joined" {
			onSubscriber()
		}
	}
}

func (c *controlConn) pingLoop() {
	ticker := time.NewTicker(controlPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(controlWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *controlConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.ws.Close()
		c.wg.Wait()
	})
}

// RelaySenderSession decorates a sender session with the control channel
// lifetime.
type RelaySenderSession struct {
	*SenderSession
	control *controlConn
}

func (s *RelaySenderSession) Close() error {
	err := s.SenderSession.Close()
	s.control.close()
	return err
}

// DialSenderRelay announces the stream at the rendezvous server and opens the
// sending session toward it. Subscriber arrivals surface as key-frame
// refresh requests.
func DialSenderRelay(opts models.TransportOptions, addr, streamID string) (*RelaySenderSession, error) {
	control, err := dialControl(addr, streamID, "sender")
	if err != nil {
		return nil, err
	}

	udp, err := dialUDP(addr)
	if err != nil {
		control.close()
		return nil, err
	}

	conn := &connectedConn{c: udp}
	neg, err := handshake(conn, roleSender, streamID, opts)
	if err != nil {
		udp.Close()
		control.close()
		return nil, err
	}
	mtu, latency := clampNegotiated(opts, neg)

	sess, err := newSenderSession(conn, neg.session, opts, mtu, latency, nil)
	if err != nil {
		udp.Close()
		control.close()
		return nil, err
	}

	rs := &RelaySenderSession{SenderSession: sess, control: control}
	control.wg.Add(1)
	go func() {
		defer control.wg.Done()
		control.readLoop(sess.notifyRefresh)
	}()
	return rs, nil
}

// RelayReceiverSession decorates a receiver session with the control channel
// lifetime.
type RelayReceiverSession struct {
	*ReceiverSession
	control *controlConn
}

func (s *RelayReceiverSession) Close() error {
	err := s.ReceiverSession.Close()
	s.control.close()
	return err
}

// DialReceiverRelay joins the stream at the rendezvous server and opens the
// receiving session from it.
func DialReceiverRelay(opts models.TransportOptions, addr, streamID string) (*RelayReceiverSession, error) {
	control, err := dialControl(addr, streamID, "receiver")
	if err != nil {
		return nil, err
	}

	udp, err := dialUDP(addr)
	if err != nil {
		control.close()
		return nil, err
	}

	conn := &connectedConn{c: udp}
	neg, err := handshake(conn, roleReceiver, streamID, opts)
	if err != nil {
		udp.Close()
		control.close()
		return nil, err
	}
	neg.mtu, neg.latency = clampNegotiated(opts, neg)

	sess, err := newReceiverSession(conn, neg, opts)
	if err != nil {
		udp.Close()
		control.close()
		return nil, err
	}
	return &RelayReceiverSession{ReceiverSession: sess, control: control}, nil
}

func dialUDP(addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve relay addr %q: %w", addr, err)
	}
	udp, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return udp, nil
}
