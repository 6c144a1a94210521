// Package transport exposes the uniform session abstraction over the
// delivery strategies: reliable unicast/relay and best-effort multicast.
package transport

import (
	"fmt"

	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/pkg/models"
)

// Session is one transport endpoint of a stream.
//
// Send fails fast with ErrWouldBlock when the session is back-pressured;
// callers drop or retry. Receive blocks up to the packet-arrival deadline and
// returns a GapError when sequence numbers were lost beyond recovery, or
// ErrClosed on normal termination. Close is idempotent.
type Session interface {
	Send(p *packet.MediaPacket) error
	Receive() (*packet.MediaPacket, error)
	Close() error
}

// RefreshRequester is implemented by receiver sessions that can signal a
// key-frame refresh back to the sender. Multicast sessions do not implement
// it; their receiver waits for the next periodic key frame.
type RefreshRequester interface {
	RequestKeyFrame() error
}

// RefreshSource is implemented by sender sessions. The encoder feeder drains
// the channel and forces a key frame for each request.
type RefreshSource interface {
	RefreshRequests() <-chan struct{}
}

// Opener binds a strategy implementation into the façade. The reliable and
// multicast packages register through the indirection to keep this package
// free of socket code.
type Opener struct {
	Sender   func(opts models.TransportOptions, addr, streamID string) (Session, error)
	Receiver func(opts models.TransportOptions, addr, streamID string) (Session, error)
}

var openers = map[models.TransportStrategy]Opener{}

// Register installs the opener for a strategy. Called from the strategy
// package init functions.
func Register(strategy models.TransportStrategy, o Opener) {
	openers[strategy] = o
}

// OpenSender opens the sending endpoint of a stream.
func OpenSender(opts models.TransportOptions, strategy models.TransportStrategy, addr, streamID string) (Session, error) {
	o, ok := openers[strategy]
	if !ok || o.Sender == nil {
		return nil, fmt.Errorf("open sender: no transport registered for strategy %q", strategy)
	}
	if _, err := ParseFEC(opts.FEC); err != nil {
		return nil, err
	}
	return o.Sender(opts, addr, streamID)
}

// OpenReceiver opens the receiving endpoint of the stream identified by
// streamID at addr.
func OpenReceiver(opts models.TransportOptions, strategy models.TransportStrategy, addr, streamID string) (Session, error) {
	o, ok := openers[strategy]
	if !ok || o.Receiver == nil {
		return nil, fmt.Errorf("open receiver: no transport registered for strategy %q", strategy)
	}
	if _, err := ParseFEC(opts.FEC); err != nil {
		return nil, err
	}
	return o.Receiver(opts, addr, streamID)
}
