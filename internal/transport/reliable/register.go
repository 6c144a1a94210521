package reliable

import (
	"github.com/hylarana/hylarana/internal/transport"
	"github.com/hylarana/hylarana/pkg/models"
)

func init() {
	transport.Register(models.StrategyDirect, transport.Opener{
		Sender: func(opts models.TransportOptions, addr, streamID string) (transport.Session, error) {
			s, err := ListenSenderAsync(opts, addr, streamID)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Receiver: func(opts models.TransportOptions, addr, streamID string) (transport.Session, error) {
			s, err := DialReceiver(opts, addr, streamID)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	})
	transport.Register(models.StrategyRelay, transport.Opener{
		Sender: func(opts models.TransportOptions, addr, streamID string) (transport.Session, error) {
			s, err := DialSenderRelay(opts, addr, streamID)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Receiver: func(opts models.TransportOptions, addr, streamID string) (transport.Session, error) {
			s, err := DialReceiverRelay(opts, addr, streamID)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	})
}
