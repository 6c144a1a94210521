package multicast

import (
	"github.com/hylarana/hylarana/internal/transport"
	"github.com/hylarana/hylarana/pkg/models"
)

func init() {
	transport.Register(models.StrategyMulticast, transport.Opener{
		Sender: func(opts models.TransportOptions, addr, _ string) (transport.Session, error) {
			s, err := DialSender(opts, addr)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Receiver: func(opts models.TransportOptions, addr, _ string) (transport.Session, error) {
			s, err := DialReceiver(opts, addr)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	})
}
