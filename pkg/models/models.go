// Package models holds the shared descriptions exchanged between senders,
// receivers, and the discovery layer.
package models

import "encoding/json"

// TransportStrategy selects the delivery strategy for a stream.
type TransportStrategy string

const (
	// StrategyDirect is a reliable unicast listener: the sender binds a local
	// address and accepts exactly one peer per stream id.
	StrategyDirect TransportStrategy = "direct"
	// StrategyRelay is reliable delivery through a rendezvous server that
	// forwards to all subscribers of a stream id.
	StrategyRelay TransportStrategy = "relay"
	// StrategyMulticast is best-effort delivery to a multicast group.
	StrategyMulticast TransportStrategy = "multicast"
)

func (s TransportStrategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategyRelay, StrategyMulticast:
		return true
	default:
		return false
	}
}

// TransportOptions tunes a transport session.
type TransportOptions struct {
	// MTU is the path MTU cap in bytes.
	MTU int `json:"mtu"`
	// MaxBandwidth is the pacing cap in bytes per second; -1 means unlimited.
	MaxBandwidth int64 `json:"max_bandwidth"`
	// Latency is the accepted end-to-end delivery delay in milliseconds.
	Latency int `json:"latency"`
	// Timeout is the liveness deadline in milliseconds before a session is
	// declared dead.
	Timeout int `json:"timeout"`
	// FEC is the forward-error-correction descriptor, e.g.
	// "fec,layout:staircase,rows:2,cols:10,arq:onreq".
	FEC string `json:"fec"`
	// FlowWindow bounds in-flight data, in cells.
	FlowWindow int `json:"fc"`
}

// TransportDescriptor tells a receiver how to reach a stream.
type TransportDescriptor struct {
	Strategy TransportStrategy `json:"strategy"`
	Addr     string            `json:"addr"`
	Options  TransportOptions  `json:"options"`
}

// VideoFormat is the raw pixel layout produced by capture and consumed by the
// renderer.
type VideoFormat string

const (
	FormatBGRA VideoFormat = "bgra"
	FormatRGBA VideoFormat = "rgba"
	FormatNV12 VideoFormat = "nv12"
	FormatI420 VideoFormat = "i420"
)

func (f VideoFormat) Valid() bool {
	switch f {
	case FormatBGRA, FormatRGBA, FormatNV12, FormatI420:
		return true
	default:
		return false
	}
}

// VideoDescriptor declares the video substream. A receiver that respects it
// can allocate its decoder and renderer without further negotiation.
type VideoDescriptor struct {
	Format  VideoFormat `json:"format"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
	FPS     int         `json:"fps"`
	BitRate int         `json:"bit_rate"`
}

// AudioDescriptor declares the audio substream.
type AudioDescriptor struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitRate    int `json:"bit_rate"`
}

// StreamDescription is carried by discovery and consumed by receivers.
type StreamDescription struct {
	// ID is the sender identity, stable for the session.
	ID        string              `json:"id"`
	Transport TransportDescriptor `json:"transport"`
	Video     *VideoDescriptor    `json:"video,omitempty"`
	Audio     *AudioDescriptor    `json:"audio,omitempty"`
}

// DeviceKind names the advertising platform.
type DeviceKind string

const (
	KindWindows DeviceKind = "Windows"
	KindAndroid DeviceKind = "Android"
	KindApple   DeviceKind = "Apple"
	KindLinux   DeviceKind = "Linux"
)

// ServiceMetadata is the wrapper around the stream description as advertised
// over discovery. Absent Metadata means "not streaming".
type ServiceMetadata struct {
	Port        int                `json:"port"`
	Description *StreamDescription `json:"description"`
}

// ServicePayload is the discovery announcement body. Empty Targets means
// broadcast to all receivers.
type ServicePayload struct {
	Targets  []string         `json:"targets"`
	Name     string           `json:"name"`
	Kind     DeviceKind       `json:"kind"`
	Metadata *ServiceMetadata `json:"metadata,omitempty"`
}

// Marshal serializes the payload to the UTF-8 discovery body.
func (p *ServicePayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalServicePayload parses a discovery body.
func UnmarshalServicePayload(data []byte) (*ServicePayload, error) {
	var p ServicePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// TargetedAt reports whether the payload addresses the given receiver id.
// Empty targets address everyone.
func (p *ServicePayload) TargetedAt(id string) bool {
	if len(p.Targets) == 0 {
		return true
	}
	for _, t := range p.Targets {
		if t == id {
			return true
		}
	}
	return false
}
