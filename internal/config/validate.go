package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/hylarana/hylarana/pkg/models"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that block startup from ones that are
// logged and tolerated.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// Validate checks the config. Out-of-range values that have a safe default
// are clamped and reported as warnings; values the pipeline cannot run with
// are fatal.
func (c *Config) Validate() *ValidationResult {
	r := &ValidationResult{}

	if !models.TransportStrategy(c.Strategy).Valid() {
		r.fatal("strategy %q is not valid (use direct, relay, or multicast)", c.Strategy)
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		r.fatal("addr %q is not a valid host:port: %v", c.Addr, err)
	}
	if host, _, err := net.SplitHostPort(c.MulticastAddr); err != nil {
		r.fatal("multicast_addr %q is not a valid host:port: %v", c.MulticastAddr, err)
	} else if ip := net.ParseIP(host); ip == nil || !ip.IsMulticast() {
		r.fatal("multicast_addr %q is not a multicast group", c.MulticastAddr)
	}

	if c.MTU < 576 {
		r.warn("mtu %d is below minimum 576, clamping", c.MTU)
		c.MTU = 576
	} else if c.MTU > 9000 {
		r.warn("mtu %d exceeds maximum 9000, clamping", c.MTU)
		c.MTU = 9000
	}

	if c.MaxBandwidth == 0 || c.MaxBandwidth < -1 {
		r.warn("max_bandwidth %d is not valid, using unlimited", c.MaxBandwidth)
		c.MaxBandwidth = -1
	}

	if c.LatencyMs < 20 {
		r.warn("latency_ms %d is below minimum 20, clamping", c.LatencyMs)
		c.LatencyMs = 20
	} else if c.LatencyMs > 2000 {
		r.warn("latency_ms %d exceeds maximum 2000, clamping", c.LatencyMs)
		c.LatencyMs = 2000
	}

	if c.TimeoutMs < c.LatencyMs {
		r.warn("timeout_ms %d is below latency_ms %d, clamping", c.TimeoutMs, c.LatencyMs)
		c.TimeoutMs = c.LatencyMs
	}

	if c.FlowWindow < 1 {
		r.warn("flow_window %d is below minimum 1, clamping", c.FlowWindow)
		c.FlowWindow = 1
	} else if c.FlowWindow > 4096 {
		r.warn("flow_window %d exceeds maximum 4096, clamping", c.FlowWindow)
		c.FlowWindow = 4096
	}

	if !models.VideoFormat(c.VideoFormat).Valid() {
		r.fatal("video_format %q is not valid (use bgra, rgba, nv12, or i420)", c.VideoFormat)
	}
	if c.VideoWidth <= 0 || c.VideoHeight <= 0 {
		r.fatal("video dimensions %dx%d are not valid", c.VideoWidth, c.VideoHeight)
	}
	if c.VideoFPS < 1 {
		r.warn("video_fps %d is below minimum 1, clamping", c.VideoFPS)
		c.VideoFPS = 1
	} else if c.VideoFPS > 240 {
		r.warn("video_fps %d exceeds maximum 240, clamping", c.VideoFPS)
		c.VideoFPS = 240
	}
	if c.VideoBitRate < 100_000 {
		r.warn("video_bit_rate %d is below minimum 100000, clamping", c.VideoBitRate)
		c.VideoBitRate = 100_000
	}
	if c.KeyFrameInterval < 1 {
		r.warn("key_frame_interval %d is below minimum 1, clamping", c.KeyFrameInterval)
		c.KeyFrameInterval = 1
	}

	if c.AudioEnabled {
		switch c.AudioSampleRate {
		case 8000, 12000, 16000, 24000, 48000:
		default:
			r.fatal("audio_sample_rate %d is not a valid Opus rate (8000, 12000, 16000, 24000, 48000)", c.AudioSampleRate)
		}
		if c.AudioChannels != 1 && c.AudioChannels != 2 {
			r.fatal("audio_channels %d is not valid (use 1 or 2)", c.AudioChannels)
		}
	}

	if c.LeaseSeconds < 2 {
		r.warn("lease_seconds %d is below minimum 2, clamping", c.LeaseSeconds)
		c.LeaseSeconds = 2
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.warn("log_format %q is not valid (use text or json)", c.LogFormat)
		c.LogFormat = "text"
	}

	return r
}
