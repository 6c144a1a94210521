// Package config loads and validates the node configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/pkg/models"
)

var log = logging.L("config")

// Config is the full node configuration. Zero values are filled from
// Default() before the file and environment are applied.
type Config struct {
	// Name is the human-readable node name advertised over discovery.
	Name string `mapstructure:"name"`
	// Topic namespaces discovery announcements; nodes only see peers that
	// advertise under the same topic.
	Topic string `mapstructure:"topic"`
	// LeaseSeconds is the discovery announcement validity window.
	LeaseSeconds int `mapstructure:"lease_seconds"`

	// Transport
	Strategy      string `mapstructure:"strategy"`
	Addr          string `mapstructure:"addr"`
	MTU           int    `mapstructure:"mtu"`
	MaxBandwidth  int64  `mapstructure:"max_bandwidth"`
	LatencyMs     int    `mapstructure:"latency_ms"`
	TimeoutMs     int    `mapstructure:"timeout_ms"`
	FEC           string `mapstructure:"fec"`
	FlowWindow    int    `mapstructure:"flow_window"`
	MulticastAddr string `mapstructure:"multicast_addr"`

	// Video
	VideoFormat  string `mapstructure:"video_format"`
	VideoWidth   int    `mapstructure:"video_width"`
	VideoHeight  int    `mapstructure:"video_height"`
	VideoFPS     int    `mapstructure:"video_fps"`
	VideoBitRate int    `mapstructure:"video_bit_rate"`
	// KeyFrameInterval is the periodic key-frame spacing in frames.
	KeyFrameInterval int `mapstructure:"key_frame_interval"`

	// Audio
	AudioSampleRate int  `mapstructure:"audio_sample_rate"`
	AudioChannels   int  `mapstructure:"audio_channels"`
	AudioBitRate    int  `mapstructure:"audio_bit_rate"`
	AudioEnabled    bool `mapstructure:"audio_enabled"`

	// Logging
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		Topic:        "hylarana",
		LeaseSeconds: 6,

		Strategy:      string(models.StrategyDirect),
		Addr:          "0.0.0.0:43165",
		MTU:           1500,
		MaxBandwidth:  -1,
		LatencyMs:     120,
		TimeoutMs:     5000,
		FEC:           "fec,layout:staircase,rows:2,cols:10,arq:onreq",
		FlowWindow:    32,
		MulticastAddr: "239.0.0.1:43165",

		VideoFormat:      string(models.FormatNV12),
		VideoWidth:       1280,
		VideoHeight:      720,
		VideoFPS:         30,
		VideoBitRate:     4_000_000,
		KeyFrameInterval: 60,

		AudioSampleRate: 48000,
		AudioChannels:   2,
		AudioBitRate:    64_000,
		AudioEnabled:    true,

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  20,
		LogMaxBackups: 3,
	}
}

// Load reads the config file (explicit path or the search path) and the
// HYLARANA_* environment, validates, and returns the merged config.
// Fatals block startup; warnings are logged and startup continues.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("hylarana")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("HYLARANA")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if cfg.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Name = host
		} else {
			cfg.Name = "hylarana"
		}
	}

	result := cfg.Validate()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// TransportOptions assembles the transport tuning block from the config.
func (c *Config) TransportOptions() models.TransportOptions {
	return models.TransportOptions{
		MTU:          c.MTU,
		MaxBandwidth: c.MaxBandwidth,
		Latency:      c.LatencyMs,
		Timeout:      c.TimeoutMs,
		FEC:          c.FEC,
		FlowWindow:   c.FlowWindow,
	}
}

// VideoDescriptor assembles the advertised video descriptor.
func (c *Config) VideoDescriptor() *models.VideoDescriptor {
	return &models.VideoDescriptor{
		Format:  models.VideoFormat(c.VideoFormat),
		Width:   c.VideoWidth,
		Height:  c.VideoHeight,
		FPS:     c.VideoFPS,
		BitRate: c.VideoBitRate,
	}
}

// AudioDescriptor assembles the advertised audio descriptor, nil when audio
// is disabled.
func (c *Config) AudioDescriptor() *models.AudioDescriptor {
	if !c.AudioEnabled {
		return nil
	}
	return &models.AudioDescriptor{
		SampleRate: c.AudioSampleRate,
		Channels:   c.AudioChannels,
		BitRate:    c.AudioBitRate,
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Hylarana")
	case "darwin":
		return "/Library/Application Support/Hylarana"
	default:
		return "/etc/hylarana"
	}
}
