// Package config loads the broadcast configuration from a YAML file with
// strict decoding and explicit defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML duration strings like "500ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the complete broadcast configuration.
type Config struct {
	Output OutputConfig `yaml:"output"`
	Video  VideoConfig  `yaml:"video"`
	Audio  AudioConfig  `yaml:"audio"`
}

// OutputConfig selects the destination. The transport is inferred from the
// URI scheme (rtmp, srt, or quic).
type OutputConfig struct {
	URI           string   `yaml:"uri"`                      // destination URI
	Adaptive      bool     `yaml:"adaptive,omitempty"`       // enable bitrate adaptation
	ChunkSize     int      `yaml:"chunk_size,omitempty"`     // bytes per SRT send
	AutoReconnect bool     `yaml:"autoreconnect,omitempty"`  // recorded, not acted on by the core
	StatsInterval Duration `yaml:"stats_interval,omitempty"` // telemetry period
	LogLevel      int      `yaml:"log_level,omitempty"`      // transport log verbosity
	LogFacility   string   `yaml:"log_facility,omitempty"`   // transport log facility
	LogFile       string   `yaml:"log_file,omitempty"`       // transport log file path
	SkipVerify    bool     `yaml:"skip_verify,omitempty"`    // skip TLS verification (QUIC)
}

// VideoConfig defines the video stream settings.
type VideoConfig struct {
	Width   int `yaml:"width"`
	Height  int `yaml:"height"`
	FPS     int `yaml:"fps"`
	Bitrate int `yaml:"bitrate"` // bits per second; also the adaptation ceiling
	GOP     int `yaml:"gop,omitempty"`
}

// AudioConfig defines the audio stream settings.
type AudioConfig struct {
	Enabled    bool `yaml:"enabled"`
	SampleRate int  `yaml:"sample_rate"`
	Stereo     bool `yaml:"stereo"`
}

// Load reads configuration from a YAML file. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Video.Width == 0 {
		c.Video.Width = 1280
	}
	if c.Video.Height == 0 {
		c.Video.Height = 720
	}
	if c.Video.FPS == 0 {
		c.Video.FPS = 30
	}
	if c.Video.Bitrate == 0 {
		c.Video.Bitrate = 2_000_000
	}
	if c.Audio.Enabled && c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 48_000
	}
}

func (c *Config) validate() error {
	if c.Output.URI == "" {
		return fmt.Errorf("config: output.uri is required")
	}
	if c.Video.FPS <= 0 {
		return fmt.Errorf("config: video.fps must be positive")
	}
	return nil
}

// FrameDuration returns the video frame period.
func (c *Config) FrameDuration() time.Duration {
	return time.Second / time.Duration(c.Video.FPS)
}
