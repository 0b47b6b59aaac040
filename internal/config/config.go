package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	HTTP      HTTPConfig      `yaml:"http"`
	Audio     AudioConfig     `yaml:"audio"`
	Recording RecordingConfig `yaml:"recording"`
	Mixer     MixerConfig     `yaml:"mixer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	UDPPort               int    `yaml:"udp_port"`
	BindAddress           string `yaml:"bind_address"`
	BufferSize            int    `yaml:"buffer_size"`
	MaxConcurrentSessions int    `yaml:"max_concurrent_sessions"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains the canonical capture format parameters
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
}

// RecordingConfig contains recording output and finalization parameters
type RecordingConfig struct {
	OutputDir      string `yaml:"output_dir"`
	Merge          bool   `yaml:"merge"`
	SaveIndividual bool   `yaml:"save_individual"`
	Zip            bool   `yaml:"zip"`
	Bitrate        string `yaml:"bitrate"`
	OnEmpty        string `yaml:"on_empty"`
	MaxDuration    int    `yaml:"max_duration"` // seconds, 0 disables the cap
}

// MixerConfig contains external mixer invocation parameters
type MixerConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	Timeout    int    `yaml:"timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Mixer.Validate(); err != nil {
		return fmt.Errorf("mixer config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.MaxConcurrentSessions < 1 {
		return fmt.Errorf("max_concurrent_sessions must be at least 1, got %d", s.MaxConcurrentSessions)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 48000 {
		return fmt.Errorf("sample_rate must be 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 2 {
		return fmt.Errorf("channels must be 2 (stereo), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.OutputDir == "" {
		return fmt.Errorf("output_dir cannot be empty")
	}

	if !r.Merge && !r.SaveIndividual {
		return fmt.Errorf("at least one of merge and save_individual must be enabled")
	}

	if !isValidBitrate(r.Bitrate) {
		return fmt.Errorf("bitrate must be a number followed by 'k' (e.g. 64k), got '%s'", r.Bitrate)
	}

	validOnEmpty := map[string]bool{"skip": true, "silence": true}
	if !validOnEmpty[r.OnEmpty] {
		return fmt.Errorf("on_empty must be 'skip' or 'silence', got '%s'", r.OnEmpty)
	}

	if r.MaxDuration < 0 {
		return fmt.Errorf("max_duration cannot be negative, got %d", r.MaxDuration)
	}

	return nil
}

// Validate validates mixer configuration
func (m *MixerConfig) Validate() error {
	if m.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}

	if m.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", m.Timeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output accepts stdout, stderr, or a file path
	return nil
}

// GetMaxDuration returns the session duration cap as a time.Duration
func (r *RecordingConfig) GetMaxDuration() time.Duration {
	return time.Duration(r.MaxDuration) * time.Second
}

// GetTimeoutDuration returns the mixer timeout as a time.Duration
func (m *MixerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// isValidBitrate reports whether s is a digit string with a trailing 'k'
func isValidBitrate(s string) bool {
	if len(s) < 2 || s[len(s)-1] != 'k' {
		return false
	}
	for _, c := range s[:len(s)-1] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
