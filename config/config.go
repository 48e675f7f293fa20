// Package config loads the tunables an ardp Handle is configured with.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// linkTimeoutMultiplier mirrors ardp.LinkTimeoutMultiplier (spec §4.2's
// WindowCheckTimer link-timeout derivation).
const linkTimeoutMultiplier = 5

// Config mirrors spec §6's constants table. Default sets every field, and
// LoadConfig overlays a file on top of Default, so a file that only
// overrides a few fields still produces a working engine. A zero-value
// Config has no defaults filled in.
type Config struct {
	ConnectTimeoutMs    int `yaml:"connect_timeout_ms"`
	TimewaitMs          int `yaml:"timewait_ms"`
	RetransmitTimeoutMs int `yaml:"retransmit_timeout_ms"`
	RecvTimeoutMs       int `yaml:"recv_timeout_ms"`
	WindowCheckMs       int `yaml:"window_check_ms"`

	RetransmitRetry int `yaml:"retransmit_retry"`
	RecvRetry       int `yaml:"recv_retry"`
	DisconnectRetry int `yaml:"disconnect_retry"`
	ConnectRetry    int `yaml:"connect_retry"`

	SegMax  uint16 `yaml:"seg_max"`  // RCV.MAX we advertise
	SegBMax uint16 `yaml:"seg_bmax"` // RBUF.MAX we advertise

	MinEphemeralPort uint16 `yaml:"min_ephemeral_port"`
	MaxEphemeralPort uint16 `yaml:"max_ephemeral_port"`
}

// Default returns the spec's documented defaults.
func Default() *Config {
	return &Config{
		ConnectTimeoutMs:    10000,
		TimewaitMs:          1000,
		RetransmitTimeoutMs: 500,
		RecvTimeoutMs:       300,
		WindowCheckMs:       5000,

		RetransmitRetry: 4,
		RecvRetry:       4,
		DisconnectRetry: 0,
		ConnectRetry:    0,

		SegMax:  32,
		SegBMax: 2048,

		MinEphemeralPort: 49152,
		MaxEphemeralPort: 65535,
	}
}

// LoadConfig reads a YAML file and overlays it on top of Default(),
// matching the shape test/testclient's config.LoadConfig("config.yaml")
// call in the teacher's own driver programs.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}
func (c *Config) Timewait() time.Duration { return time.Duration(c.TimewaitMs) * time.Millisecond }
func (c *Config) RetransmitTimeout() time.Duration {
	return time.Duration(c.RetransmitTimeoutMs) * time.Millisecond
}
func (c *Config) RecvTimeout() time.Duration { return time.Duration(c.RecvTimeoutMs) * time.Millisecond }
func (c *Config) WindowCheck() time.Duration { return time.Duration(c.WindowCheckMs) * time.Millisecond }
func (c *Config) LinkTimeout() time.Duration {
	return c.WindowCheck() * time.Duration(linkTimeoutMultiplier)
}
