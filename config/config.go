package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Clouded-Sabre/ardp/lib"
)

// Config is the application-level configuration, usually loaded from
// config.yaml. Timeouts are in milliseconds.
type Config struct {
	ConnectTimeout  int  `yaml:"connectTimeout"`
	PersistTimeout  int  `yaml:"persistTimeout"`
	ProbeTimeout    int  `yaml:"probeTimeout"`
	TimeWait        int  `yaml:"timeWait"`
	SegMax          int  `yaml:"segMax"`          // receive ring size in segments
	SegBMax         int  `yaml:"segBMax"`         // max segment size in bytes
	PayloadPoolSize int  `yaml:"payloadPoolSize"` // stream layer payload chunks
	Debug           bool `yaml:"debug"`
	PoolDebug       bool `yaml:"poolDebug"`
}

// AppConfig is the process configuration the harness binaries share.
var AppConfig *Config

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:  10000,
		PersistTimeout:  5000,
		ProbeTimeout:    10000,
		TimeWait:        1000,
		SegMax:          32,
		SegBMax:         1472,
		PayloadPoolSize: 256,
		Debug:           false,
		PoolDebug:       false,
	}
}

// ReadConfig loads path over the defaults.
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configuration file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("configuration file %s: %w", path, err)
	}
	if cfg.SegMax <= 0 || cfg.SegMax > 65535 {
		return nil, fmt.Errorf("configuration: segMax %d out of range", cfg.SegMax)
	}
	if cfg.SegBMax <= 0 || cfg.SegBMax > 65535 {
		return nil, fmt.Errorf("configuration: segBMax %d out of range", cfg.SegBMax)
	}
	return cfg, nil
}

// Engine converts the configuration into the protocol engine's view.
func (c *Config) Engine() lib.GlobalConfig {
	g := lib.DefaultGlobalConfig()
	if c.ConnectTimeout > 0 {
		g.ConnectTimeout = uint32(c.ConnectTimeout)
	}
	if c.PersistTimeout > 0 {
		g.PersistTimeout = uint32(c.PersistTimeout)
	}
	if c.ProbeTimeout > 0 {
		g.ProbeTimeout = uint32(c.ProbeTimeout)
	}
	if c.TimeWait > 0 {
		g.TimeWait = uint32(c.TimeWait)
	}
	g.Debug = c.Debug
	return g
}
