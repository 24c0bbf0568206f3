// Package config loads relay settings from defaults, an optional YAML file,
// an optional .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sharsein/hifi/pkg/registry"
	"github.com/sharsein/hifi/pkg/wire"
)

var (
	ErrInvalidTickRate  = errors.New("invalid tick rate")
	ErrInvalidMaxPacket = errors.New("invalid max packet size")
	ErrInvalidAudience  = errors.New("invalid kill audience")
	ErrInvalidLogFormat = errors.New("invalid log format")
	ErrMissingSelfID    = errors.New("self id is required")
)

type Config struct {
	SelfID   string `yaml:"self_id" env:"SELF_ID"`
	SelfAddr string `yaml:"self_addr" env:"SELF_ADDR"`

	UDPListen  string `yaml:"udp_listen" env:"UDP_LISTEN"`
	HTTPListen string `yaml:"http_listen" env:"HTTP_LISTEN"`

	EtcdEndpoints []string `yaml:"etcd_endpoints" env:"ETCD_ENDPOINTS" envSeparator:","`
	EtcdPrefix    string   `yaml:"etcd_prefix" env:"ETCD_PREFIX"`
	LeaseTTL      int64    `yaml:"lease_ttl" env:"LEASE_TTL"`

	TickRate     int           `yaml:"tick_hz" env:"TICK_HZ"`
	MaxPacket    int           `yaml:"max_packet_size" env:"MAX_PACKET_SIZE"`
	NodeTimeout  time.Duration `yaml:"node_timeout" env:"NODE_TIMEOUT"`
	KillAudience string        `yaml:"kill_audience" env:"KILL_AUDIENCE"`
	StateCodec   string        `yaml:"state_codec" env:"STATE_CODEC"`
	InboxSize    int           `yaml:"inbox_size" env:"INBOX_SIZE"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	Version string `yaml:"-" env:"BUILD_VERSION"`
	GitSHA  string `yaml:"-" env:"BUILD_GIT_SHA"`
}

func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		SelfID:       host,
		UDPListen:    ":40106",
		HTTPListen:   ":8080",
		EtcdPrefix:   registry.DefaultPrefix,
		LeaseTTL:     10,
		TickRate:     60,
		MaxPacket:    wire.MaxPacketSize,
		NodeTimeout:  2 * time.Second,
		KillAudience: "participants",
		StateCodec:   "raw",
		InboxSize:    4096,
		LogLevel:     "info",
		LogFormat:    "json",
		Version:      "dev",
	}
}

// Load builds the configuration. path names an optional YAML file; a
// missing .env file in the working directory is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SelfID == "" {
		return ErrMissingSelfID
	}
	if c.TickRate <= 0 || c.TickRate > 1000 {
		return fmt.Errorf("%w: %d", ErrInvalidTickRate, c.TickRate)
	}
	// a packet must hold the header, one id and at least one state byte
	if c.MaxPacket <= wire.HeaderSize+wire.IDSize || c.MaxPacket > 65507 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxPacket, c.MaxPacket)
	}
	switch c.KillAudience {
	case "participants", "relays", "both":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAudience, c.KillAudience)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.LogFormat)
	}
	return nil
}

// AdvertiseAddr is the UDP address published to other relays.
func (c *Config) AdvertiseAddr() string {
	if c.SelfAddr != "" {
		return c.SelfAddr
	}
	return c.UDPListen
}
