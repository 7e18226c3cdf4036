// Package config loads node settings. Later sources override earlier ones:
// built-in defaults, the YAML file named by -config, the environment, and
// finally the command-line switches.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"github.com/ryandielhenn/ticsync/pkg/session"
	"github.com/ryandielhenn/ticsync/pkg/transport"
)

// Mode selects how the session is negotiated.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeNet    Mode = "net"  // static node list on every command line
	ModeHost   Mode = "host" // host/join handshake, this node hosts
	ModeJoin   Mode = "join"
	ModeEtcd   Mode = "etcd"
)

type Etcd struct {
	Endpoints   []string      `yaml:"endpoints" env:"TICSYNC_ETCD_ENDPOINTS" envSeparator:","`
	Session     string        `yaml:"session" env:"TICSYNC_ETCD_SESSION"`
	Player      int           `yaml:"player" env:"TICSYNC_ETCD_PLAYER"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"TICSYNC_ETCD_DIAL_TIMEOUT"`
	LeaseTTL    int64         `yaml:"lease_ttl" env:"TICSYNC_ETCD_LEASE_TTL"`
}

type Config struct {
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	Mode      Mode          `yaml:"mode" env:"TICSYNC_MODE"`
	Bind      string        `yaml:"bind" env:"TICSYNC_BIND"`
	Port      int           `yaml:"port" env:"TICSYNC_PORT"`
	TicDup    int           `yaml:"ticdup" env:"TICSYNC_TICDUP"`
	ExtraTics bool          `yaml:"extratics" env:"TICSYNC_EXTRATICS"`
	Console   int           `yaml:"console" env:"TICSYNC_CONSOLE"` // 0-based
	Hosts     []string      `yaml:"hosts" env:"TICSYNC_HOSTS" envSeparator:","`
	Players   int           `yaml:"players" env:"TICSYNC_PLAYERS"`
	HostAddr  string        `yaml:"host_addr" env:"TICSYNC_HOST_ADDR"`
	Resend    time.Duration `yaml:"resend" env:"TICSYNC_RESEND"`
	Etcd      Etcd          `yaml:"etcd"`

	Seed     uint32 `yaml:"seed" env:"TICSYNC_SEED"`
	Compat   bool   `yaml:"compat" env:"TICSYNC_COMPAT"`
	Tics     int    `yaml:"tics" env:"TICSYNC_TICS"` // 0 runs until interrupted
	Record   string `yaml:"record" env:"TICSYNC_RECORD"`
	PlayDemo string `yaml:"playdemo" env:"TICSYNC_PLAYDEMO"`

	MetricsAddr string `yaml:"metrics_addr" env:"TICSYNC_METRICS_ADDR"`

	// Warnings lists malformed values that were replaced by defaults.
	Warnings []string `yaml:"-" env:"-"`
}

func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "console",
		Mode:      ModeSingle,
		Port:      transport.DefaultPort,
		TicDup:    1,
		Resend:    session.DefaultResend,
		Etcd: Etcd{
			Endpoints:   []string{"http://127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
			LeaseTTL:    10,
		},
		Seed: 1993,
	}
}

// Load builds the configuration for a process started with args (without
// the program name).
func Load(args []string) (Config, error) {
	cfg := Default()
	if path, ok := value(args, "-config"); ok {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyArgs(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ParseEnv overlays environment variables onto target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

var ErrInvalid = errors.New("config: invalid")

func (c *Config) Validate() error {
	c.TicDup = session.ClampTicDup(c.TicDup)
	if c.Port <= 0 || c.Port > 65535 {
		c.warn("port %d out of range, using %d", c.Port, transport.DefaultPort)
		c.Port = transport.DefaultPort
	}
	switch c.Mode {
	case ModeSingle:
	case ModeNet:
		if len(c.Hosts)+1 > maxNodes {
			return fmt.Errorf("%w: %d nodes, at most %d", ErrInvalid, len(c.Hosts)+1, maxNodes)
		}
		if c.Console < 0 || c.Console > len(c.Hosts) {
			return fmt.Errorf("%w: console player %d with %d nodes", ErrInvalid, c.Console+1, len(c.Hosts)+1)
		}
	case ModeHost:
		if c.Players < 1 || c.Players > maxNodes {
			return fmt.Errorf("%w: %d players, want 1-%d", ErrInvalid, c.Players, maxNodes)
		}
	case ModeJoin:
		if c.HostAddr == "" {
			return fmt.Errorf("%w: join needs a host address", ErrInvalid)
		}
	case ModeEtcd:
		if c.Etcd.Session == "" || len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("%w: etcd mode needs -session and endpoints", ErrInvalid)
		}
		if c.Players < 1 || c.Players > maxNodes {
			return fmt.Errorf("%w: %d players, want 1-%d", ErrInvalid, c.Players, maxNodes)
		}
		if c.Etcd.Player < 0 || c.Etcd.Player >= c.Players {
			return fmt.Errorf("%w: player %d of %d", ErrInvalid, c.Etcd.Player, c.Players)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Mode)
	}
	if c.Record != "" && c.PlayDemo != "" {
		return fmt.Errorf("%w: cannot record while playing a demo", ErrInvalid)
	}
	return nil
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}
