// Package config loads settings for both binaries from the environment,
// optionally seeded by a .env file.
package config

import (
	"errors"
	"fmt"
	"image/color"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

const Prefix = "fragnet"

const (
	ModeHost   = "host"
	ModeClient = "client"

	TransportUDP  = "udp"
	TransportENet = "enet"
)

const maxNameLen = 32

type Config struct {
	// Mode pins the role a binary must run as; empty accepts either.
	Mode      string `envconfig:"MODE"`
	Addr      string `envconfig:"ADDR" default:"0.0.0.0:14242"`
	Transport string `envconfig:"TRANSPORT" default:"udp"`

	AppID             string        `envconfig:"APP_ID" default:"fragnet"`
	AppVersion        string        `envconfig:"APP_VERSION" default:"1"`
	ConnectionTimeout time.Duration `envconfig:"CONNECTION_TIMEOUT" default:"10s"`
	ConnectRate       float64       `envconfig:"CONNECT_RATE" default:"5"`
	ConnectBurst      int           `envconfig:"CONNECT_BURST" default:"10"`

	MaxPlayers         int           `envconfig:"MAX_PLAYERS" default:"16"`
	Level              string        `envconfig:"LEVEL" default:"arena"`
	TickRate           int           `envconfig:"TICK_RATE" default:"50"`
	FrameRate          int           `envconfig:"FRAME_RATE" default:"60"`
	InterpolationDelay time.Duration `envconfig:"INTERPOLATION_DELAY" default:"100ms"`
	StatsResync        time.Duration `envconfig:"STATS_RESYNC" default:"5s"`

	PlayerName  string `envconfig:"PLAYER_NAME" default:"player"`
	PlayerColor string `envconfig:"PLAYER_COLOR" default:"#ff8800"`

	FeedAddr string `envconfig:"FEED_ADDR"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads files (.env when none are given) if they exist, then the
// environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("could not load env file: %w", err)
	}

	config := new(Config)
	if err := envconfig.Process(Prefix, config); err != nil {
		return nil, fmt.Errorf("could not process env: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports every violated rule at once.
func (c *Config) Validate() error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Mode != "" && c.Mode != ModeHost && c.Mode != ModeClient {
		fail("unknown mode %q", c.Mode)
	}
	if c.Transport != TransportUDP && c.Transport != TransportENet {
		fail("unknown transport %q", c.Transport)
	}
	if c.Addr == "" {
		fail("address is required")
	}
	// ids and player lists are single-byte counted on the wire
	if c.MaxPlayers < 1 || c.MaxPlayers > protocol.MaxListLen {
		fail("max players must be within [1, %d], got %d", protocol.MaxListLen, c.MaxPlayers)
	}
	if c.TickRate <= 0 {
		fail("tick rate must be positive, got %d", c.TickRate)
	}
	if c.FrameRate <= 0 {
		fail("frame rate must be positive, got %d", c.FrameRate)
	}
	if c.InterpolationDelay < 0 {
		fail("interpolation delay must not be negative, got %s", c.InterpolationDelay)
	}
	if c.StatsResync < 0 {
		fail("stats resync must not be negative, got %s", c.StatsResync)
	}
	if c.ConnectionTimeout <= 0 {
		fail("connection timeout must be positive, got %s", c.ConnectionTimeout)
	}
	if len(c.PlayerName) > maxNameLen {
		fail("player name longer than %d bytes", maxNameLen)
	}
	if _, err := ParseColor(c.PlayerColor); err != nil {
		errs = multierror.Append(errs, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		fail("unknown log level %q", c.LogLevel)
	}

	return errs
}

// CheckMode fails when Mode pins a role other than mode.
func (c *Config) CheckMode(mode string) error {
	if c.Mode != "" && c.Mode != mode {
		return fmt.Errorf("configured for %s mode, not %s", c.Mode, mode)
	}
	return nil
}

func (c *Config) LoggerLevel() log.Level {
	return log.ParseLevel(strings.ToLower(c.LogLevel))
}

func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		AppID:   c.AppID,
		Version: c.AppVersion,
		Timeout: c.ConnectionTimeout,
	}
}

func (c *Config) Preferences() protocol.PlayerPreferences {
	// validated already
	rgba, _ := ParseColor(c.PlayerColor)
	return protocol.PlayerPreferences{Name: c.PlayerName, Color: rgba}
}

func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FrameRate)
}

// ParseColor parses "#rrggbb"; alpha is opaque.
func ParseColor(s string) (color.RGBA, error) {
	hex, ok := strings.CutPrefix(s, "#")
	if !ok || len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("color %q is not #rrggbb", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("color %q is not #rrggbb: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
