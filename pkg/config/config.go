// Package config loads node settings from defaults, an optional YAML file and
// command line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	RelayOff    = "off"
	RelayAuto   = "auto"
	RelayAlways = "always"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Tracker TrackerConfig `mapstructure:"tracker" yaml:"tracker"`
	Relay   RelayConfig   `mapstructure:"relay" yaml:"relay"`
	Peer    PeerConfig    `mapstructure:"peer" yaml:"peer"`
}

type LogConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	File    string `mapstructure:"file" yaml:"file"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

type TrackerConfig struct {
	ListenAddr       string `mapstructure:"listen_addr" yaml:"listen_addr"`
	MaxPeersPerReply int    `mapstructure:"max_peers_per_reply" yaml:"max_peers_per_reply"`
	Advertise        bool   `mapstructure:"advertise" yaml:"advertise"`
}

type RelayConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// Forwarding ports are allocated from [PortBase, PortBase+PortCount).
	PortBase  int  `mapstructure:"port_base" yaml:"port_base"`
	PortCount int  `mapstructure:"port_count" yaml:"port_count"`
	Advertise bool `mapstructure:"advertise" yaml:"advertise"`
}

type PeerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr" yaml:"listen_addr"`
	TrackerAddr string `mapstructure:"tracker_addr" yaml:"tracker_addr"`
	RelayAddr   string `mapstructure:"relay_addr" yaml:"relay_addr"`
	RelayMode   string `mapstructure:"relay_mode" yaml:"relay_mode"`
	// Discover resolves missing tracker and relay addresses over mDNS.
	Discover    bool   `mapstructure:"discover" yaml:"discover"`
	DownloadDir string `mapstructure:"download_dir" yaml:"download_dir"`

	CycleInterval       time.Duration `mapstructure:"cycle_interval" yaml:"cycle_interval"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	TrackerTimeout      time.Duration `mapstructure:"tracker_timeout" yaml:"tracker_timeout"`
	MaxRequestsPerCycle int           `mapstructure:"max_requests_per_cycle" yaml:"max_requests_per_cycle"`
	// UploadRateLimit is in bytes per second; zero disables throttling.
	UploadRateLimit int `mapstructure:"upload_rate_limit" yaml:"upload_rate_limit"`
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
			File:  "logs/p2p-swarm.log",
		},
		Tracker: TrackerConfig{
			ListenAddr:       "0.0.0.0:7777",
			MaxPeersPerReply: 50,
			Advertise:        true,
		},
		Relay: RelayConfig{
			ListenAddr: "0.0.0.0:7778",
			PortBase:   40000,
			PortCount:  100,
			Advertise:  true,
		},
		Peer: PeerConfig{
			ListenAddr:          "0.0.0.0:0",
			TrackerAddr:         "127.0.0.1:7777",
			RelayMode:           RelayOff,
			DownloadDir:         "downloads",
			CycleInterval:       time.Second,
			RequestTimeout:      30 * time.Second,
			TrackerTimeout:      time.Second,
			MaxRequestsPerCycle: 10,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := Decode(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Decode merges raw into cfg. Keys absent from raw keep their current value.
func Decode(raw map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func (c Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}
	for name, addr := range map[string]string{
		"tracker.listen_addr": c.Tracker.ListenAddr,
		"relay.listen_addr":   c.Relay.ListenAddr,
		"peer.listen_addr":    c.Peer.ListenAddr,
	} {
		_, _, splitErr := net.SplitHostPort(addr)
		check(splitErr == nil, "%s %q is not host:port", name, addr)
	}
	switch c.Peer.RelayMode {
	case RelayOff, RelayAuto, RelayAlways:
	default:
		check(false, "peer.relay_mode %q must be off, auto or always", c.Peer.RelayMode)
	}
	check(c.Peer.RelayMode == RelayOff || c.Peer.RelayAddr != "" || c.Peer.Discover,
		"peer.relay_addr is required when relay_mode is %s", c.Peer.RelayMode)
	check(c.Peer.CycleInterval > 0, "peer.cycle_interval must be positive")
	check(c.Peer.RequestTimeout > 0, "peer.request_timeout must be positive")
	check(c.Peer.TrackerTimeout > 0, "peer.tracker_timeout must be positive")
	check(c.Peer.MaxRequestsPerCycle > 0, "peer.max_requests_per_cycle must be positive")
	check(c.Peer.UploadRateLimit >= 0, "peer.upload_rate_limit must not be negative")
	check(c.Relay.PortBase > 0 && c.Relay.PortBase+c.Relay.PortCount <= 65536 && c.Relay.PortCount > 0,
		"relay port range %d+%d is outside 1-65535", c.Relay.PortBase, c.Relay.PortCount)
	check(c.Tracker.MaxPeersPerReply > 0, "tracker.max_peers_per_reply must be positive")
	return err
}
