package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrMissingPort is returned when no signaling port is configured.
var ErrMissingPort = errors.New("port is required")

const envPrefix = "STREAM_RELAY"

// Config holds the application configuration.
type Config struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
	Role string `mapstructure:"role"`

	Log      LogConfig      `mapstructure:"log"`
	Signal   SignalConfig   `mapstructure:"signal"`
	Registry RegistryConfig `mapstructure:"registry"`
	Preview  PreviewConfig  `mapstructure:"preview"`
	WebRTC   WebRTCConfig   `mapstructure:"webrtc"`
	DevHost  DevHostConfig  `mapstructure:"devhost"`
	Viewer   ViewerConfig   `mapstructure:"viewer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type SignalConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// ReconnectBackoff enables bounded exponential backoff between reconnect
	// attempts. Off by default: reconnects are immediate and unbounded.
	ReconnectBackoff bool `mapstructure:"reconnect_backoff"`
}

type RegistryConfig struct {
	PreviewInterval time.Duration `mapstructure:"preview_interval"`
}

type PreviewConfig struct {
	Width   uint `mapstructure:"width"`
	Quality int  `mapstructure:"quality"`
}

type WebRTCConfig struct {
	// Codec is forced as the preferred video codec of outgoing offers.
	// Empty disables codec shaping.
	Codec          string   `mapstructure:"codec"`
	BandwidthKbps  int      `mapstructure:"bandwidth_kbps"`
	FilterLoopback bool     `mapstructure:"filter_loopback"`
	ICEServers     []string `mapstructure:"ice_servers"`
}

type DevHostConfig struct {
	RosterFile string `mapstructure:"roster_file"`
	FPS        int    `mapstructure:"fps"`
}

type ViewerConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// Load reads configuration from, in increasing precedence: defaults, an
// optional config file, a .env file, STREAM_RELAY_* environment variables
// and command line flags.
func Load(args []string) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("stream_relay", pflag.ContinueOnError)
	fs.Int("port", 0, "signaling websocket port")
	fs.String("host", "localhost", "signaling host (producer) or bind address (viewer)")
	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.String("log-level", "info", "log level")
	fs.String("roster", "", "development roster file")
	fs.String("output", "./recordings", "directory for received video")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("port", 0)
	v.SetDefault("host", "localhost")
	v.SetDefault("role", "producer")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("signal.ping_interval", "20s")
	v.SetDefault("signal.reconnect_backoff", false)
	v.SetDefault("registry.preview_interval", "15s")
	v.SetDefault("preview.width", 320)
	v.SetDefault("preview.quality", 70)
	v.SetDefault("webrtc.codec", "H264")
	v.SetDefault("webrtc.bandwidth_kbps", 0)
	v.SetDefault("webrtc.filter_loopback", false)
	v.SetDefault("webrtc.ice_servers", []string{})
	v.SetDefault("devhost.roster_file", "roster.yaml")
	v.SetDefault("devhost.fps", 30)
	v.SetDefault("viewer.output_dir", "./recordings")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	binds := map[string]string{
		"port":                "port",
		"host":                "host",
		"log.level":           "log-level",
		"devhost.roster_file": "roster",
		"viewer.output_dir":   "output",
	}
	for key, flag := range binds {
		f := fs.Lookup(flag)
		if !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, errors.Wrapf(err, "bind flag %s", flag)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if cfg.Port <= 0 {
		return nil, ErrMissingPort
	}
	return &cfg, nil
}
