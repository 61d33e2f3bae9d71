package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	BusMemory = "memory"
	BusWS     = "ws"
	BusGossip = "gossip"
)

type Config struct {
	Mode        string            `mapstructure:"mode"`
	LogLevel    string            `mapstructure:"log_level"`
	Topic       string            `mapstructure:"topic"`
	Participant ParticipantConfig `mapstructure:"participant"`
	Bus         BusConfig         `mapstructure:"bus"`
	Hub         HubConfig         `mapstructure:"hub"`
	ICE         ICEConfig         `mapstructure:"ice"`
	Media       MediaConfig       `mapstructure:"media"`

	v *viper.Viper
}

type ParticipantConfig struct {
	APIPort   int  `mapstructure:"api_port"`
	AutoStart bool `mapstructure:"auto_start"`
}

type BusConfig struct {
	Kind       string   `mapstructure:"kind"`
	HubURL     string   `mapstructure:"hub_url"`
	GossipPort int      `mapstructure:"gossip_port"`
	MDNSTag    string   `mapstructure:"mdns_tag"`
	Bootstrap  []string `mapstructure:"bootstrap"`
}

type HubConfig struct {
	Port         int           `mapstructure:"port"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	Secret       string        `mapstructure:"secret"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	Backpressure string        `mapstructure:"backpressure"`
}

type ICEConfig struct {
	Servers             []string      `mapstructure:"servers"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepaliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

type MediaConfig struct {
	Source string `mapstructure:"source"`
	Audio  bool   `mapstructure:"audio"`
	Video  bool   `mapstructure:"video"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("topic", "webrtc")

	v.SetDefault("participant.api_port", 8081)
	v.SetDefault("participant.auto_start", false)

	v.SetDefault("bus.kind", BusWS)
	v.SetDefault("bus.hub_url", "ws://localhost:8080/api/ws")
	v.SetDefault("bus.gossip_port", 0)
	v.SetDefault("bus.mdns_tag", "meshcall")
	v.SetDefault("bus.bootstrap", []string{})

	v.SetDefault("hub.port", 8080)
	v.SetDefault("hub.read_limit", 32768)
	v.SetDefault("hub.ping_period", "54s")
	v.SetDefault("hub.secret", "meshcall-dev-secret")
	v.SetDefault("hub.send_buffer", 64)
	v.SetDefault("hub.rate_limit", 200)
	v.SetDefault("hub.rate_interval", "1s")
	v.SetDefault("hub.backpressure", "kick")

	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.disconnected_timeout", "30s")
	v.SetDefault("ice.failed_timeout", "120s")
	v.SetDefault("ice.keepalive_interval", "2s")

	v.SetDefault("media.source", "synthetic")
	v.SetDefault("media.audio", true)
	v.SetDefault("media.video", true)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). Missing files
// fall back to defaults. MESH_* variables override both, e.g. MESH_BUS_KIND.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("topic", cfg.Topic).Str("bus", cfg.Bus.Kind).Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.v = v
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is empty"))
	}
	switch c.Bus.Kind {
	case BusMemory, BusWS, BusGossip:
	default:
		errs = append(errs, fmt.Errorf("unknown bus kind %q", c.Bus.Kind))
	}
	if c.Bus.Kind == BusWS && c.Bus.HubURL == "" {
		errs = append(errs, errors.New("bus.hub_url is required for the ws bus"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Hub.SendBuffer <= 0 {
		errs = append(errs, errors.New("hub.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, info when unset.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// OnChange watches the config file and calls fn with every valid revision.
// Invalid revisions are logged and skipped.
func (c *Config) OnChange(fn func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(c.v.ConfigFileUsed()); err != nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(c.v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("ignored invalid config change")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config changed")
		fn(next)
	})
	c.v.WatchConfig()
}
