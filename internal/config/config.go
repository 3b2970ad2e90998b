package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "MESHCALL"

type JoinRate struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type MQTT struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

type History struct {
	Queue int  `mapstructure:"queue"`
	MQTT  MQTT `mapstructure:"mqtt"`
}

type MDNS struct {
	Enabled  bool   `mapstructure:"enabled"`
	Instance string `mapstructure:"instance"`
}

// Config is the relay server configuration.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
	APIKey     string        `mapstructure:"api_key"`
	ICEServers []string      `mapstructure:"ice_servers"`
	JoinRate   JoinRate      `mapstructure:"join_rate"`
	History    History       `mapstructure:"history"`
	MDNS       MDNS          `mapstructure:"mdns"`
	LogLevel   string        `mapstructure:"log_level"`
}

type Media struct {
	Enabled bool `mapstructure:"enabled"`
}

// ClientConfig configures the meshpeer participant.
type ClientConfig struct {
	RelayURL   string   `mapstructure:"relay_url"`
	Room       string   `mapstructure:"room"`
	Name       string   `mapstructure:"name"`
	ICEServers []string `mapstructure:"ice_servers"`
	Codec      string   `mapstructure:"codec"`
	APIKey     string   `mapstructure:"api_key"`
	Media      Media    `mapstructure:"media"`
	Discover   bool     `mapstructure:"discover"`
	LogLevel   string   `mapstructure:"log_level"`
}

var defaultICEServers = []string{"stun:stun.l.google.com:19302"}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "meshcall-dev-secret")
	v.SetDefault("api_key", "")
	v.SetDefault("ice_servers", defaultICEServers)
	v.SetDefault("join_rate.limit", 10)
	v.SetDefault("join_rate.interval", "1m")
	v.SetDefault("history.queue", 256)
	v.SetDefault("history.mqtt.broker", "")
	v.SetDefault("history.mqtt.topic", "meshcall/rooms")
	v.SetDefault("history.mqtt.client_id", "meshcall-relay")
	v.SetDefault("mdns.enabled", false)
	v.SetDefault("mdns.instance", "meshcall")
	v.SetDefault("log_level", "info")
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("room", "")
	v.SetDefault("name", "")
	v.SetDefault("ice_servers", defaultICEServers)
	v.SetDefault("codec", "json")
	v.SetDefault("api_key", "")
	v.SetDefault("media.enabled", true)
	v.SetDefault("discover", false)
	v.SetDefault("log_level", "info")
}

// ServerFile is config/config.<CONFIG_ENV>.yaml.
func ServerFile() string { return envFile("config") }

// LoadServer reads file (if present), env overrides and whatever flags the
// caller already bound to v.
func LoadServer(v *viper.Viper, file string) (*Config, error) {
	setServerDefaults(v)
	var cfg Config
	if err := read(v, file, &cfg); err != nil {
		return nil, err
	}
	if cfg.PingPeriod >= cfg.PongWait {
		return nil, fmt.Errorf("ping_period %s must be shorter than pong_wait %s", cfg.PingPeriod, cfg.PongWait)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("static", cfg.StaticPath).Msg("server config")
	return &cfg, nil
}

func LoadClient(v *viper.Viper, file string) (*ClientConfig, error) {
	setClientDefaults(v)
	var cfg ClientConfig
	if err := read(v, file, &cfg); err != nil {
		return nil, err
	}
	if cfg.Codec != "json" && cfg.Codec != "msgpack" {
		return nil, fmt.Errorf("unknown codec %q", cfg.Codec)
	}
	return &cfg, nil
}

// ClientFile is the meshpeer counterpart of the server config file.
func ClientFile() string { return envFile("meshpeer") }

func envFile(base string) string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/%s.%s.yaml", base, env)
}

func read(v *viper.Viper, file string, out any) error {
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to read config %s: %w", file, err)
			}
			log.Warn().Str("module", "config").Str("file", file).Msg("config file not found, using defaults")
		} else {
			log.Info().Str("module", "config").Str("file", file).Msg("loaded config")
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}
