// Package config loads gateway configuration from an optional YAML file
// and OFFLINEKIT_-prefixed environment variables, with environment taking
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the offline gateway.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Push         PushConfig         `mapstructure:"push"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig configures the gateway's listening HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"required"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"required"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required"`
}

// StoreConfig configures the SQLite durable store.
type StoreConfig struct {
	Path         string        `mapstructure:"path" validate:"required"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns" validate:"min=1"`
	MaxIdleConns int           `mapstructure:"max_idle_conns" validate:"min=1"`
}

// SyncConfig tunes the queue synchronizer.
type SyncConfig struct {
	MaxRetries        int           `mapstructure:"max_retries" validate:"required,min=1"`
	DrainInterval     time.Duration `mapstructure:"drain_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"required"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" validate:"required"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" validate:"required"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"required,gte=1"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter" validate:"gte=0,lte=1"`
}

// ConnectivityConfig configures the reachability prober. An empty
// ProbeURL disables probing and the monitor assumes online.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url" validate:"omitempty,url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"required"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" validate:"required"`
}

// GatewayConfig configures request interception and caching.
type GatewayConfig struct {
	UpstreamURL      string        `mapstructure:"upstream_url" validate:"required,url"`
	OfflinePage      string        `mapstructure:"offline_page"`
	PlaceholderImage string        `mapstructure:"placeholder_image"`
	PrecacheManifest string        `mapstructure:"precache_manifest"`
	UpstreamTimeout  time.Duration `mapstructure:"upstream_timeout" validate:"required"`
}

// PushConfig configures the websocket push listener. Disabled when the
// URL is empty.
type PushConfig struct {
	URL              string        `mapstructure:"url" validate:"omitempty,url"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial" validate:"required"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max" validate:"required"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format      string `mapstructure:"format" validate:"oneof=text json"`
	Environment string `mapstructure:"environment" validate:"oneof=development production"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.path", "./data/offlinekit.db")
	v.SetDefault("store.busy_timeout", 5*time.Second)
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)

	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.drain_interval", 5*time.Minute)
	v.SetDefault("sync.request_timeout", 30*time.Second)
	v.SetDefault("sync.initial_backoff", 1*time.Second)
	v.SetDefault("sync.max_backoff", 2*time.Minute)
	v.SetDefault("sync.backoff_multiplier", 2.0)
	v.SetDefault("sync.backoff_jitter", 0.2)

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.probe_timeout", 5*time.Second)

	v.SetDefault("gateway.upstream_url", "http://localhost:8080")
	v.SetDefault("gateway.offline_page", "")
	v.SetDefault("gateway.placeholder_image", "")
	v.SetDefault("gateway.precache_manifest", "")
	v.SetDefault("gateway.upstream_timeout", 30*time.Second)

	v.SetDefault("push.url", "")
	v.SetDefault("push.reconnect_initial", 1*time.Second)
	v.SetDefault("push.reconnect_max", 1*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.environment", "production")
}

// Load reads configuration from offlinekit.yaml in confPath (optional)
// and the environment. Environment variables like
// OFFLINEKIT_SERVER_PORT override file values.
func Load(confPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("offlinekit")
	v.SetConfigType("yaml")
	if confPath != "" {
		v.AddConfigPath(confPath)
	}
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("OFFLINEKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Running from defaults and env vars alone is supported.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			first := errs[0]
			return fmt.Errorf("invalid config: field %s failed %q validation", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Sync.MaxBackoff < c.Sync.InitialBackoff {
		return fmt.Errorf("invalid config: sync.max_backoff must be >= sync.initial_backoff")
	}
	return nil
}
