package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const EnvPrefix = "CHUNKSWARM"

type Config struct {
	Registry RegistryConfig `mapstructure:"registry"`
	Seed     SeedConfig     `mapstructure:"seed"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Client   ClientConfig   `mapstructure:"client"`
	Log      LogConfig      `mapstructure:"log"`
}

type RegistryConfig struct {
	Listen        string        `mapstructure:"listen"`
	AdminListen   string        `mapstructure:"admin_listen"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// ExemptProvider names a provider id (e.g. "S1") that is never evicted.
	ExemptProvider string  `mapstructure:"exempt_provider"`
	RequestRate    float64 `mapstructure:"request_rate"`
	RequestBurst   int     `mapstructure:"request_burst"`
}

type SeedConfig struct {
	ListenHost        string        `mapstructure:"listen_host"`
	AdvertiseHost     string        `mapstructure:"advertise_host"`
	Port              int           `mapstructure:"port"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxUploads        int64         `mapstructure:"max_uploads"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	Files             []string      `mapstructure:"files"`
}

type FetchConfig struct {
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	IOTimeout     time.Duration `mapstructure:"io_timeout"`
	ScratchDir    string        `mapstructure:"scratch_dir"`
	OutputDir     string        `mapstructure:"output_dir"`
	OutputPrefix  string        `mapstructure:"output_prefix"`
	Reference     string        `mapstructure:"reference"`
	Digest        string        `mapstructure:"digest"`
}

type ClientConfig struct {
	Registry string        `mapstructure:"registry"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SetDefaults registers every key so environment variables resolve even
// when no config file sets them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("registry.listen", "0.0.0.0:6000")
	v.SetDefault("registry.admin_listen", "")
	v.SetDefault("registry.stale_after", protocol.StaleThreshold.String())
	v.SetDefault("registry.sweep_interval", protocol.SweepInterval.String())
	v.SetDefault("registry.exempt_provider", "")
	v.SetDefault("registry.request_rate", 0)
	v.SetDefault("registry.request_burst", 100)

	v.SetDefault("seed.listen_host", "0.0.0.0")
	v.SetDefault("seed.advertise_host", "")
	v.SetDefault("seed.port", 0)
	v.SetDefault("seed.heartbeat_interval", protocol.HeartbeatInterval.String())
	v.SetDefault("seed.max_uploads", 64)
	v.SetDefault("seed.read_timeout", "10s")
	v.SetDefault("seed.files", []string{})

	v.SetDefault("fetch.max_concurrent", 16)
	v.SetDefault("fetch.dial_timeout", "3s")
	v.SetDefault("fetch.io_timeout", "10s")
	v.SetDefault("fetch.scratch_dir", "")
	v.SetDefault("fetch.output_dir", ".")
	v.SetDefault("fetch.output_prefix", "New_")
	v.SetDefault("fetch.reference", "")
	v.SetDefault("fetch.digest", "")

	v.SetDefault("client.registry", "127.0.0.1:6000")
	v.SetDefault("client.timeout", "5s")

	v.SetDefault("log.level", "info")
}

// Load layers defaults, the optional config file at path and CHUNKSWARM_*
// environment variables. Flags bound to v before Load take precedence.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Registry.StaleAfter <= 0 {
		errs = append(errs, errors.New("registry.stale_after must be positive"))
	}
	if c.Registry.SweepInterval <= 0 {
		errs = append(errs, errors.New("registry.sweep_interval must be positive"))
	}
	if _, err := c.Registry.ExemptID(); err != nil {
		errs = append(errs, err)
	}
	if c.Registry.RequestRate < 0 {
		errs = append(errs, errors.New("registry.request_rate must not be negative"))
	}
	if c.Seed.Port < 0 || c.Seed.Port > 65535 {
		errs = append(errs, fmt.Errorf("seed.port %d out of range", c.Seed.Port))
	}
	if c.Seed.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("seed.heartbeat_interval must be positive"))
	}
	if c.Seed.MaxUploads <= 0 {
		errs = append(errs, errors.New("seed.max_uploads must be positive"))
	}
	if c.Fetch.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("fetch.max_concurrent must be positive"))
	}
	if _, err := c.Log.ZapLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ExemptID parses ExemptProvider. Empty means no exemption.
func (r RegistryConfig) ExemptID() (protocol.ProviderID, error) {
	if r.ExemptProvider == "" {
		return 0, nil
	}
	id, err := protocol.ParseProviderID(r.ExemptProvider)
	if err != nil {
		return 0, fmt.Errorf("registry.exempt_provider: %w", err)
	}
	return id, nil
}

func (l LogConfig) ZapLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
