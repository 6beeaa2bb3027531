// Package config loads recorder settings and lays out session folders.
//
// Settings come from config.yml (searched in the working directory and
// ./configs), overridden by VICAP_* environment variables, e.g.
// VICAP_DEVICE_PASSWORD or VICAP_VICON_LISTEN. Every key has a default, so a
// missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/vicap/internal/remotelog"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "VICAP"

// Config is the full recorder configuration.
type Config struct {
	Data    DataConfig          `mapstructure:"data"`
	Device  DeviceConfig        `mapstructure:"device"`
	Vicon   ViconConfig         `mapstructure:"vicon"`
	Remote  RemoteConfig        `mapstructure:"remote"`
	Capture CaptureConfig       `mapstructure:"capture"`
	Events  []remotelog.TagRule `mapstructure:"events"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

// DataConfig locates session folders.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// DeviceConfig describes the robot whose log is followed.
type DeviceConfig struct {
	Host       string `mapstructure:"host"`
	User       string `mapstructure:"user"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	KeyFile    string `mapstructure:"key_file"`
	KnownHosts string `mapstructure:"known_hosts"`

	// LogPath is followed with tail; Container with docker logs. LogPath
	// wins when both are set.
	LogPath   string `mapstructure:"log_path"`
	Container string `mapstructure:"container"`
}

// ViconConfig configures the UDP motion reader.
type ViconConfig struct {
	Listen      string        `mapstructure:"listen"`
	QueueSize   int           `mapstructure:"queue_size"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	ReadBuffer  int           `mapstructure:"read_buffer"`
}

// RemoteConfig configures the SSH connection and reconnect policy.
type RemoteConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Keepalive      time.Duration `mapstructure:"keepalive"`

	// Command replaces the generated follow command when set.
	Command string `mapstructure:"command"`

	Retry remotelog.RetryPolicy `mapstructure:",squash"`
}

// CaptureConfig bounds the session lifecycle.
type CaptureConfig struct {
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	LogQueueSize   int           `mapstructure:"log_queue_size"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// Load reads path, or searches for config.yml when path is empty, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static; decoding them cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	retry := remotelog.DefaultRetryPolicy()

	v.SetDefault("data.dir", "data")

	v.SetDefault("device.host", "")
	v.SetDefault("device.user", "")
	v.SetDefault("device.port", 22)
	v.SetDefault("device.password", "")
	v.SetDefault("device.key_file", "")
	v.SetDefault("device.known_hosts", "")
	v.SetDefault("device.log_path", "")
	v.SetDefault("device.container", "")

	v.SetDefault("vicon.listen", "0.0.0.0:51001")
	v.SetDefault("vicon.queue_size", 4096)
	v.SetDefault("vicon.read_timeout", "200ms")
	v.SetDefault("vicon.read_buffer", 0)

	v.SetDefault("remote.connect_timeout", "10s")
	v.SetDefault("remote.keepalive", "15s")
	v.SetDefault("remote.command", "")
	v.SetDefault("remote.initial_interval", retry.InitialInterval.String())
	v.SetDefault("remote.max_interval", retry.MaxInterval.String())
	v.SetDefault("remote.multiplier", retry.Multiplier)
	v.SetDefault("remote.randomization_factor", retry.RandomizationFactor)
	v.SetDefault("remote.max_retries", retry.MaxRetries)

	v.SetDefault("capture.startup_timeout", "15s")
	v.SetDefault("capture.stop_timeout", "10s")
	v.SetDefault("capture.log_queue_size", 1024)
	v.SetDefault("capture.batch_size", 256)

	v.SetDefault("events", []map[string]string{})
}

// Validate checks values that would otherwise fail deep inside a session.
func (c *Config) Validate() error {
	var errs []error
	if c.Data.Dir == "" {
		errs = append(errs, errors.New("data.dir is empty"))
	}
	if c.Vicon.Listen == "" {
		errs = append(errs, errors.New("vicon.listen is empty"))
	}
	if c.Device.Port < 0 || c.Device.Port > 65535 {
		errs = append(errs, fmt.Errorf("device.port %d out of range", c.Device.Port))
	}
	if c.Remote.Retry.Multiplier != 0 && c.Remote.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("remote.multiplier %v must be at least 1", c.Remote.Retry.Multiplier))
	}
	if c.Remote.Retry.RandomizationFactor < 0 || c.Remote.Retry.RandomizationFactor > 1 {
		errs = append(errs, fmt.Errorf("remote.randomization_factor %v must be within [0, 1]", c.Remote.Retry.RandomizationFactor))
	}
	if c.Capture.StartupTimeout <= 0 {
		errs = append(errs, errors.New("capture.startup_timeout must be positive"))
	}
	if c.Capture.StopTimeout <= 0 {
		errs = append(errs, errors.New("capture.stop_timeout must be positive"))
	}
	for i, r := range c.Events {
		if r.Tag == "" || r.Pattern == "" {
			errs = append(errs, fmt.Errorf("events[%d]: tag and pattern are required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ApplyTarget overrides the device address and user.
func (c *Config) ApplyTarget(t Target) {
	c.Device.User = t.User
	c.Device.Host = t.Host
	c.Device.Port = t.Port
}
