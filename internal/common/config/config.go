// Package config loads service configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the loop manager service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Loops      LoopDefaults     `mapstructure:"loops"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int `mapstructure:"write_timeout"` // seconds
}

// ReadTimeoutDuration returns the read timeout as a duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	Path   string `mapstructure:"path"`   // sqlite file path
	URL    string `mapstructure:"url"`    // postgres connection string
}

// NATSConfig configures the optional NATS event bus. When URL is empty the
// service runs with the in-process bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
	ReconnectWait int    `mapstructure:"reconnect_wait"` // seconds
}

// ReconnectWaitDuration returns the reconnect wait as a duration.
func (n NATSConfig) ReconnectWaitDuration() time.Duration {
	return time.Duration(n.ReconnectWait) * time.Second
}

// DeploymentConfig carries deployment-wide policy flags.
type DeploymentConfig struct {
	// RemoteOnly refuses spawn-mode agent transports and local command
	// execution; everything must go through SSH.
	RemoteOnly bool `mapstructure:"remote_only"`
}

// LoopDefaults are fallbacks applied when a loop config omits a field.
type LoopDefaults struct {
	MaxIterations          int    `mapstructure:"max_iterations"`
	MaxConsecutiveErrors   int    `mapstructure:"max_consecutive_errors"`
	ActivityTimeoutSeconds int    `mapstructure:"activity_timeout_seconds"`
	BranchPrefix           string `mapstructure:"branch_prefix"`
	CommitPrefix           string `mapstructure:"commit_prefix"`
}

// Load reads configuration from loopdev.yaml (working directory or
// /etc/loopdev) and LOOPDEV_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("loopdev")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/loopdev")

	v.SetEnvPrefix("LOOPDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; environment and defaults suffice.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8084)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "loopdev.db")

	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2)

	v.SetDefault("deployment.remote_only", false)

	v.SetDefault("loops.max_iterations", 25)
	v.SetDefault("loops.max_consecutive_errors", 3)
	v.SetDefault("loops.activity_timeout_seconds", 300)
	v.SetDefault("loops.branch_prefix", "loop/")
	v.SetDefault("loops.commit_prefix", "loop: ")
}
