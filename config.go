package queue

import (
	"strings"
	"time"

	"github.com/roadrunner-server/errors"
)

const (
	// PluginName is the configuration section read by ConfigFrom.
	PluginName string = "queue"

	defaultConnection string = "sync"
	defaultRetryAfter int    = 90
	defaultMaxTries   int    = 3
	defaultTimeout    int    = 60
)

// Config defines the queue configuration.
type Config struct {
	// Default connection used when an operation names none.
	Default string `mapstructure:"default"`

	// Connections by name. Each carries a "driver" key plus driver specific options.
	Connections map[string]Connection `mapstructure:"connections"`

	// RetryAfter is the reservation window in seconds for backends that reserve jobs.
	RetryAfter int `mapstructure:"retry_after"`

	// MaxTries is stamped on every job as max_attempts.
	MaxTries int `mapstructure:"max_tries"`

	// Timeout bounds a single push, in seconds.
	Timeout int `mapstructure:"timeout"`
}

func (c *Config) InitDefaults() {
	// connection names are case insensitive, viper lowercases them anyway
	c.Default = strings.ToLower(c.Default)
	if c.Default == "" {
		c.Default = defaultConnection
	}

	conns := make(map[string]Connection, len(c.Connections))
	for name, conn := range c.Connections {
		name = strings.ToLower(name)
		lowered := make(Connection, len(conn))
		for k, v := range conn {
			lowered[strings.ToLower(k)] = v
		}
		lowered.With(nameKey, name)
		if lowered.String(driverKey, "") == "" {
			lowered.With(driverKey, name)
		}
		conns[name] = lowered
	}
	c.Connections = conns

	if c.RetryAfter <= 0 {
		c.RetryAfter = defaultRetryAfter
	}

	if c.MaxTries <= 0 {
		c.MaxTries = defaultMaxTries
	}

	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

func (c *Config) retryAfter() time.Duration {
	return time.Duration(c.RetryAfter) * time.Second
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// ConfigFrom reads the queue section. A missing section yields the defaults.
func ConfigFrom(cfg Configurer) (*Config, error) {
	const op = errors.Op("queue_config_from")
	c := &Config{}
	if cfg != nil && cfg.Has(PluginName) {
		if err := cfg.UnmarshalKey(PluginName, c); err != nil {
			return nil, errors.E(op, err)
		}
	}

	c.InitDefaults()
	return c, nil
}
