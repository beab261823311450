// Package config loads the process environment and the queue configuration file.
package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/roadrunner-server/errors"
)

const DefaultPath string = "config/queue.yaml"

// Env is the process level configuration.
type Env struct {
	ConfigPath  string `envconfig:"QUEUE_CONFIG" default:"config/queue.yaml"`
	Driver      string `envconfig:"QUEUE_DRIVER"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"console"`
	MetricsAddr string `envconfig:"QUEUE_METRICS_ADDR"`
}

// LoadEnv reads .env files (when present) and then the environment.
func LoadEnv(files ...string) (*Env, error) {
	const op = errors.Op("config_load_env")
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, f := range files {
		// a missing .env is fine, the variables may come from the shell
		_ = godotenv.Load(f)
	}

	var env Env
	err := envconfig.Process("", &env)
	if err != nil {
		return nil, errors.E(op, err)
	}

	return &env, nil
}
