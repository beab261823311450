package config

import (
	"bytes"
	stderr "errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/roadrunner-server/errors"
	"github.com/spf13/viper"
)

// Viper reads a YAML or JSON file. ${VAR} references are expanded before parsing.
type Viper struct {
	v *viper.Viper
}

// Load reads path. A missing file is only an error when required is set.
func Load(path string, required bool) (*Viper, error) {
	const op = errors.Op("config_load")

	v := viper.New()

	data, err := os.ReadFile(path)
	if err != nil {
		if stderr.Is(err, os.ErrNotExist) && !required {
			return &Viper{v: v}, nil
		}
		return nil, errors.E(op, err)
	}

	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		ext = "yaml"
	}
	v.SetConfigType(ext)

	err = v.ReadConfig(bytes.NewBufferString(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, errors.E(op, err)
	}

	return &Viper{v: v}, nil
}

func (c *Viper) UnmarshalKey(name string, out any) error {
	const op = errors.Op("config_unmarshal_key")
	if err := c.v.UnmarshalKey(name, out); err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (c *Viper) Has(name string) bool {
	return c.v.IsSet(name)
}
