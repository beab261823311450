package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionGetters(t *testing.T) {
	c := Connection{
		"name":    "mail",
		"host":    "localhost",
		"port":    "6379",
		"db":      2,
		"ratio":   1.5,
		"enabled": "TRUE",
		"off":     false,
		"empty":   "",
		"block":   "500ms",
		"ttr":     60,
		"wait":    "2",
	}

	assert.Equal(t, "mail", c.Name())
	assert.Equal(t, "mail", c.Driver())
	assert.Equal(t, "localhost", c.String("host", "x"))
	assert.Equal(t, "2", c.String("db", "x"))
	assert.Equal(t, "1.5", c.String("ratio", "x"))
	assert.Equal(t, "x", c.String("empty", "x"))
	assert.Equal(t, "x", c.String("missing", "x"))

	assert.Equal(t, 6379, c.Int("port", 0))
	assert.Equal(t, 2, c.Int("db", 0))
	assert.Equal(t, 1, c.Int("ratio", 0))
	assert.Equal(t, 9, c.Int("host", 9))

	assert.True(t, c.Bool("enabled", false))
	assert.False(t, c.Bool("off", true))
	assert.True(t, c.Bool("host", true))

	assert.Equal(t, 500*time.Millisecond, c.Duration("block", 0))
	assert.Equal(t, time.Minute, c.Duration("ttr", 0))
	assert.Equal(t, 2*time.Second, c.Duration("wait", 0))
	assert.Equal(t, time.Second, c.Duration("host", time.Second))

	assert.True(t, c.Has("host"))
	assert.False(t, c.Has("missing"))
	assert.Nil(t, c.Get("missing"))
}

func TestConnectionDriver(t *testing.T) {
	c := Connection{"name": "jobs", "driver": "Redis"}
	assert.Equal(t, "redis", c.Driver())

	c.With("driver", "")
	assert.Equal(t, "jobs", c.Driver())
}
