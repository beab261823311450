package queue

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Connection holds the options of one named connection, as read from configuration.
type Connection map[string]any

const (
	driverKey string = "driver"
	nameKey   string = "name"

	trueStr  string = "true"
	falseStr string = "false"
)

// With connection value
func (c Connection) With(name string, value any) {
	c[name] = value
}

// Name returns the connection name.
func (c Connection) Name() string {
	return c.String(nameKey, "")
}

// Driver names the constructor for the connection. It falls back to the connection name.
func (c Connection) Driver() string {
	return strings.ToLower(c.String(driverKey, c.Name()))
}

// Has checks if value presented in connection.
func (c Connection) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// String must return option value as string or return default value.
func (c Connection) String(name string, d string) string {
	value, ok := c[name]
	if !ok {
		return d
	}

	switch v := value.(type) {
	case string:
		if v == "" {
			return d
		}
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return d
	}
}

// Int must return option value as int or return default value.
func (c Connection) Int(name string, d int) int {
	value, ok := c[name]
	if !ok {
		return d
	}

	switch v := value.(type) {
	// the most probable case
	case string:
		res, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			// return default on failure
			return d
		}

		if res > math.MaxInt32 || res < math.MinInt32 {
			// return default if out of bounds
			return d
		}

		return int(res)
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	default:
		return d
	}
}

// Bool must return option value as bool or return default value.
func (c Connection) Bool(name string, d bool) bool {
	value, ok := c[name]
	if !ok {
		return d
	}

	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case trueStr:
			return true
		case falseStr:
			return false
		default:
			return d
		}
	default:
		return d
	}
}

// Duration reads a duration. Plain numbers are seconds, strings use time.ParseDuration syntax.
func (c Connection) Duration(name string, d time.Duration) time.Duration {
	value, ok := c[name]
	if !ok {
		return d
	}

	switch v := value.(type) {
	case string:
		if dur, err := time.ParseDuration(v); err == nil {
			return dur
		}
		if sec, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(sec * float64(time.Second))
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case time.Duration:
		return v
	default:
		return d
	}
}

// Get used to get the data associated with the key
func (c Connection) Get(key string) any {
	return c[key]
}
