package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Driver is a storage backend for jobs. Every operation may block on I/O.
type Driver interface {
	// Push stores a new job built from jobType and payload, hidden from Pop for delay seconds.
	Push(ctx context.Context, jobType string, payload Payload, delay int) error
	// Pop removes or reserves the oldest available job. It returns (nil, nil) when nothing is available.
	Pop(ctx context.Context) (*Delivery, error)
	// Size returns the number of jobs waiting in the store.
	Size(ctx context.Context) (int, error)
	// Clear discards every ready and delayed job. Failed jobs are kept.
	Clear(ctx context.Context) error
	// Ack settles a delivery whose handler succeeded.
	Ack(ctx context.Context, d *Delivery) error
	// Fail records a delivery in the failed store together with the reason and settles it.
	Fail(ctx context.Context, d *Delivery, reason string) error
	// Failed lists the failed store.
	Failed(ctx context.Context) ([]*FailedJob, error)
	// Retry moves one failed job back to the ready store. Unknown ids return ErrJobNotFound.
	Retry(ctx context.Context, id string) error
	// Close releases the backend connection.
	Close() error
}

// Constructor builds a driver from a named connection.
type Constructor interface {
	// Name is the driver type as written in the connection's "driver" key.
	Name() string
	// DriverFromConfig builds the driver. A connection that cannot be used returns *ConfigError.
	DriverFromConfig(conn Connection, opts Options) (Driver, error)
}

// Options are the shared settings passed to every driver constructor.
type Options struct {
	Log   *zap.Logger
	Clock Clock
	// MaxAttempts is stamped on every pushed job.
	MaxAttempts int
	// RetryAfter bounds reservations on backends that have them.
	RetryAfter time.Duration
	// Handlers is used by drivers that execute jobs inline.
	Handlers *Registry
}

// Clock is the time source of a driver.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

// WithDefaults fills the unset fields.
func (o Options) WithDefaults() Options {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.RetryAfter <= 0 {
		o.RetryAfter = time.Second * 90
	}

	return o
}
