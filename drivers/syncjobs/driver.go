// Package syncjobs runs every pushed job inline. Nothing is stored.
package syncjobs

import (
	"context"
	"fmt"

	"github.com/fusion-framework/queue"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const pluginName string = "sync"

type Constructor struct{}

func NewConstructor() *Constructor {
	return &Constructor{}
}

func (c *Constructor) Name() string {
	return pluginName
}

func (c *Constructor) DriverFromConfig(conn queue.Connection, opts queue.Options) (queue.Driver, error) {
	if opts.Handlers == nil {
		return nil, &queue.ConfigError{Connection: conn.Name(), Reason: "sync driver needs a handler registry"}
	}

	return New(opts.Handlers, opts), nil
}

type Driver struct {
	handlers    *queue.Registry
	log         *zap.Logger
	clock       queue.Clock
	maxAttempts int
}

func New(handlers *queue.Registry, opts queue.Options) *Driver {
	opts = opts.WithDefaults()

	return &Driver{
		handlers:    handlers,
		log:         opts.Log,
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
	}
}

// Push executes the job before returning. The delay is ignored.
func (d *Driver) Push(ctx context.Context, jobType string, payload queue.Payload, delay int) (err error) {
	const op = errors.Op("sync_driver_push")
	j := queue.NewJob(d.clock.Now(), jobType, payload, 0, d.maxAttempts)

	if delay > 0 {
		d.log.Debug("delay is ignored by the sync driver", zap.String("ID", j.ID), zap.Int("delay", delay))
	}

	h, err := d.handlers.Resolve(jobType)
	if err != nil {
		d.log.Error("job handler resolution failed", zap.String("ID", j.ID), zap.String("job", jobType), zap.Error(err))
		return errors.E(op, err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.E(op, fmt.Errorf("job handler panic: %v", r))
			d.log.Error("sync job failed", zap.String("ID", j.ID), zap.String("job", jobType), zap.Error(err))
		}
	}()

	err = h.Handle(ctx, j)
	if err != nil {
		d.log.Error("sync job failed", zap.String("ID", j.ID), zap.String("job", jobType), zap.Error(err))
		if fh, ok := h.(queue.FailedHandler); ok {
			fh.Failed(ctx, j, err)
		}
		return errors.E(op, err)
	}

	d.log.Debug("sync job was processed", zap.String("ID", j.ID), zap.String("job", jobType))
	return nil
}

func (d *Driver) Pop(_ context.Context) (*queue.Delivery, error) {
	return nil, nil
}

func (d *Driver) Size(_ context.Context) (int, error) {
	return 0, nil
}

func (d *Driver) Clear(_ context.Context) error {
	return nil
}

func (d *Driver) Ack(_ context.Context, _ *queue.Delivery) error {
	return nil
}

// Fail only logs. There is no failed store.
func (d *Driver) Fail(_ context.Context, dl *queue.Delivery, reason string) error {
	d.log.Warn("sync driver has no failed store", zap.String("ID", dl.ID()), zap.String("error", reason))
	return nil
}

func (d *Driver) Failed(_ context.Context) ([]*queue.FailedJob, error) {
	return nil, nil
}

func (d *Driver) Retry(_ context.Context, _ string) error {
	return queue.ErrJobNotFound
}

func (d *Driver) Close() error {
	return nil
}
