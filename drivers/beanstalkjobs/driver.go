// Package beanstalkjobs keeps jobs in beanstalkd tubes. Pop reserves a job, Ack
// deletes it and Fail moves it to the "<queue>_failed" tube.
package beanstalkjobs

import (
	"context"
	stderr "errors"
	"net"
	"strconv"
	"time"

	"github.com/fusion-framework/queue"
	"github.com/fusion-framework/queue/protocol"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const (
	pluginName string = "beanstalk"

	defaultHost     string        = "127.0.0.1"
	defaultPort     int           = 11300
	defaultQueue    string        = "fusion_jobs"
	defaultTTR      time.Duration = 60 * time.Second
	defaultPriority uint32        = 1024
	reserveTimeout  time.Duration = time.Second
	dialTimeout     time.Duration = 5 * time.Second
	failedSuffix    string        = "_failed"
)

type config struct {
	Host  string `validate:"required"`
	Port  int    `validate:"gt=0,lte=65535"`
	Queue string `validate:"required"`
	// Priority of every put, lower is more urgent.
	Priority int `validate:"gte=0"`
	// TTR is the reservation window of a popped job.
	TTR time.Duration `validate:"gte=0"`
}

type Constructor struct{}

func NewConstructor() *Constructor {
	return &Constructor{}
}

func (c *Constructor) Name() string {
	return pluginName
}

func (c *Constructor) DriverFromConfig(conn queue.Connection, opts queue.Options) (queue.Driver, error) {
	const op = errors.Op("beanstalk_driver_from_config")
	cfg := &config{
		Host:     conn.String("host", defaultHost),
		Port:     conn.Int("port", defaultPort),
		Queue:    conn.String("queue", defaultQueue),
		Priority: conn.Int("priority", int(defaultPriority)),
		TTR:      conn.Duration("ttr", opts.RetryAfter),
	}
	if err := queue.ValidateConfig(conn.Name(), cfg); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, errors.E(op, errors.Errorf("beanstalkd at %s is not reachable: %v", addr, err))
	}

	d := New(newBeanstalkConn(nc), cfg.Queue, cfg.TTR, opts)
	d.priority = uint32(cfg.Priority)

	return d, nil
}

type Driver struct {
	conn conn

	log         *zap.Logger
	clock       queue.Clock
	maxAttempts int
	priority    uint32
	ttr         time.Duration

	tube       string
	failedTube string
}

func New(c conn, tube string, ttr time.Duration, opts queue.Options) *Driver {
	opts = opts.WithDefaults()
	if ttr <= 0 {
		ttr = defaultTTR
	}

	return &Driver{
		conn:        c,
		log:         opts.Log,
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
		priority:    defaultPriority,
		ttr:         ttr,
		tube:        tube,
		failedTube:  tube + failedSuffix,
	}
}

func (d *Driver) Push(_ context.Context, jobType string, payload queue.Payload, delay int) error {
	const op = errors.Op("beanstalk_driver_push")
	j := queue.NewJob(d.clock.Now(), jobType, payload, delay, d.maxAttempts)

	data, err := protocol.Marshal(j)
	if err != nil {
		return errors.E(op, err)
	}

	_, err = d.conn.Put(d.tube, data, d.priority, time.Duration(j.Delay)*time.Second, d.ttr)
	if err != nil {
		d.log.Error("job push error", zap.String("ID", j.ID), zap.String("tube", d.tube), zap.Error(err))
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Pop(_ context.Context) (*queue.Delivery, error) {
	const op = errors.Op("beanstalk_driver_pop")

	id, body, err := d.conn.Reserve(d.tube, reserveTimeout)
	if err != nil {
		if stderr.Is(err, errTimeout) {
			return nil, nil
		}
		return nil, errors.E(op, err)
	}

	j, err := protocol.Unmarshal(body)
	if err != nil {
		d.log.Warn("malformed job record was discarded", zap.Uint64("beanstalk_id", id), zap.String("tube", d.tube), zap.Error(err))
		errDel := d.conn.Delete(id)
		if errDel != nil {
			d.log.Error("failed to delete the malformed job", zap.Uint64("beanstalk_id", id), zap.Error(errDel))
		}
		return nil, nil
	}

	return queue.NewDelivery(j, id), nil
}

// Size returns the number of ready jobs in the tube.
func (d *Driver) Size(_ context.Context) (int, error) {
	const op = errors.Op("beanstalk_driver_size")

	stats, err := d.conn.Stats(d.tube)
	if err != nil {
		// the tube does not exist until something is put into it
		if stderr.Is(err, errNotFound) {
			return 0, nil
		}
		return 0, errors.E(op, err)
	}

	size, err := strconv.Atoi(stats["current-jobs-ready"])
	if err != nil {
		return 0, errors.E(op, err)
	}

	return size, nil
}

// Clear deletes ready, delayed and buried jobs of the tube.
func (d *Driver) Clear(_ context.Context) error {
	const op = errors.Op("beanstalk_driver_clear")

	for _, state := range []string{stateReady, stateDelayed, stateBuried} {
		for {
			id, err := d.conn.Peek(d.tube, state)
			if err != nil {
				if stderr.Is(err, errNotFound) {
					break
				}
				return errors.E(op, err)
			}

			err = d.conn.Delete(id)
			if err != nil && !stderr.Is(err, errNotFound) {
				return errors.E(op, err)
			}
		}
	}

	return nil
}

func (d *Driver) Ack(_ context.Context, dl *queue.Delivery) error {
	const op = errors.Op("beanstalk_driver_ack")

	id, err := handle(dl)
	if err != nil {
		return errors.E(op, err)
	}

	err = d.conn.Delete(id)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

// Fail puts the failed record into the failed tube, then deletes the reservation.
func (d *Driver) Fail(_ context.Context, dl *queue.Delivery, reason string) error {
	const op = errors.Op("beanstalk_driver_fail")

	id, err := handle(dl)
	if err != nil {
		return errors.E(op, err)
	}

	data, err := protocol.MarshalFailed(queue.NewFailedJob(dl.Job, d.clock.Now(), reason))
	if err != nil {
		return errors.E(op, err)
	}

	_, err = d.conn.Put(d.failedTube, data, d.priority, 0, d.ttr)
	if err != nil {
		return errors.E(op, err)
	}

	err = d.conn.Delete(id)
	if err != nil {
		d.log.Error("failed job was stored, but the reservation was not deleted, job might be redelivered", zap.String("ID", dl.ID()), zap.Error(err))
		return errors.E(op, err)
	}

	return nil
}

type reserved struct {
	id  uint64
	job *queue.FailedJob
}

// reserveFailed reserves every job of the failed tube. Malformed ones are deleted.
func (d *Driver) reserveFailed() ([]reserved, error) {
	var out []reserved
	for {
		id, body, err := d.conn.Reserve(d.failedTube, 0)
		if err != nil {
			if stderr.Is(err, errTimeout) {
				return out, nil
			}
			d.release(out)
			return nil, err
		}

		f, err := protocol.UnmarshalFailed(body)
		if err != nil {
			d.log.Warn("malformed failed record was discarded", zap.Uint64("beanstalk_id", id), zap.Error(err))
			_ = d.conn.Delete(id)
			continue
		}

		out = append(out, reserved{id: id, job: f})
	}
}

func (d *Driver) release(rs []reserved) {
	for i := 0; i < len(rs); i++ {
		err := d.conn.Release(rs[i].id, d.priority, 0)
		if err != nil {
			d.log.Error("failed to release the failed job", zap.String("ID", rs[i].job.ID), zap.Error(err))
		}
	}
}

func (d *Driver) Failed(_ context.Context) ([]*queue.FailedJob, error) {
	const op = errors.Op("beanstalk_driver_failed")

	rs, err := d.reserveFailed()
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer d.release(rs)

	failed := make([]*queue.FailedJob, 0, len(rs))
	for i := 0; i < len(rs); i++ {
		failed = append(failed, rs[i].job)
	}

	return failed, nil
}

func (d *Driver) Retry(_ context.Context, id string) error {
	const op = errors.Op("beanstalk_driver_retry")

	rs, err := d.reserveFailed()
	if err != nil {
		return errors.E(op, err)
	}

	idx := -1
	for i := 0; i < len(rs); i++ {
		if rs[i].job.ID == id {
			idx = i
			break
		}
	}

	if idx == -1 {
		d.release(rs)
		return queue.ErrJobNotFound
	}

	match := rs[idx]
	d.release(append(rs[:idx:idx], rs[idx+1:]...))

	data, err := protocol.Marshal(match.job.Requeue(d.clock.Now()))
	if err != nil {
		d.release([]reserved{match})
		return errors.E(op, err)
	}

	_, err = d.conn.Put(d.tube, data, d.priority, 0, d.ttr)
	if err != nil {
		d.release([]reserved{match})
		return errors.E(op, err)
	}

	err = d.conn.Delete(match.id)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Close() error {
	return d.conn.Close()
}

func handle(dl *queue.Delivery) (uint64, error) {
	if dl == nil {
		return 0, errors.Str("nil delivery")
	}

	id, ok := dl.Handle().(uint64)
	if !ok {
		return 0, errors.Errorf("delivery %s carries no beanstalk reservation", dl.ID())
	}

	return id, nil
}
