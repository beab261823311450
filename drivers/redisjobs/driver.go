// Package redisjobs keeps jobs in Redis: a ready list fed with LPUSH and drained
// with BRPOP, a sorted set of delayed jobs scored by their due time, and a list of
// failed jobs.
package redisjobs

import (
	"context"
	stderr "errors"
	"net"
	"strconv"
	"time"

	"github.com/fusion-framework/queue"
	"github.com/fusion-framework/queue/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const (
	pluginName    string = "redis"
	delayedSuffix string = ":delayed"
	failedSuffix  string = ":failed"
	pingTimeout          = 5 * time.Second
)

type Constructor struct{}

func NewConstructor() *Constructor {
	return &Constructor{}
}

func (c *Constructor) Name() string {
	return pluginName
}

func (c *Constructor) DriverFromConfig(conn queue.Connection, opts queue.Options) (queue.Driver, error) {
	const op = errors.Op("redis_driver_from_config")
	cfg := configFrom(conn)
	if err := queue.ValidateConfig(conn.Name(), cfg); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	err := client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()
		return nil, errors.E(op, errors.Errorf("redis at %s:%d is not reachable: %v", cfg.Host, cfg.Port, err))
	}

	return New(client, cfg.Queue, cfg.Block, opts), nil
}

var (
	// KEYS: delayed set, ready list. ARGV: now in unix seconds.
	promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for i = 1, #due do
	redis.call('ZREM', KEYS[1], due[i])
	redis.call('LPUSH', KEYS[2], due[i])
end
return #due
`)

	// KEYS: failed list, ready list. ARGV: failed record, requeued record.
	retryScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 1 then
	redis.call('LPUSH', KEYS[2], ARGV[2])
end
return removed
`)
)

type Driver struct {
	client redis.UniversalClient

	log         *zap.Logger
	clock       queue.Clock
	maxAttempts int
	block       time.Duration

	ready   string
	delayed string
	failed  string
}

func New(client redis.UniversalClient, name string, block time.Duration, opts queue.Options) *Driver {
	opts = opts.WithDefaults()

	return &Driver{
		client:      client,
		log:         opts.Log,
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
		block:       block,
		ready:       name,
		delayed:     name + delayedSuffix,
		failed:      name + failedSuffix,
	}
}

func (d *Driver) Push(ctx context.Context, jobType string, payload queue.Payload, delay int) error {
	const op = errors.Op("redis_driver_push")
	j := queue.NewJob(d.clock.Now(), jobType, payload, delay, d.maxAttempts)

	data, err := protocol.Marshal(j)
	if err != nil {
		return errors.E(op, err)
	}

	if j.Delay > 0 {
		err = d.client.ZAdd(ctx, d.delayed, redis.Z{
			Score:  float64(j.AvailableAt.Unix()),
			Member: data,
		}).Err()
	} else {
		err = d.client.LPush(ctx, d.ready, data).Err()
	}

	if err != nil {
		d.log.Error("job push error", zap.String("ID", j.ID), zap.String("queue", d.ready), zap.Error(err))
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Pop(ctx context.Context) (*queue.Delivery, error) {
	const op = errors.Op("redis_driver_pop")

	err := d.promote(ctx)
	if err != nil {
		d.log.Error("failed to move due jobs to the ready list", zap.String("queue", d.ready), zap.Error(err))
		return nil, errors.E(op, err)
	}

	var raw string
	if d.block > 0 {
		res, err := d.client.BRPop(ctx, d.block, d.ready).Result()
		if err != nil {
			if stderr.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, errors.E(op, err)
		}
		// key, value
		raw = res[1]
	} else {
		raw, err = d.client.RPop(ctx, d.ready).Result()
		if err != nil {
			if stderr.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, errors.E(op, err)
		}
	}

	j, err := protocol.Unmarshal([]byte(raw))
	if err != nil {
		d.log.Warn("malformed job record was discarded", zap.String("queue", d.ready), zap.String("record", raw), zap.Error(err))
		return nil, nil
	}

	return queue.NewDelivery(j, nil), nil
}

// promote moves due members of the delayed set to the ready list in one script,
// so a member is never out of both keys.
func (d *Driver) promote(ctx context.Context) error {
	now := strconv.FormatInt(d.clock.Now().Unix(), 10)

	err := promoteScript.Run(ctx, d.client, []string{d.delayed, d.ready}, now).Err()
	if err != nil && !stderr.Is(err, redis.Nil) {
		return err
	}

	return nil
}

// Size counts ready and delayed jobs.
func (d *Driver) Size(ctx context.Context) (int, error) {
	const op = errors.Op("redis_driver_size")

	ready, err := d.client.LLen(ctx, d.ready).Result()
	if err != nil {
		return 0, errors.E(op, err)
	}

	delayed, err := d.client.ZCard(ctx, d.delayed).Result()
	if err != nil {
		return 0, errors.E(op, err)
	}

	return int(ready + delayed), nil
}

func (d *Driver) Clear(ctx context.Context) error {
	const op = errors.Op("redis_driver_clear")

	err := d.client.Del(ctx, d.ready, d.delayed).Err()
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

// Ack is a no-op, Pop already removed the record.
func (d *Driver) Ack(_ context.Context, _ *queue.Delivery) error {
	return nil
}

func (d *Driver) Fail(ctx context.Context, dl *queue.Delivery, reason string) error {
	const op = errors.Op("redis_driver_fail")
	if dl == nil || dl.Job == nil {
		return errors.E(op, errors.Str("nil delivery"))
	}

	data, err := protocol.MarshalFailed(queue.NewFailedJob(dl.Job, d.clock.Now(), reason))
	if err != nil {
		return errors.E(op, err)
	}

	err = d.client.LPush(ctx, d.failed, data).Err()
	if err != nil {
		d.log.Error("failed to store the failed job", zap.String("ID", dl.ID()), zap.Error(err))
		return errors.E(op, err)
	}

	return nil
}

// Failed lists failed jobs, oldest first.
func (d *Driver) Failed(ctx context.Context) ([]*queue.FailedJob, error) {
	const op = errors.Op("redis_driver_failed")

	raws, err := d.client.LRange(ctx, d.failed, 0, -1).Result()
	if err != nil {
		return nil, errors.E(op, err)
	}

	failed := make([]*queue.FailedJob, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		f, err := protocol.UnmarshalFailed([]byte(raws[i]))
		if err != nil {
			d.log.Warn("malformed failed record was skipped", zap.String("queue", d.failed), zap.Error(err))
			continue
		}
		failed = append(failed, f)
	}

	return failed, nil
}

func (d *Driver) Retry(ctx context.Context, id string) error {
	const op = errors.Op("redis_driver_retry")

	raws, err := d.client.LRange(ctx, d.failed, 0, -1).Result()
	if err != nil {
		return errors.E(op, err)
	}

	for i := 0; i < len(raws); i++ {
		f, err := protocol.UnmarshalFailed([]byte(raws[i]))
		if err != nil || f.ID != id {
			continue
		}

		data, err := protocol.Marshal(f.Requeue(d.clock.Now()))
		if err != nil {
			return errors.E(op, err)
		}

		moved, err := retryScript.Run(ctx, d.client, []string{d.failed, d.ready}, raws[i], data).Int()
		if err != nil {
			return errors.E(op, err)
		}

		// another client retried it first
		if moved == 0 {
			return queue.ErrJobNotFound
		}

		return nil
	}

	return queue.ErrJobNotFound
}

func (d *Driver) Close() error {
	return d.client.Close()
}
