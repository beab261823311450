package redisjobs

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fusion-framework/queue"
	"github.com/fusion-framework/queue/queuetest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestDriver(t *testing.T, clock queue.Clock) queue.Driver {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return New(client, "jobs", 0, queue.Options{Log: zaptest.NewLogger(t), Clock: clock, MaxAttempts: 3})
}

func TestDriverSuite(t *testing.T) {
	queuetest.RunDriverSuite(t, newTestDriver, queuetest.Capabilities{SizeCountsDelayed: true, MaxAttempts: 3})
}

func TestKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := queuetest.NewFakeClock(queuetest.Epoch)
	d := New(client, "mail", 0, queue.Options{Clock: clock})
	t.Cleanup(func() { _ = d.Close() })

	ctx := context.Background()
	require.NoError(t, d.Push(ctx, "Now", nil, 0))
	require.NoError(t, d.Push(ctx, "Later", nil, 10))

	ready, err := mr.List("mail")
	require.NoError(t, err)
	assert.Len(t, ready, 1)

	delayed, err := mr.ZMembers("mail:delayed")
	require.NoError(t, err)
	require.Len(t, delayed, 1)

	score, err := mr.ZScore("mail:delayed", delayed[0])
	require.NoError(t, err)
	assert.Equal(t, float64(clock.Now().Unix()+10), score)

	dl, err := d.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, dl)
	require.NoError(t, d.Fail(ctx, dl, "boom"))

	failed, err := mr.List("mail:failed")
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestBlockingPop(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := New(client, "jobs", 100*time.Millisecond, queue.Options{})
	t.Cleanup(func() { _ = d.Close() })

	ctx := context.Background()
	dl, err := d.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, dl)

	require.NoError(t, d.Push(ctx, "A", nil, 0))
	dl, err = d.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, dl)
	assert.Equal(t, "A", dl.Job.Type)
}

// lpushFails fails every standalone LPUSH, as a dropped connection would.
type lpushFails struct{}

func (lpushFails) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (lpushFails) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "lpush" {
			err := errors.New("connection reset")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (lpushFails) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestMovesAreAtomic(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := queuetest.NewFakeClock(queuetest.Epoch)
	d := New(client, "jobs", 0, queue.Options{Log: zaptest.NewLogger(t), Clock: clock})
	t.Cleanup(func() { _ = d.Close() })

	ctx := context.Background()
	require.NoError(t, d.Push(ctx, "First", nil, 0))
	require.NoError(t, d.Push(ctx, "Later", nil, 5))
	require.NoError(t, d.Push(ctx, "NotYet", nil, 60))

	first := queuetest.PopOne(t, d)
	require.NoError(t, d.Fail(ctx, first, "boom"))

	client.AddHook(lpushFails{})

	clock.Advance(5 * time.Second)
	dl := queuetest.PopOne(t, d)
	assert.Equal(t, "Later", dl.Job.Type)

	delayed, err := mr.ZMembers("jobs:delayed")
	require.NoError(t, err)
	assert.Len(t, delayed, 1)

	require.NoError(t, d.Retry(ctx, first.Job.ID))
	assert.False(t, mr.Exists("jobs:failed"))

	again := queuetest.PopOne(t, d)
	assert.Equal(t, first.Job.ID, again.Job.ID)
}

func TestMalformedRecordIsDiscarded(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := New(client, "jobs", 0, queue.Options{Log: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = d.Close() })

	_, err := mr.Lpush("jobs", "not json")
	require.NoError(t, err)

	dl, err := d.Pop(context.Background())
	require.NoError(t, err)
	assert.Nil(t, dl)
	assert.False(t, mr.Exists("jobs"))
}

func TestConstructor(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewConstructor()
	assert.Equal(t, "redis", c.Name())

	d, err := c.DriverFromConfig(queue.Connection{
		"name":  "redis",
		"host":  mr.Host(),
		"port":  mr.Port(),
		"queue": "emails",
		"block": 0,
	}, queue.Options{}.WithDefaults())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Push(context.Background(), "A", nil, 0))
	assert.True(t, mr.Exists("emails"))
}

func TestConstructorUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	mr.Close()

	_, err = NewConstructor().DriverFromConfig(queue.Connection{
		"name": "redis",
		"host": "127.0.0.1",
		"port": port,
	}, queue.Options{}.WithDefaults())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestConstructorInvalidPort(t *testing.T) {
	_, err := NewConstructor().DriverFromConfig(queue.Connection{
		"name": "redis",
		"port": 70000,
	}, queue.Options{}.WithDefaults())

	var cerr *queue.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "redis", cerr.Connection)
}
