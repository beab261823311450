// Package queuetest holds test helpers shared by the driver packages.
package queuetest

import (
	"context"
	"testing"
	"time"

	"github.com/fusion-framework/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Epoch is the start time of every FakeClock handed out by RunDriverSuite.
var Epoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// Factory builds an empty driver that reads time from clock.
type Factory func(t *testing.T, clock queue.Clock) queue.Driver

// Capabilities describe where a backend legitimately differs.
type Capabilities struct {
	// SizeCountsDelayed is set when Size includes jobs that are not due yet.
	SizeCountsDelayed bool
	// MaxAttempts is the value the driver stamps on pushed jobs.
	MaxAttempts int
}

// RunDriverSuite runs the behavior every storing driver must share.
func RunDriverSuite(t *testing.T, newDriver Factory, caps Capabilities) {
	t.Run("PushPop", func(t *testing.T) { testPushPop(t, newDriver, caps) })
	t.Run("SizeAfterPop", func(t *testing.T) { testSizeAfterPop(t, newDriver) })
	t.Run("PopEmpty", func(t *testing.T) { testPopEmpty(t, newDriver) })
	t.Run("Delayed", func(t *testing.T) { testDelayed(t, newDriver, caps) })
	t.Run("FailAndList", func(t *testing.T) { testFailAndList(t, newDriver) })
	t.Run("Retry", func(t *testing.T) { testRetry(t, newDriver) })
	t.Run("RetryUnknown", func(t *testing.T) { testRetryUnknown(t, newDriver) })
	t.Run("Clear", func(t *testing.T) { testClear(t, newDriver) })
	t.Run("PayloadRoundTrip", func(t *testing.T) { testPayloadRoundTrip(t, newDriver) })
	t.Run("SendEmailScenario", func(t *testing.T) { testSendEmailScenario(t, newDriver) })
}

func open(t *testing.T, newDriver Factory) (queue.Driver, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(Epoch)
	d := newDriver(t, clock)
	t.Cleanup(func() {
		_ = d.Close()
	})

	return d, clock
}

func payload(t *testing.T, s string) queue.Payload {
	t.Helper()
	p, err := queue.ParsePayload(s)
	require.NoError(t, err)
	return p
}

// PopOne pops and requires a job.
func PopOne(t *testing.T, d queue.Driver) *queue.Delivery {
	t.Helper()
	dl, err := d.Pop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, dl, "expected a job to be available")
	require.NotNil(t, dl.Job)
	return dl
}

// PopNone pops and requires an empty result.
func PopNone(t *testing.T, d queue.Driver) {
	t.Helper()
	dl, err := d.Pop(context.Background())
	require.NoError(t, err)
	require.Nil(t, dl, "expected no job to be available")
}

func testPushPop(t *testing.T, newDriver Factory, caps Capabilities) {
	d, clock := open(t, newDriver)
	ctx := context.Background()

	pl := payload(t, `{"email":"user@example.com"}`)
	require.NoError(t, d.Push(ctx, "SendEmailJob", pl, 0))

	dl := PopOne(t, d)
	assert.NotEmpty(t, dl.Job.ID)
	assert.Equal(t, "SendEmailJob", dl.Job.Type)
	assert.True(t, pl.Equal(dl.Job.Payload), "payload %s != %s", pl, dl.Job.Payload)
	assert.Equal(t, 0, dl.Job.Attempts)
	assert.Equal(t, caps.MaxAttempts, dl.Job.MaxAttempts)
	assert.Equal(t, clock.Now().Unix(), dl.Job.CreatedAt.Unix())
	require.NoError(t, d.Ack(ctx, dl))
}

func testSizeAfterPop(t *testing.T, newDriver Factory) {
	d, _ := open(t, newDriver)
	ctx := context.Background()

	require.NoError(t, d.Push(ctx, "A", nil, 0))

	size, err := d.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	dl := PopOne(t, d)
	require.NoError(t, d.Ack(ctx, dl))

	size, err = d.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func testPopEmpty(t *testing.T, newDriver Factory) {
	d, _ := open(t, newDriver)
	PopNone(t, d)

	failed, err := d.Failed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func testDelayed(t *testing.T, newDriver Factory, caps Capabilities) {
	d, clock := open(t, newDriver)
	ctx := context.Background()

	require.NoError(t, d.Push(ctx, "Later", payload(t, `{"n":1}`), 30))
	PopNone(t, d)

	size, err := d.Size(ctx)
	require.NoError(t, err)
	if caps.SizeCountsDelayed {
		assert.Equal(t, 1, size)
	} else {
		assert.Equal(t, 0, size)
	}

	clock.Advance(10 * time.Second)
	PopNone(t, d)

	clock.Advance(21 * time.Second)
	dl := PopOne(t, d)
	assert.Equal(t, "Later", dl.Job.Type)
	assert.Equal(t, 30, dl.Job.Delay)
	assert.Equal(t, dl.Job.CreatedAt.Add(30*time.Second).Unix(), dl.Job.AvailableAt.Unix())
	require.NoError(t, d.Ack(ctx, dl))
}

func testFailAndList(t *testing.T, newDriver Factory) {
	d, clock := open(t, newDriver)
	ctx := context.Background()

	require.NoError(t, d.Push(ctx, "FailingJob", payload(t, `{"k":"v"}`), 0))
	dl := PopOne(t, d)

	clock.Advance(5 * time.Second)
	require.NoError(t, d.Fail(ctx, dl, "boom"))

	failed, err := d.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, dl.Job.ID, failed[0].ID)
	assert.Equal(t, "boom", failed[0].Error)
	assert.Equal(t, "FailingJob", failed[0].Type)
	assert.Equal(t, clock.Now().Unix(), failed[0].FailedAt.Unix())

	// the failed job is gone from the ready store
	PopNone(t, d)

	// and its reservation is settled, nothing comes back after the window
	clock.Advance(time.Hour)
	PopNone(t, d)

	// listing does not consume
	failed, err = d.Failed(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func testRetry(t *testing.T, newDriver Factory) {
	d, _ := open(t, newDriver)
	ctx := context.Background()

	pl := payload(t, `{"id":42}`)
	require.NoError(t, d.Push(ctx, "RetryMe", pl, 0))
	require.NoError(t, d.Push(ctx, "Other", nil, 0))

	first := PopOne(t, d)
	second := PopOne(t, d)
	if first.Job.Type != "RetryMe" {
		first, second = second, first
	}
	require.NoError(t, d.Fail(ctx, first, "first"))
	require.NoError(t, d.Fail(ctx, second, "second"))

	require.NoError(t, d.Retry(ctx, first.Job.ID))

	failed, err := d.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, second.Job.ID, failed[0].ID)

	dl := PopOne(t, d)
	assert.Equal(t, first.Job.ID, dl.Job.ID)
	assert.Equal(t, first.Job.Type, dl.Job.Type)
	assert.True(t, pl.Equal(dl.Job.Payload))
	assert.Equal(t, 0, dl.Job.Attempts)
	require.NoError(t, d.Ack(ctx, dl))
}

func testRetryUnknown(t *testing.T, newDriver Factory) {
	d, _ := open(t, newDriver)
	ctx := context.Background()

	require.NoError(t, d.Push(ctx, "A", nil, 0))
	require.NoError(t, d.Fail(ctx, PopOne(t, d), "boom"))

	err := d.Retry(ctx, "job_does_not_exist")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	failed, err := d.Failed(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	PopNone(t, d)
}

func testClear(t *testing.T, newDriver Factory) {
	d, clock := open(t, newDriver)
	ctx := context.Background()

	require.NoError(t, d.Push(ctx, "Failing", nil, 0))
	require.NoError(t, d.Fail(ctx, PopOne(t, d), "boom"))

	require.NoError(t, d.Push(ctx, "Ready", nil, 0))
	require.NoError(t, d.Push(ctx, "Delayed", nil, 60))

	require.NoError(t, d.Clear(ctx))

	size, err := d.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
	PopNone(t, d)

	clock.Advance(2 * time.Minute)
	PopNone(t, d)

	failed, err := d.Failed(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func testPayloadRoundTrip(t *testing.T, newDriver Factory) {
	d, _ := open(t, newDriver)
	ctx := context.Background()

	pl := payload(t, `{"z":1,"a":"1","float":2.50,"big":9007199254740993,"bool":false,"null":null,"list":[1,"two",{"three":3}],"nested":{"deep":{"x":[]}}}`)
	require.NoError(t, d.Push(ctx, "Typed", pl, 0))

	dl := PopOne(t, d)
	assert.Equal(t, pl.String(), dl.Job.Payload.String())

	var decoded map[string]any
	require.NoError(t, dl.Job.Payload.Decode(&decoded))
	assert.Equal(t, "1", decoded["a"])
	assert.Equal(t, false, decoded["bool"])
	require.NoError(t, d.Ack(ctx, dl))
}

func testSendEmailScenario(t *testing.T, newDriver Factory) {
	d, _ := open(t, newDriver)
	ctx := context.Background()

	pl := payload(t, `{"email":"a@b.com","subject":"Hi"}`)
	require.NoError(t, d.Push(ctx, "SendEmailJob", pl, 0))

	dl := PopOne(t, d)
	assert.Equal(t, "SendEmailJob", dl.Job.Type)
	assert.Equal(t, `{"email":"a@b.com","subject":"Hi"}`, dl.Job.Payload.String())
	assert.Equal(t, 0, dl.Job.Attempts)

	require.NoError(t, d.Fail(ctx, dl, "smtp down"))

	failed, err := d.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, dl.Job.ID, failed[0].ID)
	assert.Equal(t, "smtp down", failed[0].Error)

	require.NoError(t, d.Retry(ctx, dl.Job.ID))

	again := PopOne(t, d)
	assert.Equal(t, `{"email":"a@b.com","subject":"Hi"}`, again.Job.Payload.String())
	assert.Equal(t, 0, again.Job.Attempts)
	require.NoError(t, d.Ack(ctx, again))
}
