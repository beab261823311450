package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/fusion-framework/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func resolve(t *testing.T, log *zap.Logger, jobType string) queue.Handler {
	t.Helper()
	r := queue.NewRegistry()
	require.NoError(t, Register(r, log, WithoutDelays()))
	h, err := r.Resolve(jobType)
	require.NoError(t, err)
	return h
}

func TestRegister(t *testing.T) {
	r := queue.NewRegistry()
	require.NoError(t, Register(r, nil))
	assert.Equal(t, []string{Failing, ProcessImage, SendEmail}, r.Types())

	assert.Error(t, Register(r, nil))
}

func TestSendEmailJob(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := resolve(t, zap.New(core), SendEmail)

	j := queue.NewJob(time.Now(), SendEmail, queue.Payload(`{"email":"a@b.com","subject":"Hi"}`), 0, 3)
	require.NoError(t, h.Handle(context.Background(), j))

	entries := logs.FilterMessage("sending email").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "a@b.com", fields["email"])
	assert.Equal(t, "Hi", fields["subject"])
	assert.Equal(t, "Hello from Fusion Framework!", fields["message"])
}

func TestProcessImageJobDefaults(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := resolve(t, zap.New(core), ProcessImage)

	j := queue.NewJob(time.Now(), ProcessImage, nil, 0, 3)
	require.NoError(t, h.Handle(context.Background(), j))

	entries := logs.FilterMessage("processing image").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "unknown", fields["path"])
	assert.Equal(t, int64(800), fields["width"])
}

func TestBadPayload(t *testing.T) {
	h := resolve(t, nil, ProcessImage)

	j := queue.NewJob(time.Now(), ProcessImage, queue.Payload(`{"width":"wide"}`), 0, 3)
	assert.Error(t, h.Handle(context.Background(), j))
}

func TestFailingJob(t *testing.T) {
	h := resolve(t, nil, Failing)

	err := h.Handle(context.Background(), &queue.Job{})
	require.Error(t, err)
	assert.Equal(t, failingMessage, err.Error())

	_, ok := h.(queue.FailedHandler)
	assert.True(t, ok)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleep(ctx, 0))
}
