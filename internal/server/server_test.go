package server

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/fusion-framework/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealth(t *testing.T) {
	s, err := New(zap.NewNop())
	require.NoError(t, err)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestMetrics(t *testing.T) {
	m := queue.NewMetrics()
	m.CountPushOk("SendEmailJob", "file", 0.01)
	m.CountFailed()

	s, err := New(zap.NewNop(), m)
	require.NoError(t, err)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "queue_push_ok 1")
	assert.Contains(t, string(body), "queue_failed_total 1")
	assert.Contains(t, string(body), `queue_push_latency_count{driver="file",job="SendEmailJob"} 1`)
}

func TestDuplicateCollector(t *testing.T) {
	m := queue.NewMetrics()
	_, err := New(zap.NewNop(), m, m)
	assert.Error(t, err)
}
