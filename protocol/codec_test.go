package protocol

import (
	"testing"
	"time"

	"github.com/fusion-framework/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshal(t *testing.T) {
	pl, err := queue.ParsePayload(`{"email":"user@example.com","count":3,"ratio":1.5,"tags":["a","b"],"nested":{"ok":true,"none":null}}`)
	require.NoError(t, err)

	j := queue.NewJob(time.Unix(1700000000, 0), "SendEmailJob", pl, 30, 3)

	data, err := Marshal(j)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job":"SendEmailJob"`)
	assert.Contains(t, string(data), `"available_at":1700000030`)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, j.Type, got.Type)
	assert.True(t, j.Payload.Equal(got.Payload))
	assert.Equal(t, 30, got.Delay)
	assert.Equal(t, int64(1700000000), got.CreatedAt.Unix())
	assert.Equal(t, int64(1700000030), got.AvailableAt.Unix())
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 3, got.MaxAttempts)
}

func TestUnmarshalMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing id", `{"job":"A","data":{}}`},
		{"missing job", `{"id":"job_1","data":{}}`},
		{"array data", `{"id":"job_1","job":"A","data":[1,2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestUnmarshalMissingData(t *testing.T) {
	j, err := Unmarshal([]byte(`{"id":"job_1","job":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, "{}", j.Payload.String())
}

func TestFailedRoundTrip(t *testing.T) {
	j := queue.NewJob(time.Unix(1700000000, 0), "FailingJob", nil, 0, 3)
	f := queue.NewFailedJob(j, time.Unix(1700000100, 0), "boom")

	data, err := MarshalFailed(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"failed_at":1700000100`)
	assert.Contains(t, string(data), `"error":"boom"`)
	assert.Contains(t, string(data), `"id":"`+j.ID+`"`)

	got, err := UnmarshalFailed(data)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, int64(1700000100), got.FailedAt.Unix())
}

func TestListSkipsMalformedEntries(t *testing.T) {
	data := []byte(`[
    {"id":"job_1","job":"A","data":{"x":1},"delay":0,"created_at":1,"available_at":1,"attempts":0,"max_attempts":3},
    {"job":"B"},
    "garbage"
]`)

	jobs, skipped, err := UnmarshalList(data)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job_1", jobs[0].ID)
	assert.Equal(t, `{"x":1}`, jobs[0].Payload.String())
}

func TestListEmptyDocument(t *testing.T) {
	jobs, skipped, err := UnmarshalList([]byte("  \n"))
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Empty(t, jobs)

	_, _, err = UnmarshalList([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestListIndented(t *testing.T) {
	pl, err := queue.ParsePayload(`{"b":2,"a":1}`)
	require.NoError(t, err)

	jobs := []*queue.Job{
		queue.NewJob(time.Unix(10, 0), "A", pl, 0, 3),
		queue.NewJob(time.Unix(11, 0), "B", nil, 5, 3),
	}

	data, err := MarshalList(jobs)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n    {")

	got, skipped, err := UnmarshalList(data)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, got, 2)
	// key order of the payload survives the indented encoding
	assert.Equal(t, `{"b":2,"a":1}`, got[0].Payload.String())
	assert.Equal(t, "B", got[1].Type)

	failed := []*queue.FailedJob{queue.NewFailedJob(jobs[0], time.Unix(20, 0), "boom")}
	fdata, err := MarshalFailedList(failed)
	require.NoError(t, err)

	gotFailed, skipped, err := UnmarshalFailedList(fdata)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, gotFailed, 1)
	assert.Equal(t, "boom", gotFailed[0].Error)
}
