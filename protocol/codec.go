package protocol

import (
	"bytes"
	stderr "errors"
	"fmt"

	"github.com/fusion-framework/queue"
	"github.com/goccy/go-json"
)

const indent string = "    "

// ErrMalformed marks a record that cannot be decoded into a job.
var ErrMalformed = stderr.New("malformed job record")

// Marshal encodes a job record.
func Marshal(j *queue.Job) ([]byte, error) {
	r := fromJob(j)
	return json.Marshal(&r)
}

// Unmarshal decodes a job record.
func Unmarshal(data []byte) (*queue.Job, error) {
	r := getRecord()
	defer putRecord(r)

	err := json.Unmarshal(data, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return r.toJob()
}

// MarshalFailed encodes a failed job record.
func MarshalFailed(f *queue.FailedJob) ([]byte, error) {
	r := fromFailed(f)
	return json.Marshal(&r)
}

// UnmarshalFailed decodes a failed job record.
func UnmarshalFailed(data []byte) (*queue.FailedJob, error) {
	r := getFailedRecord()
	defer putFailedRecord(r)

	err := json.Unmarshal(data, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return r.toFailed()
}

// MarshalList encodes jobs as an indented JSON array.
func MarshalList(jobs []*queue.Job) ([]byte, error) {
	recs := make([]record, 0, len(jobs))
	for i := 0; i < len(jobs); i++ {
		recs = append(recs, fromJob(jobs[i]))
	}

	return json.MarshalIndent(recs, "", indent)
}

// UnmarshalList decodes a JSON array of job records. Entries that are not valid
// records are skipped and counted. An empty document is an empty list.
func UnmarshalList(data []byte) ([]*queue.Job, int, error) {
	raws, err := splitList(data)
	if err != nil {
		return nil, 0, err
	}

	jobs := make([]*queue.Job, 0, len(raws))
	skipped := 0
	for i := 0; i < len(raws); i++ {
		j, err := Unmarshal(raws[i])
		if err != nil {
			skipped++
			continue
		}
		jobs = append(jobs, j)
	}

	return jobs, skipped, nil
}

// MarshalFailedList encodes failed jobs as an indented JSON array.
func MarshalFailedList(jobs []*queue.FailedJob) ([]byte, error) {
	recs := make([]failedRecord, 0, len(jobs))
	for i := 0; i < len(jobs); i++ {
		recs = append(recs, fromFailed(jobs[i]))
	}

	return json.MarshalIndent(recs, "", indent)
}

// UnmarshalFailedList is UnmarshalList for failed records.
func UnmarshalFailedList(data []byte) ([]*queue.FailedJob, int, error) {
	raws, err := splitList(data)
	if err != nil {
		return nil, 0, err
	}

	jobs := make([]*queue.FailedJob, 0, len(raws))
	skipped := 0
	for i := 0; i < len(raws); i++ {
		j, err := UnmarshalFailed(raws[i])
		if err != nil {
			skipped++
			continue
		}
		jobs = append(jobs, j)
	}

	return jobs, skipped, nil
}

func splitList(data []byte) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	err := json.Unmarshal(data, &raws)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return raws, nil
}
