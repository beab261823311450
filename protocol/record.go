package protocol

import (
	"sync"

	"github.com/fusion-framework/queue"
)

// record is the job wire format
type record struct {
	ID          string        `json:"id"`
	Job         string        `json:"job"`
	Data        queue.Payload `json:"data"`
	Delay       int           `json:"delay"`
	CreatedAt   int64         `json:"created_at"`
	AvailableAt int64         `json:"available_at"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
}

// failedRecord is the failed job wire format
type failedRecord struct {
	record
	FailedAt int64  `json:"failed_at"`
	Error    string `json:"error"`
}

var (
	recPool = sync.Pool{
		New: func() any {
			return new(record)
		},
	}

	failedPool = sync.Pool{
		New: func() any {
			return new(failedRecord)
		},
	}
)

func getRecord() *record {
	r := recPool.Get().(*record)
	*r = record{}
	return r
}

func putRecord(r *record) {
	*r = record{}
	recPool.Put(r)
}

func getFailedRecord() *failedRecord {
	r := failedPool.Get().(*failedRecord)
	*r = failedRecord{}
	return r
}

func putFailedRecord(r *failedRecord) {
	*r = failedRecord{}
	failedPool.Put(r)
}

func fromJob(j *queue.Job) record {
	return record{
		ID:          j.ID,
		Job:         j.Type,
		Data:        j.Payload,
		Delay:       j.Delay,
		CreatedAt:   j.CreatedAt.Unix(),
		AvailableAt: j.AvailableAt.Unix(),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
	}
}

func (r *record) toJob() (*queue.Job, error) {
	if r.ID == "" || r.Job == "" {
		return nil, ErrMalformed
	}

	data := r.Data
	if len(data) == 0 {
		data = queue.Payload("{}")
	}

	return &queue.Job{
		ID:          r.ID,
		Type:        r.Job,
		Payload:     data,
		Delay:       r.Delay,
		CreatedAt:   queue.Unix(r.CreatedAt),
		AvailableAt: queue.Unix(r.AvailableAt),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
	}, nil
}

func fromFailed(f *queue.FailedJob) failedRecord {
	return failedRecord{
		record:   fromJob(&f.Job),
		FailedAt: f.FailedAt.Unix(),
		Error:    f.Error,
	}
}

func (r *failedRecord) toFailed() (*queue.FailedJob, error) {
	j, err := r.record.toJob()
	if err != nil {
		return nil, err
	}

	return &queue.FailedJob{
		Job:      *j,
		FailedAt: queue.Unix(r.FailedAt),
		Error:    r.Error,
	}, nil
}
