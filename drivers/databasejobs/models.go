package databasejobs

import (
	"github.com/fusion-framework/queue"
	"gorm.io/datatypes"
)

type jobRow struct {
	ID          string         `gorm:"column:id;primaryKey"`
	Queue       string         `gorm:"column:queue"`
	Job         string         `gorm:"column:job"`
	Data        datatypes.JSON `gorm:"column:data"`
	Delay       int            `gorm:"column:delay"`
	Created     int64          `gorm:"column:created_at"`
	AvailableAt int64          `gorm:"column:available_at"`
	Attempts    int            `gorm:"column:attempts"`
	MaxAttempts int            `gorm:"column:max_attempts"`
	Seq         int64          `gorm:"column:seq"`
}

func (jobRow) TableName() string {
	return "queue_jobs"
}

type failedRow struct {
	UUID        string         `gorm:"column:uuid;primaryKey"`
	JobID       string         `gorm:"column:job_id"`
	Queue       string         `gorm:"column:queue"`
	Job         string         `gorm:"column:job"`
	Data        datatypes.JSON `gorm:"column:data"`
	Delay       int            `gorm:"column:delay"`
	Created     int64          `gorm:"column:created_at"`
	AvailableAt int64          `gorm:"column:available_at"`
	Attempts    int            `gorm:"column:attempts"`
	MaxAttempts int            `gorm:"column:max_attempts"`
	FailedAt    int64          `gorm:"column:failed_at"`
	Error       string         `gorm:"column:error"`
	Seq         int64          `gorm:"column:seq"`
}

func (failedRow) TableName() string {
	return "queue_failed_jobs"
}

func newJobRow(name string, j *queue.Job, seq int64) *jobRow {
	return &jobRow{
		ID:          j.ID,
		Queue:       name,
		Job:         j.Type,
		Data:        datatypes.JSON(j.Payload),
		Delay:       j.Delay,
		Created:     j.CreatedAt.Unix(),
		AvailableAt: j.AvailableAt.Unix(),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Seq:         seq,
	}
}

func (r *jobRow) toJob() (*queue.Job, error) {
	pl, err := queue.ParsePayload(string(r.Data))
	if err != nil {
		return nil, err
	}

	return &queue.Job{
		ID:          r.ID,
		Type:        r.Job,
		Payload:     pl,
		Delay:       r.Delay,
		CreatedAt:   queue.Unix(r.Created),
		AvailableAt: queue.Unix(r.AvailableAt),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
	}, nil
}

func newFailedRow(uuid, name string, f *queue.FailedJob, seq int64) *failedRow {
	return &failedRow{
		UUID:        uuid,
		JobID:       f.ID,
		Queue:       name,
		Job:         f.Type,
		Data:        datatypes.JSON(f.Payload),
		Delay:       f.Delay,
		Created:     f.CreatedAt.Unix(),
		AvailableAt: f.AvailableAt.Unix(),
		Attempts:    f.Attempts,
		MaxAttempts: f.MaxAttempts,
		FailedAt:    f.FailedAt.Unix(),
		Error:       f.Error,
		Seq:         seq,
	}
}

func (r *failedRow) toFailed() (*queue.FailedJob, error) {
	pl, err := queue.ParsePayload(string(r.Data))
	if err != nil {
		return nil, err
	}

	return &queue.FailedJob{
		Job: queue.Job{
			ID:          r.JobID,
			Type:        r.Job,
			Payload:     pl,
			Delay:       r.Delay,
			CreatedAt:   queue.Unix(r.Created),
			AvailableAt: queue.Unix(r.AvailableAt),
			Attempts:    r.Attempts,
			MaxAttempts: r.MaxAttempts,
		},
		FailedAt: queue.Unix(r.FailedAt),
		Error:    r.Error,
	}, nil
}
