package queue

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/roadrunner-server/errors"
)

const idPrefix string = "job_"

// Payload is the JSON object handed to a job handler. It is kept as raw bytes so
// key order and exact numeric types survive every store.
type Payload []byte

var emptyObject = []byte("{}")

// NewPayload encodes v (usually a struct or a map) into a payload.
func NewPayload(v any) (Payload, error) {
	const op = errors.Op("queue_new_payload")
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.E(op, err)
	}

	return parsePayload(b)
}

// ParsePayload validates a JSON document. An empty document, null and [] are treated as {}.
func ParsePayload(s string) (Payload, error) {
	return parsePayload([]byte(s))
}

func parsePayload(b []byte) (Payload, error) {
	const op = errors.Op("queue_parse_payload")
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || emptyArray(trimmed) {
		return Payload(emptyObject), nil
	}

	if trimmed[0] != '{' {
		return nil, errors.E(op, errors.Str("payload must be a JSON object"))
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, errors.E(op, err)
	}

	return buf.Bytes(), nil
}

// emptyArray matches [], the encoding PHP writers use for an empty payload.
func emptyArray(b []byte) bool {
	return len(b) >= 2 && b[0] == '[' && b[len(b)-1] == ']' && len(bytes.TrimSpace(b[1:len(b)-1])) == 0
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	return json.Unmarshal(p.bytes(), v)
}

func (p Payload) String() string {
	return string(p.bytes())
}

// Equal reports whether both payloads hold the same compacted document.
func (p Payload) Equal(o Payload) bool {
	return bytes.Equal(p.bytes(), o.bytes())
}

func (p Payload) MarshalJSON() ([]byte, error) {
	return p.bytes(), nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	pl, err := parsePayload(b)
	if err != nil {
		return err
	}

	*p = pl
	return nil
}

func (p Payload) bytes() []byte {
	if len(p) == 0 {
		return emptyObject
	}

	return p
}

// Job is one unit of deferred work.
type Job struct {
	// ID is generated at push time and never changes, retries included.
	ID string
	// Type selects the handler.
	Type    string
	Payload Payload
	// Delay is the requested delay in seconds.
	Delay       int
	CreatedAt   time.Time
	AvailableAt time.Time
	// Attempts and MaxAttempts are carried through every store, nothing increments or enforces them.
	Attempts    int
	MaxAttempts int
}

// NewJob builds a job stamped with now. Timestamps have whole-second precision.
func NewJob(now time.Time, jobType string, payload Payload, delay int, maxAttempts int) *Job {
	if delay < 0 {
		delay = 0
	}

	if len(payload) == 0 {
		payload = Payload(emptyObject)
	}

	created := Unix(now.Unix())

	return &Job{
		ID:          idPrefix + uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Delay:       delay,
		CreatedAt:   created,
		AvailableAt: created.Add(time.Duration(delay) * time.Second),
		MaxAttempts: maxAttempts,
	}
}

// Ready reports whether the job may be handed to a worker at now.
func (j *Job) Ready(now time.Time) bool {
	return j.AvailableAt.Unix() <= now.Unix()
}

// FailedJob is a job whose handler failed, plus the failure metadata.
type FailedJob struct {
	Job
	FailedAt time.Time
	Error    string
}

// NewFailedJob wraps j with the failure time and reason.
func NewFailedJob(j *Job, now time.Time, reason string) *FailedJob {
	return &FailedJob{
		Job:      *j,
		FailedAt: Unix(now.Unix()),
		Error:    reason,
	}
}

// Requeue returns the job to put back on the ready store: same id and payload,
// attempts reset, available immediately.
func (f *FailedJob) Requeue(now time.Time) *Job {
	j := f.Job
	j.Attempts = 0
	j.AvailableAt = Unix(now.Unix())

	return &j
}

// Delivery is a popped job together with the backend handle needed to settle it.
type Delivery struct {
	Job    *Job
	handle any
}

// NewDelivery pairs a job with its backend handle. Handle may be nil for stores
// that remove the record on pop.
func NewDelivery(j *Job, handle any) *Delivery {
	return &Delivery{Job: j, handle: handle}
}

func (d *Delivery) Handle() any {
	return d.handle
}

func (d *Delivery) ID() string {
	if d == nil || d.Job == nil {
		return ""
	}

	return d.Job.ID
}

// Unix converts seconds since epoch into a UTC time.
func Unix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
