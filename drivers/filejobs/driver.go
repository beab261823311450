// Package filejobs stores jobs as indented JSON arrays on the local disk.
// Only one process may use a queue directory at a time.
package filejobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fusion-framework/queue"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const (
	pluginName  string = "file"
	queueFile   string = "queue.json"
	failedFile  string = "failed.json"
	defaultPath string = "storage/queue"
)

type config struct {
	Path string `validate:"required"`
}

type Constructor struct{}

func NewConstructor() *Constructor {
	return &Constructor{}
}

func (c *Constructor) Name() string {
	return pluginName
}

func (c *Constructor) DriverFromConfig(conn queue.Connection, opts queue.Options) (queue.Driver, error) {
	cfg := &config{Path: conn.String("path", defaultPath)}
	if err := queue.ValidateConfig(conn.Name(), cfg); err != nil {
		return nil, err
	}

	return New(cfg.Path, opts)
}

type Driver struct {
	mu sync.Mutex

	log         *zap.Logger
	clock       queue.Clock
	maxAttempts int

	queuePath  string
	failedPath string
}

// New creates the queue directory when needed.
func New(path string, opts queue.Options) (*Driver, error) {
	const op = errors.Op("file_driver_new")
	opts = opts.WithDefaults()

	err := os.MkdirAll(path, 0o755)
	if err != nil {
		return nil, errors.E(op, err)
	}

	opts.Log.Debug("file queue initialized", zap.String("path", path))

	return &Driver{
		log:         opts.Log,
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
		queuePath:   filepath.Join(path, queueFile),
		failedPath:  filepath.Join(path, failedFile),
	}, nil
}

func (d *Driver) Push(_ context.Context, jobType string, payload queue.Payload, delay int) error {
	const op = errors.Op("file_driver_push")
	d.mu.Lock()
	defer d.mu.Unlock()

	jobs, _, err := d.loadJobs()
	if err != nil {
		return errors.E(op, err)
	}

	j := queue.NewJob(d.clock.Now(), jobType, payload, delay, d.maxAttempts)
	jobs = append(jobs, j)

	err = d.saveJobs(jobs)
	if err != nil {
		return errors.E(op, err)
	}

	d.log.Debug("job was pushed", zap.String("ID", j.ID), zap.String("job", jobType), zap.Int("delay", j.Delay))
	return nil
}

func (d *Driver) Pop(_ context.Context) (*queue.Delivery, error) {
	const op = errors.Op("file_driver_pop")
	d.mu.Lock()
	defer d.mu.Unlock()

	jobs, skipped, err := d.loadJobs()
	if err != nil {
		return nil, errors.E(op, err)
	}

	now := d.clock.Now()
	for i := 0; i < len(jobs); i++ {
		if !jobs[i].Ready(now) {
			continue
		}

		j := jobs[i]
		jobs = append(jobs[:i], jobs[i+1:]...)
		err = d.saveJobs(jobs)
		if err != nil {
			return nil, errors.E(op, err)
		}

		return queue.NewDelivery(j, nil), nil
	}

	// nothing taken, still drop the malformed records from the file
	if skipped > 0 {
		err = d.saveJobs(jobs)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}

	return nil, nil
}

// Size counts only the jobs that are due.
func (d *Driver) Size(_ context.Context) (int, error) {
	const op = errors.Op("file_driver_size")
	d.mu.Lock()
	defer d.mu.Unlock()

	jobs, _, err := d.loadJobs()
	if err != nil {
		return 0, errors.E(op, err)
	}

	now := d.clock.Now()
	size := 0
	for i := 0; i < len(jobs); i++ {
		if jobs[i].Ready(now) {
			size++
		}
	}

	return size, nil
}

func (d *Driver) Clear(_ context.Context) error {
	const op = errors.Op("file_driver_clear")
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.saveJobs(nil)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

// Ack is a no-op, Pop already removed the record.
func (d *Driver) Ack(_ context.Context, _ *queue.Delivery) error {
	return nil
}

func (d *Driver) Fail(_ context.Context, dl *queue.Delivery, reason string) error {
	const op = errors.Op("file_driver_fail")
	if dl == nil || dl.Job == nil {
		return errors.E(op, errors.Str("nil delivery"))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	failed, err := d.loadFailed()
	if err != nil {
		return errors.E(op, err)
	}

	failed = append(failed, queue.NewFailedJob(dl.Job, d.clock.Now(), reason))
	err = d.saveFailed(failed)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Failed(_ context.Context) ([]*queue.FailedJob, error) {
	const op = errors.Op("file_driver_failed")
	d.mu.Lock()
	defer d.mu.Unlock()

	failed, err := d.loadFailed()
	if err != nil {
		return nil, errors.E(op, err)
	}

	return failed, nil
}

func (d *Driver) Retry(_ context.Context, id string) error {
	const op = errors.Op("file_driver_retry")
	d.mu.Lock()
	defer d.mu.Unlock()

	failed, err := d.loadFailed()
	if err != nil {
		return errors.E(op, err)
	}

	idx := -1
	for i := 0; i < len(failed); i++ {
		if failed[i].ID == id {
			idx = i
			break
		}
	}

	if idx == -1 {
		return queue.ErrJobNotFound
	}

	jobs, _, err := d.loadJobs()
	if err != nil {
		return errors.E(op, err)
	}

	jobs = append(jobs, failed[idx].Requeue(d.clock.Now()))
	err = d.saveJobs(jobs)
	if err != nil {
		return errors.E(op, err)
	}

	failed = append(failed[:idx], failed[idx+1:]...)
	err = d.saveFailed(failed)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Close() error {
	return nil
}
