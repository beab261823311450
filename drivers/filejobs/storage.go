package filejobs

import (
	"os"
	"path/filepath"

	"github.com/fusion-framework/queue"
	"github.com/fusion-framework/queue/protocol"
	"go.uber.org/zap"
)

// loadJobs also returns the number of malformed records left out of jobs.
func (d *Driver) loadJobs() ([]*queue.Job, int, error) {
	data, err := readFile(d.queuePath)
	if err != nil {
		return nil, 0, err
	}

	jobs, skipped, err := protocol.UnmarshalList(data)
	if err != nil {
		return nil, 0, err
	}

	if skipped > 0 {
		d.log.Warn("malformed job records were discarded", zap.String("file", d.queuePath), zap.Int("count", skipped))
	}

	return jobs, skipped, nil
}

func (d *Driver) saveJobs(jobs []*queue.Job) error {
	data, err := protocol.MarshalList(jobs)
	if err != nil {
		return err
	}

	return writeFile(d.queuePath, data)
}

func (d *Driver) loadFailed() ([]*queue.FailedJob, error) {
	data, err := readFile(d.failedPath)
	if err != nil {
		return nil, err
	}

	failed, skipped, err := protocol.UnmarshalFailedList(data)
	if err != nil {
		return nil, err
	}

	if skipped > 0 {
		d.log.Warn("malformed failed records were discarded", zap.String("file", d.failedPath), zap.Int("count", skipped))
	}

	return failed, nil
}

func (d *Driver) saveFailed(failed []*queue.FailedJob) error {
	data, err := protocol.MarshalFailedList(failed)
	if err != nil {
		return err
	}

	return writeFile(d.failedPath, data)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	return data, nil
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}

	err = tmp.Chmod(0o644)
	if err == nil {
		_, err = tmp.Write(data)
	}
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}

	err = tmp.Close()
	if err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	err = os.Rename(tmp.Name(), path)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return nil
}
