package beanstalkjobs

import (
	"strconv"
	"sync"
	"time"

	"github.com/fusion-framework/queue"
)

type fakeJob struct {
	id       uint64
	tube     string
	body     []byte
	pri      uint32
	readyAt  time.Time
	ttr      time.Duration
	reserved bool
	// reservation expires at
	ttrAt time.Time
}

// fakeConn is an in-memory beanstalkd honoring delays and TTR against a clock.
type fakeConn struct {
	mu     sync.Mutex
	clock  queue.Clock
	nextID uint64
	jobs   []*fakeJob
	tubes  map[string]bool
	closed bool
}

func newFakeConn(clock queue.Clock) *fakeConn {
	return &fakeConn{clock: clock, tubes: make(map[string]bool)}
}

func (f *fakeConn) Put(tube string, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	f.tubes[tube] = true
	f.jobs = append(f.jobs, &fakeJob{
		id:      f.nextID,
		tube:    tube,
		body:    append([]byte(nil), body...),
		pri:     pri,
		readyAt: f.clock.Now().Add(delay),
		ttr:     ttr,
	})

	return f.nextID, nil
}

func (f *fakeConn) ready(j *fakeJob) bool {
	now := f.clock.Now()
	if j.reserved && (j.ttr <= 0 || now.Before(j.ttrAt)) {
		return false
	}

	return !now.Before(j.readyAt)
}

func (f *fakeConn) Reserve(tube string, _ time.Duration) (uint64, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *fakeJob
	for _, j := range f.jobs {
		if j.tube != tube || !f.ready(j) {
			continue
		}
		if best == nil || j.pri < best.pri {
			best = j
		}
	}

	if best == nil {
		return 0, nil, errTimeout
	}

	best.reserved = true
	best.ttrAt = f.clock.Now().Add(best.ttr)
	return best.id, best.body, nil
}

func (f *fakeConn) Delete(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, j := range f.jobs {
		if j.id == id {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return nil
		}
	}

	return errNotFound
}

func (f *fakeConn) Release(id uint64, pri uint32, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, j := range f.jobs {
		if j.id == id && j.reserved {
			j.reserved = false
			j.pri = pri
			j.readyAt = f.clock.Now().Add(delay)
			return nil
		}
	}

	return errNotFound
}

func (f *fakeConn) Peek(tube string, state string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, j := range f.jobs {
		if j.tube != tube || j.reserved {
			continue
		}

		delayed := f.clock.Now().Before(j.readyAt)
		switch state {
		case stateReady:
			if !delayed {
				return j.id, nil
			}
		case stateDelayed:
			if delayed {
				return j.id, nil
			}
		}
	}

	return 0, errNotFound
}

func (f *fakeConn) Stats(tube string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.tubes[tube] {
		return nil, errNotFound
	}

	ready := 0
	for _, j := range f.jobs {
		if j.tube == tube && f.ready(j) {
			ready++
		}
	}

	return map[string]string{"name": tube, "current-jobs-ready": strconv.Itoa(ready)}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) count(tube string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, j := range f.jobs {
		if j.tube == tube {
			n++
		}
	}

	return n
}
