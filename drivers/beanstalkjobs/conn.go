package beanstalkjobs

import (
	stderr "errors"
	"io"
	"sync"
	"time"

	"github.com/beanstalkd/go-beanstalk"
)

var (
	errTimeout  = stderr.New("beanstalk: timeout")
	errNotFound = stderr.New("beanstalk: not found")
)

const (
	stateReady   string = "ready"
	stateDelayed string = "delayed"
	stateBuried  string = "buried"
)

// conn is the part of the beanstalkd protocol the driver uses.
// Implementations return errTimeout and errNotFound for the matching server replies.
type conn interface {
	Put(tube string, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error)
	Reserve(tube string, timeout time.Duration) (uint64, []byte, error)
	Delete(id uint64) error
	Release(id uint64, pri uint32, delay time.Duration) error
	Peek(tube string, state string) (uint64, error)
	Stats(tube string) (map[string]string, error)
	Close() error
}

// beanstalkConn adapts a single go-beanstalk connection, which is not safe for concurrent use.
type beanstalkConn struct {
	mu    sync.Mutex
	c     *beanstalk.Conn
	tubes map[string]*beanstalk.Tube
	sets  map[string]*beanstalk.TubeSet
}

func newBeanstalkConn(rwc io.ReadWriteCloser) *beanstalkConn {
	return &beanstalkConn{
		c:     beanstalk.NewConn(rwc),
		tubes: make(map[string]*beanstalk.Tube),
		sets:  make(map[string]*beanstalk.TubeSet),
	}
}

func (b *beanstalkConn) tube(name string) *beanstalk.Tube {
	t, ok := b.tubes[name]
	if !ok {
		t = beanstalk.NewTube(b.c, name)
		b.tubes[name] = t
	}

	return t
}

func (b *beanstalkConn) tubeSet(name string) *beanstalk.TubeSet {
	ts, ok := b.sets[name]
	if !ok {
		ts = beanstalk.NewTubeSet(b.c, name)
		b.sets[name] = ts
	}

	return ts
}

func (b *beanstalkConn) Put(tube string, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := b.tube(tube).Put(body, pri, delay, ttr)
	return id, translate(err)
}

func (b *beanstalkConn) Reserve(tube string, timeout time.Duration) (uint64, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, body, err := b.tubeSet(tube).Reserve(timeout)
	return id, body, translate(err)
}

func (b *beanstalkConn) Delete(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return translate(b.c.Delete(id))
}

func (b *beanstalkConn) Release(id uint64, pri uint32, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return translate(b.c.Release(id, pri, delay))
}

func (b *beanstalkConn) Peek(tube string, state string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		id  uint64
		err error
	)

	t := b.tube(tube)
	switch state {
	case stateDelayed:
		id, _, err = t.PeekDelayed()
	case stateBuried:
		id, _, err = t.PeekBuried()
	default:
		id, _, err = t.PeekReady()
	}

	return id, translate(err)
}

func (b *beanstalkConn) Stats(tube string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats, err := b.tube(tube).Stats()
	return stats, translate(err)
}

func (b *beanstalkConn) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.c.Close()
}

func translate(err error) error {
	if err == nil {
		return nil
	}

	var cerr beanstalk.ConnError
	if stderr.As(err, &cerr) {
		switch {
		case stderr.Is(cerr.Err, beanstalk.ErrTimeout):
			return errTimeout
		case stderr.Is(cerr.Err, beanstalk.ErrNotFound):
			return errNotFound
		}
	}

	return err
}
