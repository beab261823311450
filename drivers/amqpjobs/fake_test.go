package amqpjobs

import (
	"context"
	stderr "errors"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeMessage struct {
	seq   uint64
	body  []byte
	msgID string
}

// fakeChannel is an in-memory broker: FIFO queues, unacked messages tracked by delivery tag,
// nack with requeue puts the message back at its original position.
type fakeChannel struct {
	mu      sync.Mutex
	queues  map[string][]fakeMessage
	unacked map[uint64]unackedMessage
	nextTag uint64
	nextSeq uint64
	closed  bool
}

type unackedMessage struct {
	queue string
	msg   fakeMessage
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		queues:  make(map[string][]fakeMessage),
		unacked: make(map[uint64]unackedMessage),
	}
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.queues[name]; !ok {
		f.queues[name] = nil
	}

	return amqp.Queue{Name: name, Messages: len(f.queues[name])}, nil
}

func (f *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.queues[name]
	if !ok {
		return amqp.Queue{}, stderr.New("NOT_FOUND - no queue")
	}

	return amqp.Queue{Name: name, Messages: len(q)}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSeq++
	f.queues[key] = append(f.queues[key], fakeMessage{seq: f.nextSeq, body: append([]byte(nil), msg.Body...), msgID: msg.MessageId})
	return nil
}

func (f *fakeChannel) Get(name string, _ bool) (amqp.Delivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := f.queues[name]
	if len(q) == 0 {
		return amqp.Delivery{}, false, nil
	}

	msg := q[0]
	f.queues[name] = q[1:]
	f.nextTag++
	f.unacked[f.nextTag] = unackedMessage{queue: name, msg: msg}

	return amqp.Delivery{
		Acknowledger: f,
		DeliveryTag:  f.nextTag,
		MessageId:    msg.msgID,
		Body:         msg.body,
		MessageCount: uint32(len(f.queues[name])),
	}, true, nil
}

func (f *fakeChannel) QueuePurge(name string, _ bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.queues[name])
	f.queues[name] = nil
	return n, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.unacked[tag]; !ok {
		return stderr.New("unknown delivery tag")
	}
	delete(f.unacked, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.unacked[tag]
	if !ok {
		return stderr.New("unknown delivery tag")
	}
	delete(f.unacked, tag)

	if requeue {
		q := f.queues[u.queue]
		pos := sort.Search(len(q), func(i int) bool { return q[i].seq > u.msg.seq })
		q = append(q, fakeMessage{})
		copy(q[pos+1:], q[pos:])
		q[pos] = u.msg
		f.queues[u.queue] = q
	}
	return nil
}

func (f *fakeChannel) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeChannel) depth(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[name])
}

func (f *fakeChannel) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unacked)
}
