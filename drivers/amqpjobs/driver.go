// Package amqpjobs keeps jobs in durable RabbitMQ queues. Pop uses basic.get with
// manual acknowledgement, so a job popped by a crashed worker is redelivered.
//
// RabbitMQ has no native delay. A delayed job is published immediately and Pop
// moves a job that is not due yet to the tail of the queue.
package amqpjobs

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/fusion-framework/queue"
	"github.com/fusion-framework/queue/protocol"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const (
	pluginName string = "amqp"
	// Alias is the driver name the connection may use instead of "amqp".
	Alias string = "rabbitmq"

	defaultHost     string = "127.0.0.1"
	defaultPort     int    = 5672
	defaultUser     string = "guest"
	defaultPassword string = "guest"
	defaultVhost    string = "/"
	defaultQueue    string = "fusion_jobs"
	failedSuffix    string = "_failed"
	contentType     string = "application/json"
	dialTimeout            = 5 * time.Second
)

// channel is the part of *amqp.Channel the driver uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	QueuePurge(name string, noWait bool) (int, error)
	Close() error
}

type config struct {
	Host     string `validate:"required"`
	Port     int    `validate:"gt=0,lte=65535"`
	User     string `validate:"required"`
	Password string
	Vhost    string `validate:"required"`
	Queue    string `validate:"required"`
}

func (c *config) url() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + trimSlash(c.Vhost),
	}

	return u.String()
}

func trimSlash(vhost string) string {
	if vhost == "/" {
		return ""
	}

	return vhost
}

type Constructor struct{}

func NewConstructor() *Constructor {
	return &Constructor{}
}

func (c *Constructor) Name() string {
	return pluginName
}

func (c *Constructor) DriverFromConfig(conn queue.Connection, opts queue.Options) (queue.Driver, error) {
	const op = errors.Op("amqp_driver_from_config")
	cfg := &config{
		Host:     conn.String("host", defaultHost),
		Port:     conn.Int("port", defaultPort),
		User:     conn.String("user", defaultUser),
		Password: conn.String("password", defaultPassword),
		Vhost:    conn.String("vhost", defaultVhost),
		Queue:    conn.String("queue", defaultQueue),
	}
	if err := queue.ValidateConfig(conn.Name(), cfg); err != nil {
		return nil, err
	}

	amqpConn, err := amqp.DialConfig(cfg.url(), amqp.Config{
		Dial: amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, errors.E(op, errors.Errorf("rabbitmq at %s:%d is not reachable: %v", cfg.Host, cfg.Port, err))
	}

	ch, err := amqpConn.Channel()
	if err != nil {
		_ = amqpConn.Close()
		return nil, errors.E(op, err)
	}

	d, err := New(ch, amqpConn, cfg.Queue, opts)
	if err != nil {
		_ = ch.Close()
		_ = amqpConn.Close()
		return nil, errors.E(op, err)
	}

	return d, nil
}

type Driver struct {
	mu sync.Mutex
	ch channel
	// conn owns the channel, may be nil
	conn io.Closer

	log         *zap.Logger
	clock       queue.Clock
	maxAttempts int

	queue       string
	failedQueue string
}

// New declares the ready and failed queues on ch.
func New(ch channel, conn io.Closer, name string, opts queue.Options) (*Driver, error) {
	const op = errors.Op("amqp_driver_new")
	opts = opts.WithDefaults()

	d := &Driver{
		ch:          ch,
		conn:        conn,
		log:         opts.Log,
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
		queue:       name,
		failedQueue: name + failedSuffix,
	}

	for _, q := range []string{d.queue, d.failedQueue} {
		_, err := ch.QueueDeclare(q, true, false, false, false, nil)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}

	return d, nil
}

func (d *Driver) publish(ctx context.Context, q string, j *queue.Job, body []byte) error {
	return d.ch.PublishWithContext(ctx, "", q, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    j.ID,
		Type:         j.Type,
		Timestamp:    j.CreatedAt,
		Body:         body,
	})
}

func (d *Driver) Push(ctx context.Context, jobType string, payload queue.Payload, delay int) error {
	const op = errors.Op("amqp_driver_push")
	j := queue.NewJob(d.clock.Now(), jobType, payload, delay, d.maxAttempts)

	data, err := protocol.Marshal(j)
	if err != nil {
		return errors.E(op, err)
	}

	if j.Delay > 0 {
		d.log.Warn("rabbitmq has no native delay, the job is held back when popped", zap.String("ID", j.ID), zap.Int("delay", j.Delay))
	}

	d.mu.Lock()
	err = d.publish(ctx, d.queue, j, data)
	d.mu.Unlock()

	if err != nil {
		d.log.Error("job push error", zap.String("ID", j.ID), zap.String("queue", d.queue), zap.Error(err))
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Pop(ctx context.Context) (*queue.Delivery, error) {
	const op = errors.Op("amqp_driver_pop")
	d.mu.Lock()
	defer d.mu.Unlock()

	// every message may be looked at once before giving up
	limit := -1
	for scanned := 0; limit < 0 || scanned <= limit; scanned++ {
		msg, ok, err := d.ch.Get(d.queue, false)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if !ok {
			return nil, nil
		}
		if limit < 0 {
			limit = int(msg.MessageCount)
		}

		j, err := protocol.Unmarshal(msg.Body)
		if err != nil {
			d.log.Warn("malformed job record was discarded", zap.String("queue", d.queue), zap.Error(err))
			if errAck := msg.Ack(false); errAck != nil {
				return nil, errors.E(op, errAck)
			}
			continue
		}

		if j.Ready(d.clock.Now()) {
			return queue.NewDelivery(j, msg), nil
		}

		// not due, move it to the tail
		err = d.publish(ctx, d.queue, j, msg.Body)
		if err != nil {
			_ = msg.Nack(false, true)
			return nil, errors.E(op, err)
		}

		err = msg.Ack(false)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}

	return nil, nil
}

// Size returns the number of messages in the queue, delayed ones included.
func (d *Driver) Size(_ context.Context) (int, error) {
	const op = errors.Op("amqp_driver_size")
	d.mu.Lock()
	defer d.mu.Unlock()

	q, err := d.ch.QueueDeclarePassive(d.queue, true, false, false, false, nil)
	if err != nil {
		return 0, errors.E(op, err)
	}

	return q.Messages, nil
}

func (d *Driver) Clear(_ context.Context) error {
	const op = errors.Op("amqp_driver_clear")
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.ch.QueuePurge(d.queue, false)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Ack(_ context.Context, dl *queue.Delivery) error {
	const op = errors.Op("amqp_driver_ack")

	msg, err := delivery(dl)
	if err != nil {
		return errors.E(op, err)
	}

	err = msg.Ack(false)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

// Fail publishes the failed record to the failed queue, then acks the delivery.
func (d *Driver) Fail(ctx context.Context, dl *queue.Delivery, reason string) error {
	const op = errors.Op("amqp_driver_fail")

	msg, err := delivery(dl)
	if err != nil {
		return errors.E(op, err)
	}

	data, err := protocol.MarshalFailed(queue.NewFailedJob(dl.Job, d.clock.Now(), reason))
	if err != nil {
		return errors.E(op, err)
	}

	d.mu.Lock()
	err = d.publish(ctx, d.failedQueue, dl.Job, data)
	d.mu.Unlock()
	if err != nil {
		return errors.E(op, err)
	}

	err = msg.Ack(false)
	if err != nil {
		d.log.Error("failed job was stored, but the delivery was not acknowledged, job might be redelivered", zap.String("ID", dl.ID()), zap.Error(err))
		return errors.E(op, err)
	}

	return nil
}

type held struct {
	msg amqp.Delivery
	job *queue.FailedJob
}

// drainFailed takes every message of the failed queue without acknowledging it.
// Malformed ones are acked away. Callers must hold the lock.
func (d *Driver) drainFailed() ([]held, error) {
	var out []held
	for {
		msg, ok, err := d.ch.Get(d.failedQueue, false)
		if err != nil {
			d.requeue(out)
			return nil, err
		}
		if !ok {
			return out, nil
		}

		f, err := protocol.UnmarshalFailed(msg.Body)
		if err != nil {
			d.log.Warn("malformed failed record was discarded", zap.String("queue", d.failedQueue), zap.Error(err))
			_ = msg.Ack(false)
			continue
		}

		out = append(out, held{msg: msg, job: f})
	}
}

func (d *Driver) requeue(hs []held) {
	for i := 0; i < len(hs); i++ {
		err := hs[i].msg.Nack(false, true)
		if err != nil {
			d.log.Error("failed to return the failed job to its queue", zap.String("ID", hs[i].job.ID), zap.Error(err))
		}
	}
}

func (d *Driver) Failed(_ context.Context) ([]*queue.FailedJob, error) {
	const op = errors.Op("amqp_driver_failed")
	d.mu.Lock()
	defer d.mu.Unlock()

	hs, err := d.drainFailed()
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer d.requeue(hs)

	failed := make([]*queue.FailedJob, 0, len(hs))
	for i := 0; i < len(hs); i++ {
		failed = append(failed, hs[i].job)
	}

	return failed, nil
}

func (d *Driver) Retry(ctx context.Context, id string) error {
	const op = errors.Op("amqp_driver_retry")
	d.mu.Lock()
	defer d.mu.Unlock()

	hs, err := d.drainFailed()
	if err != nil {
		return errors.E(op, err)
	}

	idx := -1
	for i := 0; i < len(hs); i++ {
		if hs[i].job.ID == id {
			idx = i
			break
		}
	}

	if idx == -1 {
		d.requeue(hs)
		return queue.ErrJobNotFound
	}

	match := hs[idx]
	d.requeue(append(hs[:idx:idx], hs[idx+1:]...))

	j := match.job.Requeue(d.clock.Now())
	data, err := protocol.Marshal(j)
	if err != nil {
		d.requeue([]held{match})
		return errors.E(op, err)
	}

	err = d.publish(ctx, d.queue, j, data)
	if err != nil {
		d.requeue([]held{match})
		return errors.E(op, err)
	}

	err = match.msg.Ack(false)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.ch.Close()
	if d.conn != nil {
		if errConn := d.conn.Close(); errConn != nil && err == nil {
			err = errConn
		}
	}

	return err
}

func delivery(dl *queue.Delivery) (amqp.Delivery, error) {
	if dl == nil {
		return amqp.Delivery{}, errors.Str("nil delivery")
	}

	msg, ok := dl.Handle().(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("delivery %s carries no amqp message", dl.ID())
	}

	return msg, nil
}
