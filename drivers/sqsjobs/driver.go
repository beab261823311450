// Package sqsjobs keeps jobs in Amazon SQS. Delays use DelaySeconds and are clamped
// to the SQS maximum of 15 minutes. Popped messages stay invisible for the
// reservation window until they are acked or failed.
package sqsjobs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/fusion-framework/queue"
	"github.com/fusion-framework/queue/protocol"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const (
	pluginName string = "sqs"

	defaultRegion string = "us-east-1"
	failedSuffix  string = "_failed"

	// SQS limits
	maxDelay       int   = 900
	maxVisibility  int32 = 43200
	waitTimeSecond int32 = 1
	batchSize      int32 = 10
	// inspection holds failed messages this long before making them visible again
	inspectVisibility int32 = 30
	maxInspectBatches int   = 1000

	jobClassAttr string = "JobClass"
	jobIDAttr    string = "JobId"
)

// API is the part of the SQS client the driver uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	PurgeQueue(ctx context.Context, params *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type config struct {
	Key            string
	Secret         string `validate:"required_with=Key"`
	Region         string `validate:"required"`
	QueueURL       string `validate:"required,url"`
	FailedQueueURL string `validate:"required,url"`
	Endpoint       string `validate:"omitempty,url"`
	// Visibility is the reservation window of a popped message.
	Visibility time.Duration `validate:"gte=0"`
}

func configFrom(conn queue.Connection, opts queue.Options) *config {
	cfg := &config{
		Key:            conn.String("key", ""),
		Secret:         conn.String("secret", ""),
		Region:         conn.String("region", defaultRegion),
		QueueURL:       conn.String("queue_url", ""),
		FailedQueueURL: conn.String("failed_queue_url", ""),
		Endpoint:       conn.String("endpoint", ""),
		Visibility:     conn.Duration("visibility_timeout", opts.RetryAfter),
	}

	if cfg.FailedQueueURL == "" && cfg.QueueURL != "" {
		cfg.FailedQueueURL = cfg.QueueURL + failedSuffix
	}

	return cfg
}

type Constructor struct{}

func NewConstructor() *Constructor {
	return &Constructor{}
}

func (c *Constructor) Name() string {
	return pluginName
}

func (c *Constructor) DriverFromConfig(conn queue.Connection, opts queue.Options) (queue.Driver, error) {
	const op = errors.Op("sqs_driver_from_config")
	cfg := configFrom(conn, opts)
	if err := queue.ValidateConfig(conn.Name(), cfg); err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Key != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, errors.E(op, err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return New(client, cfg.QueueURL, cfg.FailedQueueURL, cfg.Visibility, opts), nil
}

type Driver struct {
	// serializes the failed queue inspection
	mu sync.Mutex

	client API

	log         *zap.Logger
	clock       queue.Clock
	maxAttempts int
	visibility  int32

	queueURL  string
	failedURL string
}

func New(client API, queueURL, failedURL string, visibility time.Duration, opts queue.Options) *Driver {
	opts = opts.WithDefaults()

	vis := int32(visibility / time.Second)
	if vis > maxVisibility {
		vis = maxVisibility
	}

	return &Driver{
		client:      client,
		log:         opts.Log,
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
		visibility:  vis,
		queueURL:    queueURL,
		failedURL:   failedURL,
	}
}

func (d *Driver) send(ctx context.Context, url string, j *queue.Job, body []byte, delay int) error {
	_, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(min(delay, maxDelay)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			jobClassAttr: {DataType: aws.String("String"), StringValue: aws.String(j.Type)},
			jobIDAttr:    {DataType: aws.String("String"), StringValue: aws.String(j.ID)},
		},
	})

	return err
}

func (d *Driver) Push(ctx context.Context, jobType string, payload queue.Payload, delay int) error {
	const op = errors.Op("sqs_driver_push")
	j := queue.NewJob(d.clock.Now(), jobType, payload, delay, d.maxAttempts)

	data, err := protocol.Marshal(j)
	if err != nil {
		return errors.E(op, err)
	}

	if j.Delay > maxDelay {
		d.log.Warn("delay exceeds the SQS maximum and was clamped", zap.String("ID", j.ID), zap.Int("delay", j.Delay), zap.Int("max", maxDelay))
	}

	err = d.send(ctx, d.queueURL, j, data, j.Delay)
	if err != nil {
		d.log.Error("job push error", zap.String("ID", j.ID), zap.String("queue", d.queueURL), zap.Error(err))
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Pop(ctx context.Context) (*queue.Delivery, error) {
	const op = errors.Op("sqs_driver_pop")

	out, err := d.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(d.queueURL),
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       waitTimeSecond,
		VisibilityTimeout:     d.visibility,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, errors.E(op, err)
	}

	if len(out.Messages) == 0 {
		return nil, nil
	}

	msg := out.Messages[0]
	receipt := aws.ToString(msg.ReceiptHandle)

	j, err := protocol.Unmarshal([]byte(aws.ToString(msg.Body)))
	if err != nil {
		d.log.Warn("malformed job record was discarded", zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
		errDel := d.delete(ctx, d.queueURL, receipt)
		if errDel != nil {
			d.log.Error("failed to delete the malformed message", zap.Error(errDel))
		}
		return nil, nil
	}

	return queue.NewDelivery(j, receipt), nil
}

// Size returns ApproximateNumberOfMessages, delayed and in-flight messages are not counted.
func (d *Driver) Size(ctx context.Context) (int, error) {
	const op = errors.Op("sqs_driver_size")

	out, err := d.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(d.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, errors.E(op, err)
	}

	size, err := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	if err != nil {
		return 0, errors.E(op, err)
	}

	return size, nil
}

func (d *Driver) Clear(ctx context.Context) error {
	const op = errors.Op("sqs_driver_clear")

	_, err := d.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(d.queueURL)})
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Ack(ctx context.Context, dl *queue.Delivery) error {
	const op = errors.Op("sqs_driver_ack")

	receipt, err := receiptHandle(dl)
	if err != nil {
		return errors.E(op, err)
	}

	err = d.delete(ctx, d.queueURL, receipt)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

// Fail sends the failed record to the failed queue, then deletes the received message.
func (d *Driver) Fail(ctx context.Context, dl *queue.Delivery, reason string) error {
	const op = errors.Op("sqs_driver_fail")

	receipt, err := receiptHandle(dl)
	if err != nil {
		return errors.E(op, err)
	}

	data, err := protocol.MarshalFailed(queue.NewFailedJob(dl.Job, d.clock.Now(), reason))
	if err != nil {
		return errors.E(op, err)
	}

	err = d.send(ctx, d.failedURL, dl.Job, data, 0)
	if err != nil {
		return errors.E(op, err)
	}

	err = d.delete(ctx, d.queueURL, receipt)
	if err != nil {
		d.log.Error("failed job was stored, but the message was not deleted, job might be redelivered", zap.String("ID", dl.ID()), zap.Error(err))
		return errors.E(op, err)
	}

	return nil
}

type held struct {
	receipt string
	job     *queue.FailedJob
}

// receiveFailed receives every visible message of the failed queue. Malformed ones are deleted.
func (d *Driver) receiveFailed(ctx context.Context) ([]held, error) {
	var out []held
	for i := 0; i < maxInspectBatches; i++ {
		res, err := d.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(d.failedURL),
			MaxNumberOfMessages: batchSize,
			VisibilityTimeout:   inspectVisibility,
			// long polling queries every server, a short poll may miss stored messages
			WaitTimeSeconds: waitTimeSecond,
		})
		if err != nil {
			d.release(ctx, out)
			return nil, err
		}

		if len(res.Messages) == 0 {
			return out, nil
		}

		for _, msg := range res.Messages {
			receipt := aws.ToString(msg.ReceiptHandle)
			f, err := protocol.UnmarshalFailed([]byte(aws.ToString(msg.Body)))
			if err != nil {
				d.log.Warn("malformed failed record was discarded", zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
				_ = d.delete(ctx, d.failedURL, receipt)
				continue
			}

			out = append(out, held{receipt: receipt, job: f})
		}
	}

	return out, nil
}

// release makes the held messages visible again.
func (d *Driver) release(ctx context.Context, hs []held) {
	for i := 0; i < len(hs); i++ {
		_, err := d.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(d.failedURL),
			ReceiptHandle:     aws.String(hs[i].receipt),
			VisibilityTimeout: 0,
		})
		if err != nil {
			d.log.Error("failed to release the failed job", zap.String("ID", hs[i].job.ID), zap.Error(err))
		}
	}
}

func (d *Driver) Failed(ctx context.Context) ([]*queue.FailedJob, error) {
	const op = errors.Op("sqs_driver_failed")
	d.mu.Lock()
	defer d.mu.Unlock()

	hs, err := d.receiveFailed(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer d.release(ctx, hs)

	failed := make([]*queue.FailedJob, 0, len(hs))
	for i := 0; i < len(hs); i++ {
		failed = append(failed, hs[i].job)
	}

	return failed, nil
}

func (d *Driver) Retry(ctx context.Context, id string) error {
	const op = errors.Op("sqs_driver_retry")
	d.mu.Lock()
	defer d.mu.Unlock()

	hs, err := d.receiveFailed(ctx)
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
		d.release(ctx, hs)
		return queue.ErrJobNotFound
	}

	match := hs[idx]
	d.release(ctx, append(hs[:idx:idx], hs[idx+1:]...))

	j := match.job.Requeue(d.clock.Now())
	data, err := protocol.Marshal(j)
	if err != nil {
		d.release(ctx, []held{match})
		return errors.E(op, err)
	}

	err = d.send(ctx, d.queueURL, j, data, 0)
	if err != nil {
		d.release(ctx, []held{match})
		return errors.E(op, err)
	}

	err = d.delete(ctx, d.failedURL, match.receipt)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Close() error {
	return nil
}

func (d *Driver) delete(ctx context.Context, url, receipt string) error {
	_, err := d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receipt),
	})

	return err
}

func receiptHandle(dl *queue.Delivery) (string, error) {
	if dl == nil {
		return "", errors.Str("nil delivery")
	}

	receipt, ok := dl.Handle().(string)
	if !ok || receipt == "" {
		return "", errors.Errorf("delivery %s carries no sqs receipt handle", dl.ID())
	}

	return receipt, nil
}
