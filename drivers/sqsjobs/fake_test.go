package sqsjobs

import (
	"context"
	stderr "errors"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/fusion-framework/queue"
)

const defaultVisibility = 30 * time.Second

type fakeMessage struct {
	id        string
	body      string
	attrs     map[string]types.MessageAttributeValue
	visibleAt time.Time
	receipt   string
}

// fakeSQS emulates visibility timeouts and delays against a clock.
type fakeSQS struct {
	mu      sync.Mutex
	clock   queue.Clock
	queues  map[string][]*fakeMessage
	counter int
}

func newFakeSQS(clock queue.Clock) *fakeSQS {
	return &fakeSQS{clock: clock, queues: make(map[string][]*fakeMessage)}
}

func (f *fakeSQS) next(prefix string) string {
	f.counter++
	return prefix + strconv.Itoa(f.counter)
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if in.DelaySeconds > 900 {
		return nil, stderr.New("InvalidParameterValue: DelaySeconds")
	}

	url := aws.ToString(in.QueueUrl)
	msg := &fakeMessage{
		id:        f.next("msg-"),
		body:      aws.ToString(in.MessageBody),
		attrs:     in.MessageAttributes,
		visibleAt: f.clock.Now().Add(time.Duration(in.DelaySeconds) * time.Second),
	}
	f.queues[url] = append(f.queues[url], msg)

	return &sqs.SendMessageOutput{MessageId: aws.String(msg.id)}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	vis := defaultVisibility
	if in.VisibilityTimeout > 0 {
		vis = time.Duration(in.VisibilityTimeout) * time.Second
	}

	limit := int(in.MaxNumberOfMessages)
	if limit == 0 {
		limit = 1
	}

	out := &sqs.ReceiveMessageOutput{}
	for _, m := range f.queues[aws.ToString(in.QueueUrl)] {
		if len(out.Messages) == limit {
			break
		}
		if now.Before(m.visibleAt) {
			continue
		}

		m.receipt = f.next("receipt-")
		m.visibleAt = now.Add(vis)
		out.Messages = append(out.Messages, types.Message{
			MessageId:         aws.String(m.id),
			ReceiptHandle:     aws.String(m.receipt),
			Body:              aws.String(m.body),
			MessageAttributes: m.attrs,
		})
	}

	return out, nil
}

func (f *fakeSQS) find(url, receipt string) (int, *fakeMessage) {
	for i, m := range f.queues[url] {
		if m.receipt == receipt {
			return i, m
		}
	}

	return -1, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	url := aws.ToString(in.QueueUrl)
	i, _ := f.find(url, aws.ToString(in.ReceiptHandle))
	if i == -1 {
		return nil, stderr.New("ReceiptHandleIsInvalid")
	}

	f.queues[url] = append(f.queues[url][:i], f.queues[url][i+1:]...)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, m := f.find(aws.ToString(in.QueueUrl), aws.ToString(in.ReceiptHandle))
	if m == nil {
		return nil, stderr.New("ReceiptHandleIsInvalid")
	}

	m.visibleAt = f.clock.Now().Add(time.Duration(in.VisibilityTimeout) * time.Second)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	visible := 0
	for _, m := range f.queues[aws.ToString(in.QueueUrl)] {
		if !now.Before(m.visibleAt) {
			visible++
		}
	}

	return &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameApproximateNumberOfMessages): strconv.Itoa(visible),
		},
	}, nil
}

func (f *fakeSQS) PurgeQueue(_ context.Context, in *sqs.PurgeQueueInput, _ ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.queues, aws.ToString(in.QueueUrl))
	return &sqs.PurgeQueueOutput{}, nil
}

func (f *fakeSQS) messages(url string) []*fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*fakeMessage(nil), f.queues[url]...)
}

// shortPollSQS answers the first short poll of each queue with no messages, as SQS may
// when it samples a subset of its servers.
type shortPollSQS struct {
	*fakeSQS
	missed map[string]bool
}

func (s *shortPollSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	url := aws.ToString(in.QueueUrl)
	if in.WaitTimeSeconds == 0 && !s.missed[url] {
		s.missed[url] = true
		return &sqs.ReceiveMessageOutput{}, nil
	}

	return s.fakeSQS.ReceiveMessage(ctx, in, opts...)
}
