// Package jobs holds the demo handlers the CLI registers out of the box.
package jobs

import (
	"context"
	"time"

	"github.com/fusion-framework/queue"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const (
	SendEmail    string = "SendEmailJob"
	ProcessImage string = "ProcessImageJob"
	Failing      string = "FailingJob"

	failingMessage string = "This job is designed to fail for testing purposes"
)

type SendEmailPayload struct {
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

type ProcessImagePayload struct {
	ImagePath string `json:"image_path"`
	Operation string `json:"operation"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// SendEmailJob pretends to deliver an email.
type SendEmailJob struct {
	log   *zap.Logger
	delay time.Duration
}

func (j *SendEmailJob) Handle(ctx context.Context, jb *queue.Job) error {
	p := SendEmailPayload{
		Email:   "user@example.com",
		Subject: "Welcome!",
		Message: "Hello from Fusion Framework!",
	}
	if err := jb.Payload.Decode(&p); err != nil {
		return errors.E(errors.Op("send_email_job"), err)
	}

	j.log.Info("sending email", zap.String("ID", jb.ID), zap.String("email", p.Email), zap.String("subject", p.Subject), zap.String("message", p.Message))
	if err := sleep(ctx, j.delay); err != nil {
		return err
	}
	j.log.Info("email sent", zap.String("ID", jb.ID))

	return nil
}

// ProcessImageJob pretends to transform an image.
type ProcessImageJob struct {
	log   *zap.Logger
	delay time.Duration
}

func (j *ProcessImageJob) Handle(ctx context.Context, jb *queue.Job) error {
	p := ProcessImagePayload{
		ImagePath: "unknown",
		Operation: "resize",
		Width:     800,
		Height:    600,
	}
	if err := jb.Payload.Decode(&p); err != nil {
		return errors.E(errors.Op("process_image_job"), err)
	}

	j.log.Info("processing image", zap.String("ID", jb.ID), zap.String("path", p.ImagePath), zap.String("operation", p.Operation), zap.Int("width", p.Width), zap.Int("height", p.Height))
	if err := sleep(ctx, j.delay); err != nil {
		return err
	}
	j.log.Info("image processed", zap.String("ID", jb.ID))

	return nil
}

// FailingJob always fails.
type FailingJob struct {
	log *zap.Logger
}

func (j *FailingJob) Handle(context.Context, *queue.Job) error {
	return errors.Str(failingMessage)
}

func (j *FailingJob) Failed(_ context.Context, jb *queue.Job, err error) {
	j.log.Warn("failing job reached the failed store", zap.String("ID", jb.ID), zap.Error(err))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type options struct {
	emailDelay time.Duration
	imageDelay time.Duration
}

type Option func(*options)

// WithoutDelays disables the simulated work time.
func WithoutDelays() Option {
	return func(o *options) {
		o.emailDelay = 0
		o.imageDelay = 0
	}
}

// Register adds the demo handlers to r.
func Register(r *queue.Registry, log *zap.Logger, opts ...Option) error {
	o := &options{emailDelay: time.Second, imageDelay: 2 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	if log == nil {
		log = zap.NewNop()
	}

	if err := r.Register(SendEmail, func() queue.Handler {
		return &SendEmailJob{log: log, delay: o.emailDelay}
	}); err != nil {
		return err
	}

	if err := r.Register(ProcessImage, func() queue.Handler {
		return &ProcessImageJob{log: log, delay: o.imageDelay}
	}); err != nil {
		return err
	}

	return r.Register(Failing, func() queue.Handler {
		return &FailingJob{log: log}
	})
}
