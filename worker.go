package queue

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	spanName          string        = "queue_job"
	defaultSleep      time.Duration = time.Second
	tracerName        string        = "queue"
	panicErrorMessage string        = "job handler panic"
)

// Queue is the part of Manager a Worker drives.
type Queue interface {
	Pop(ctx context.Context, driver string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery, driver string) error
	Fail(ctx context.Context, d *Delivery, reason string, driver string) error
}

// Worker polls one connection and executes the jobs it pops.
type Worker struct {
	queue    Queue
	handlers *Registry
	log      *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	driver        string
	sleep         time.Duration
	maxJobs       int
	stopWhenEmpty bool
}

type WorkerOption func(*Worker)

// WithDriver selects the connection to poll. Empty means the default connection.
func WithDriver(name string) WorkerOption {
	return func(w *Worker) {
		w.driver = name
	}
}

// WithSleep sets the pause after an empty poll.
func WithSleep(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.sleep = d
	}
}

// WithMaxJobs stops the worker after n processed jobs. Zero means no limit.
func WithMaxJobs(n int) WorkerOption {
	return func(w *Worker) {
		w.maxJobs = n
	}
}

// WithStopWhenEmpty stops the worker on the first empty poll.
func WithStopWhenEmpty(stop bool) WorkerOption {
	return func(w *Worker) {
		w.stopWhenEmpty = stop
	}
}

func WithWorkerMetrics(m *Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) WorkerOption {
	return func(w *Worker) {
		w.tracer = tp.Tracer(tracerName)
	}
}

func NewWorker(q Queue, handlers *Registry, log *zap.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:    q,
		handlers: handlers,
		log:      log,
		sleep:    defaultSleep,
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
	}

	for _, o := range opts {
		o(w)
	}

	if w.log == nil {
		w.log = zap.NewNop()
	}

	return w
}

// Run polls until ctx is canceled. Cancellation is observed between jobs, a running handler is never interrupted.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("queue worker started", zap.String("connection", w.driver), zap.Duration("sleep", w.sleep))

	processed := 0
	for {
		select {
		case <-ctx.Done():
			w.log.Info("queue worker stopped", zap.Int("processed", processed))
			return nil
		default:
		}

		if w.Process(ctx) {
			processed++
			if w.maxJobs > 0 && processed >= w.maxJobs {
				w.log.Info("queue worker reached the job limit", zap.Int("processed", processed))
				return nil
			}
			continue
		}

		if w.stopWhenEmpty {
			w.log.Info("queue is empty, worker stopped", zap.Int("processed", processed))
			return nil
		}

		select {
		case <-ctx.Done():
			w.log.Info("queue worker stopped", zap.Int("processed", processed))
			return nil
		case <-time.After(w.sleep):
		}
	}
}

// Process pops and executes a single job. It reports whether a job was handled.
func (w *Worker) Process(ctx context.Context) bool {
	d, err := w.queue.Pop(ctx, w.driver)
	if err != nil {
		w.log.Error("failed to pop a job", zap.String("connection", w.driver), zap.Error(err))
		return false
	}

	if d == nil || d.Job == nil {
		return false
	}

	start := time.Now().UTC()
	jb := d.Job

	// a shutdown signal must not cancel the job already taken from the store
	jobCtx, span := w.tracer.Start(context.WithoutCancel(ctx), spanName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", jb.ID),
			attribute.String("job.type", jb.Type),
			attribute.String("queue.connection", w.driver),
		))
	defer span.End()

	w.log.Debug("job processing was started", zap.String("ID", jb.ID), zap.String("job", jb.Type), zap.Time("start", start))

	h, err := w.execute(jobCtx, jb)
	if err != nil {
		w.metrics.CountJobErr(jb.Type, w.driver, time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		w.log.Error("job processed with errors", zap.String("ID", jb.ID), zap.String("job", jb.Type), zap.Duration("elapsed", time.Since(start)), zap.Error(err))

		errFail := w.queue.Fail(jobCtx, d, err.Error(), w.driver)
		if errFail != nil {
			w.log.Error("failed to move the job to the failed store, job might be lost", zap.String("ID", jb.ID), zap.Error(errFail))
		}

		if fh, ok := h.(FailedHandler); ok {
			w.notifyFailed(jobCtx, fh, jb, err)
		}

		return true
	}

	errAck := w.queue.Ack(jobCtx, d, w.driver)
	if errAck != nil {
		w.log.Error("acknowledge error, job might be redelivered", zap.String("ID", jb.ID), zap.Error(errAck))
	}

	w.metrics.CountJobOk(jb.Type, w.driver, time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "")
	w.log.Debug("job was processed successfully", zap.String("ID", jb.ID), zap.String("job", jb.Type), zap.Duration("elapsed", time.Since(start)))

	return true
}

func (w *Worker) execute(ctx context.Context, jb *Job) (h Handler, err error) {
	h, err = w.handlers.Resolve(jb.Type)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", panicErrorMessage, r)
		}
	}()

	return h, h.Handle(ctx, jb)
}

func (w *Worker) notifyFailed(ctx context.Context, fh FailedHandler, jb *Job, cause error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("failure hook panicked", zap.String("ID", jb.ID), zap.Any("panic", r))
		}
	}()

	fh.Failed(ctx, jb, cause)
}
