// Package fluentd is a sink task that forwards records to a Fluentd
// collector. Each record is converted into a tagged event and handed to a
// buffering transport; delivery happens asynchronously and Flush pushes
// everything buffered so far.
package fluentd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"

	"fluentsink/internal/forward"
	"fluentsink/internal/logging"
	"fluentsink/internal/telemetry"
	"fluentsink/internal/tracing"
	"fluentsink/sink"
	kafkasink "fluentsink/sink/kafka"
)

// DeadLetterQueue receives records dropped under the drop policy.
type DeadLetterQueue interface {
	Send(rec sink.Record, cause error)
	Close() error
}

type state int

const (
	unstarted state = iota
	running
	stopped
)

// Task implements sink.Task. The host serialises calls; Task does no
// locking of its own.
type Task struct {
	transport TransportFactory
	dlq       DeadLetterQueue
	log       *slog.Logger

	state   state
	cfg     Config
	emitter Emitter
	conv    *Converter
	flushed map[sink.TopicPartition]sink.OffsetAndMetadata
}

type Option func(*Task)

// WithTransport overrides the client.transport lookup.
func WithTransport(f TransportFactory) Option { return func(t *Task) { t.transport = f } }

// WithDeadLetter overrides the Kafka dead-letter producer.
func WithDeadLetter(q DeadLetterQueue) Option { return func(t *Task) { t.dlq = q } }

func NewTask(opts ...Option) *Task {
	t := &Task{log: logging.For("fluentd")}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func init() {
	sink.Register("fluentd", func() sink.Task { return NewTask() })
}

func (t *Task) Version() string { return Version }

// Start resolves props and builds the emitter. A task starts once.
func (t *Task) Start(ctx context.Context, props map[string]string) error {
	switch t.state {
	case running:
		return &TaskError{Op: "start", Err: ErrAlreadyStarted}
	case stopped:
		return &TaskError{Op: "start", Err: ErrStopped}
	}
	ctx, span := tracing.StartSpan(ctx, "fluentd.start")
	defer span.End()

	cfg, err := ResolveConfig(props)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return &TaskError{Op: "start", Err: err, Unrecoverable: true}
	}

	factory := t.transport
	if factory == nil {
		f, ok := transports[cfg.Transport]
		if !ok {
			err := &ConfigError{Key: KeyTransport, Value: cfg.Transport,
				Err: fmt.Errorf("unknown transport; have %v", Transports())}
			return &TaskError{Op: "start", Err: err, Unrecoverable: true}
		}
		factory = f
	}
	em, err := factory(ctx, cfg)
	if err != nil {
		err = &TransportError{Transport: cfg.Transport, Err: err}
		tracing.SetSpanError(ctx, err)
		return &TaskError{Op: "start", Err: err, Unrecoverable: true}
	}

	if t.dlq == nil && cfg.DeadLetter.Topic != "" {
		dl, err := kafkasink.NewDeadLetter(kafkasink.Config{
			Brokers: cfg.DeadLetter.Brokers,
			Topic:   cfg.DeadLetter.Topic,
			Acks:    1,
		})
		if err != nil {
			_ = em.Close(ctx)
			err = &TransportError{Transport: "deadletter", Err: err}
			tracing.SetSpanError(ctx, err)
			return &TaskError{Op: "start", Err: err, Unrecoverable: true}
		}
		t.dlq = dl
	}

	t.cfg, t.emitter, t.conv = cfg, em, NewConverter(cfg)
	t.state = running
	t.log.Info("task started",
		"version", Version,
		"transport", cfg.Transport,
		"addresses", cfg.Client.Addresses,
		"tag_strategy", cfg.Tag.Strategy,
		"emit_policy", cfg.Emit.Policy)
	return nil
}

func (t *Task) checkRunning(op string) error {
	switch t.state {
	case unstarted:
		return &TaskError{Op: op, Err: ErrNotStarted}
	case stopped:
		return &TaskError{Op: op, Err: ErrStopped}
	}
	return nil
}

// Put converts and emits records in order. What happens to a record that
// cannot be emitted depends on emit.error.policy.
func (t *Task) Put(ctx context.Context, records []sink.Record) error {
	if err := t.checkRunning("put"); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "fluentd.put", attribute.Int("records", len(records)))
	defer span.End()
	telemetry.RecordsPutTotal.Add(float64(len(records)))

	var errs *multierror.Error
	for _, rec := range records {
		ev := t.conv.Convert(rec)
		t.log.Debug("converted record",
			"partition", rec.TopicPartition().String(),
			"offset", rec.Offset,
			"tag", ev.Tag,
			"timing", ev.Timing.String())

		err := t.emitWithPolicy(ctx, ev)
		if err == nil {
			telemetry.EventsEmittedTotal.Inc()
			continue
		}
		emErr := &EmissionError{Partition: rec.TopicPartition(), Offset: rec.Offset, Tag: ev.Tag, Err: err}
		if t.cfg.Emit.Policy == EmitDrop && ctx.Err() == nil {
			telemetry.EmitErrorsTotal.WithLabelValues("dropped").Inc()
			t.log.Warn("dropping record", "err", emErr)
			if t.dlq != nil {
				t.dlq.Send(rec, err)
			}
			continue
		}
		telemetry.EmitErrorsTotal.WithLabelValues("failed").Inc()
		errs = multierror.Append(errs, emErr)
		if ctx.Err() != nil {
			break
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		tracing.SetSpanError(ctx, err)
		return &TaskError{Op: "put", Err: err}
	}
	return nil
}

func (t *Task) emitWithPolicy(ctx context.Context, ev Event) error {
	if t.cfg.Emit.Policy != EmitRetry || t.cfg.Emit.RetryMax == 0 {
		return t.emit(ctx, ev)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.cfg.Emit.RetryBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(t.cfg.Emit.RetryMax)), ctx)
	return backoff.Retry(func() error {
		err := t.emit(ctx, ev)
		if errors.Is(err, forward.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (t *Task) emit(ctx context.Context, ev Event) error {
	switch ev.Timing {
	case TimingEventTime:
		return t.emitter.EmitWithEventTime(ctx, ev.Tag, ev.Time, ev.Data)
	case TimingTimestamp:
		return t.emitter.EmitWithTimestamp(ctx, ev.Tag, ev.Time.Unix(), ev.Data)
	default:
		return t.emitter.Emit(ctx, ev.Tag, ev.Data)
	}
}

// Flush blocks until the emitter has pushed everything buffered. A
// failure is unrecoverable. On success offsets become the flushed
// snapshot reported by Flushed.
func (t *Task) Flush(ctx context.Context, offsets map[sink.TopicPartition]sink.OffsetAndMetadata) error {
	if err := t.checkRunning("flush"); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "fluentd.flush", attribute.Int("partitions", len(offsets)))
	defer span.End()

	start := time.Now()
	if err := t.emitter.Flush(ctx); err != nil {
		tracing.SetSpanError(ctx, err)
		return &TaskError{Op: "flush", Err: &FlushError{Err: err}, Unrecoverable: true}
	}
	telemetry.FlushDuration.Observe(time.Since(start).Seconds())

	t.flushed = make(map[sink.TopicPartition]sink.OffsetAndMetadata, len(offsets))
	for tp, om := range offsets {
		t.flushed[tp] = om
		t.log.Debug("flushed through offset", "partition", tp.String(), "offset", om.Offset)
	}
	return nil
}

// Flushed returns the offsets passed to the last successful Flush.
func (t *Task) Flushed() map[sink.TopicPartition]sink.OffsetAndMetadata {
	out := make(map[sink.TopicPartition]sink.OffsetAndMetadata, len(t.flushed))
	for tp, om := range t.flushed {
		out[tp] = om
	}
	return out
}

// Stop waits up to client.wait.until.buffer.flushed for the buffer to
// drain, then closes the emitter. Running out of time is logged; a
// cancelled ctx is reported as ErrStopInterrupted. Either way the task
// ends up stopped.
func (t *Task) Stop(ctx context.Context) error {
	switch t.state {
	case unstarted:
		t.state = stopped
		return nil
	case stopped:
		return nil
	}
	t.state = stopped
	ctx, span := tracing.StartSpan(ctx, "fluentd.stop")
	defer span.End()

	var result error
	if wait := t.cfg.Client.WaitUntilBufferFlushed; wait > 0 {
		drained, err := t.emitter.WaitUntilAllBufferFlushed(ctx, wait)
		switch {
		case err != nil && ctx.Err() != nil:
			result = &TaskError{Op: "stop", Err: fmt.Errorf("%w: %w", ErrStopInterrupted, err)}
		case err != nil:
			t.log.Warn("waiting for buffer flush failed", "err", err)
		case !drained:
			t.log.Warn("buffer not flushed before timeout", "timeout", wait)
		}
	}
	if err := t.emitter.Close(ctx); err != nil {
		t.log.Warn("closing transport", "err", err)
		if result == nil {
			result = &TaskError{Op: "stop", Err: err}
		}
	}
	if t.dlq != nil {
		if err := t.dlq.Close(); err != nil {
			t.log.Warn("closing dead-letter producer", "err", err)
		}
	}
	t.emitter = nil
	tracing.SetSpanError(ctx, result)
	t.log.Info("task stopped")
	return result
}
