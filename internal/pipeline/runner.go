// Package pipeline drives one sink task from one Kafka source. All task
// calls happen on the runner goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"fluentsink/internal/logging"
	"fluentsink/internal/telemetry"
	"fluentsink/sink"
	"fluentsink/source/kafka"
)

const (
	DefaultBatchSize   = 500
	DefaultLinger      = 100 * time.Millisecond
	DefaultCommitEvery = 5 * time.Second
	DefaultStopTimeout = 90 * time.Second
)

var ErrRunnerStarted = errors.New("runner: already started")

type Option func(*Runner)

// WithBatch sets how many records a Put carries at most and how long a
// partial batch may wait.
func WithBatch(size int, linger time.Duration) Option {
	return func(r *Runner) {
		if size > 0 {
			r.batchSize = size
		}
		if linger > 0 {
			r.linger = linger
		}
	}
}

func WithCommitInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.commitEvery = d
		}
	}
}

// WithStopTimeout bounds the final flush and Stop on shutdown.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.stopTimeout = d
		}
	}
}

type Runner struct {
	source kafka.Source
	task   sink.Task
	props  map[string]string
	log    *slog.Logger

	batchSize   int
	linger      time.Duration
	commitEvery time.Duration
	stopTimeout time.Duration

	records chan sink.Record
	revoked chan []sink.TopicPartition
	tracker *kafka.Tracker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewRunner(src kafka.Source, task sink.Task, props map[string]string, opts ...Option) *Runner {
	r := &Runner{
		source:      src,
		task:        task,
		props:       props,
		log:         logging.For("pipeline"),
		batchSize:   DefaultBatchSize,
		linger:      DefaultLinger,
		commitEvery: DefaultCommitEvery,
		stopTimeout: DefaultStopTimeout,
		revoked:     make(chan []sink.TopicPartition, 8),
	}
	for _, o := range opts {
		o(r)
	}
	r.records = make(chan sink.Record, r.batchSize)
	r.tracker = kafka.NewTracker(r.commitEvery)

	// driver may report partitions lost in a rebalance
	if rv, ok := src.(interface{ OnRevoke(func([]sink.TopicPartition)) }); ok {
		rv.OnRevoke(r.onRevoke)
	}
	return r
}

// Start starts the task with its properties, then consumes in the
// background. A task that fails to start is reported here.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return ErrRunnerStarted
	}
	if err := r.task.Start(ctx, r.props); err != nil {
		return fmt.Errorf("start sink: %w", err)
	}
	r.log.Info("sink started", "version", r.task.Version())

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		err := r.loop(ctx)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	}()
	return nil
}

// Done is closed once the runner has stopped the task.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the error that ended the runner, nil after a clean shutdown.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops consumption, flushes and commits what was put, stops the task
// and closes the source.
func (r *Runner) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return errors.Join(r.Err(), r.source.Close())
}

func (r *Runner) onRevoke(tps []sink.TopicPartition) {
	select {
	case r.revoked <- tps:
	default:
		r.log.Warn("revocation dropped; offsets for lost partitions stay tracked", "partitions", len(tps))
	}
}

// enqueue is the source's EmitFunc.
func (r *Runner) enqueue(ctx context.Context, rec sink.Record) error {
	select {
	case r.records <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) loop(ctx context.Context) (err error) {
	srcCtx, stopSource := context.WithCancel(ctx)
	srcErr := make(chan error, 1)
	go func() { srcErr <- r.source.Run(srcCtx, r.enqueue) }()

	defer func() {
		stopSource()
		if serr := <-srcErr; serr != nil && !errors.Is(serr, context.Canceled) && err == nil {
			err = fmt.Errorf("source: %w", serr)
		}
	}()

	commit := time.NewTicker(r.commitEvery)
	defer commit.Stop()
	linger := time.NewTimer(r.linger)
	linger.Stop()
	defer linger.Stop()

	batch := make([]sink.Record, 0, r.batchSize)
	put := func(ctx context.Context) error {
		linger.Stop()
		if len(batch) == 0 {
			return nil
		}
		if err := r.task.Put(ctx, batch); err != nil {
			return fmt.Errorf("put: %w", err)
		}
		for _, rec := range batch {
			r.tracker.Track(rec)
		}
		r.source.Release(len(batch))
		batch = make([]sink.Record, 0, r.batchSize)
		return nil
	}

	for {
		select {
		case rec := <-r.records:
			if len(batch) == 0 {
				linger.Reset(r.linger)
			}
			batch = append(batch, rec)
			if len(batch) < r.batchSize {
				continue
			}
			if err := put(ctx); err != nil {
				return r.fail(ctx, err)
			}
			if r.tracker.Due() {
				if err := r.commit(ctx); err != nil {
					return r.fail(ctx, err)
				}
			}

		case <-linger.C:
			if err := put(ctx); err != nil {
				return r.fail(ctx, err)
			}

		case tps := <-r.revoked:
			if err := put(ctx); err != nil {
				return r.fail(ctx, err)
			}
			r.tracker.Forget(tps...)

		case <-commit.C:
			if err := put(ctx); err != nil {
				return r.fail(ctx, err)
			}
			if r.tracker.Pending() {
				if err := r.commit(ctx); err != nil {
					return r.fail(ctx, err)
				}
			}

		case serr := <-srcErr:
			srcErr <- serr // let the deferred wait see it
			if serr == nil || errors.Is(serr, context.Canceled) {
				return r.shutdown(ctx, &batch, put)
			}
			return r.fail(ctx, fmt.Errorf("source: %w", serr))

		case <-ctx.Done():
			return r.shutdown(ctx, &batch, put)
		}
	}
}

// shutdown puts what was consumed, commits it and stops the task, bounded by
// the stop timeout.
func (r *Runner) shutdown(ctx context.Context, batch *[]sink.Record, put func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
	defer cancel()

	for drained := false; !drained; {
		select {
		case rec := <-r.records:
			*batch = append(*batch, rec)
		default:
			drained = true
		}
	}
	if err := put(sctx); err != nil {
		return r.fail(ctx, err)
	}
	if r.tracker.Pending() {
		if err := r.commit(sctx); err != nil {
			return r.fail(ctx, err)
		}
	}
	if err := r.task.Stop(sctx); err != nil {
		return fmt.Errorf("stop sink: %w", err)
	}
	r.log.Info("sink stopped")
	return nil
}

// fail stops the task after a Put, Flush or source error. Nothing past the
// last successful commit is committed, so a restart replays it.
func (r *Runner) fail(ctx context.Context, cause error) error {
	r.log.Error("pipeline failed", "err", cause, "unrecoverable", sink.IsUnrecoverable(cause))
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
	defer cancel()
	if err := r.task.Stop(sctx); err != nil {
		r.log.Warn("stop after failure", "err", err)
	}
	return cause
}

func (r *Runner) commit(ctx context.Context) error {
	offsets := r.tracker.Snapshot()
	if err := r.task.Flush(ctx, offsets); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := r.source.Commit(offsets); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.tracker.Committed()
	for tp, om := range offsets {
		telemetry.CommittedOffset.WithLabelValues(tp.Topic, strconv.Itoa(int(tp.Partition))).Set(float64(om.Offset))
	}
	r.log.Debug("offsets committed", "partitions", len(offsets))
	return nil
}
