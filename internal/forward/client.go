// Package forward is a buffered client for the Fluentd forward protocol.
//
// Emitted events are packed per tag into chunks. A background flusher
// sends chunks that reached the retention size as soon as they fill up,
// and every open chunk once per flush interval. Explicit Flush sends
// everything synchronously. Chunks that cannot be delivered stay queued
// and are retried on the next flush. Close writes whatever is still
// queued to the backup dir, if one is set, and the next client created on
// that dir restores it.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fluentsink/internal/logging"
)

var ErrClosed = errors.New("forward: client closed")

type Client struct {
	cfg    Config
	buf    *buffer
	sender Sender
	backup *backupStore
	log    *slog.Logger
	now    func() time.Time

	sendMu sync.Mutex // serialises flusher and explicit Flush

	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type Option func(*Client)

// WithSender replaces the TCP failover sender.
func WithSender(s Sender) Option { return func(c *Client) { c.sender = s } }

// WithClock sets the source of ingestion time for events emitted without
// an explicit time.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// New builds a client, checks that an endpoint is reachable, restores
// backed-up chunks and starts the flusher.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:  cfg,
		buf:  newBuffer(cfg),
		log:  logging.For("forward"),
		now:  time.Now,
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sender == nil {
		c.sender = newFailoverSender(cfg)
	}
	if err := c.sender.Ping(ctx); err != nil {
		_ = c.sender.Close()
		return nil, fmt.Errorf("forward: no endpoint reachable: %w", err)
	}
	if cfg.FileBackupDir != "" {
		store, err := openBackup(cfg.FileBackupDir)
		if err != nil {
			_ = c.sender.Close()
			return nil, err
		}
		restored, err := store.load()
		if err != nil {
			_ = c.sender.Close()
			return nil, err
		}
		for _, ch := range restored {
			c.buf.restore(ch)
		}
		if len(restored) > 0 {
			c.log.Info("restored backup chunks", "count", len(restored), "dir", cfg.FileBackupDir)
		}
		c.backup = store
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()
	return c, nil
}

func (c *Client) Emit(ctx context.Context, tag string, data map[string]any) error {
	return c.emit(ctx, tag, c.now().Unix(), data)
}

func (c *Client) EmitWithEventTime(ctx context.Context, tag string, t time.Time, data map[string]any) error {
	return c.emit(ctx, tag, &EventTime{Time: t}, data)
}

func (c *Client) EmitWithTimestamp(ctx context.Context, tag string, epochSeconds int64, data map[string]any) error {
	return c.emit(ctx, tag, epochSeconds, data)
}

// emit blocks while the buffer is full, until the flusher frees space or
// ctx ends.
func (c *Client) emit(ctx context.Context, tag string, t any, data map[string]any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	entry, err := encodeEntry(t, data)
	if err != nil {
		return err
	}
	for {
		err := c.buf.append(tag, entry)
		if !errors.Is(err, ErrBufferFull) {
			return err
		}
		c.wake()
		select {
		case <-c.buf.freed:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrBufferFull, ctx.Err())
		case <-c.stop:
			return ErrClosed
		}
	}
}

func (c *Client) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.buf.flushAll()
		case <-c.kick:
			c.buf.flushAll()
		case <-c.buf.ready:
		}
		if err := c.sendQueued(c.ctx); err != nil && c.ctx.Err() == nil {
			c.log.Warn("background flush failed", "err", err, "queued", c.buf.queued())
		}
	}
}

// sendQueued drains the send queue head first. A chunk that cannot be
// delivered stays at the head of the queue and the error is returned.
func (c *Client) sendQueued(ctx context.Context) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for {
		ch := c.buf.peek()
		if ch == nil {
			return nil
		}
		if err := c.sendChunk(ctx, ch); err != nil {
			return err
		}
		if ch.backupPath != "" {
			c.backup.remove(ch.backupPath)
		}
		c.buf.pop(ch)
	}
}

func (c *Client) sendChunk(ctx context.Context, ch *chunk) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.SenderMaxRetries)), ctx)

	entries := ch.buf.Bytes()
	return backoff.Retry(func() error {
		return c.sender.Send(ctx, ch.tag, entries, ch.count)
	}, policy)
}

// backupChunk persists ch and drops it from the queue. Chunks already
// restored from disk keep their existing file.
func (c *Client) backupChunk(ch *chunk) bool {
	if c.backup == nil {
		return false
	}
	if ch.backupPath == "" {
		path, err := c.backup.save(ch)
		if err != nil {
			c.log.Error("backup failed", "tag", ch.tag, "err", err)
			return false
		}
		c.log.Warn("chunk moved to backup", "tag", ch.tag, "events", ch.count, "path", path)
	}
	c.buf.pop(ch)
	return true
}

// Flush queues every open chunk and sends the queue before returning.
func (c *Client) Flush(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.buf.flushAll()
	return c.sendQueued(ctx)
}

// WaitUntilAllBufferFlushed flushes until the buffer is empty, the timeout
// elapses, or ctx ends. Sends in flight are cut off at the timeout. It
// reports whether the buffer was emptied; only a cancelled ctx is an error.
func (c *Client) WaitUntilAllBufferFlushed(ctx context.Context, timeout time.Duration) (bool, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		if err := c.Flush(wctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return c.buf.empty(), err
			}
			c.log.Debug("flush while draining failed", "err", err)
		}
		if c.buf.empty() {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// BufferedBytes reports the bytes held in open and queued chunks.
func (c *Client) BufferedBytes() int64 { return c.buf.bufferedBytes() }

// Close stops the flusher, waiting up to WaitUntilFlusherTerminated for
// an in-flight send, then persists what is left when a backup dir is set.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)

		if wait := c.cfg.WaitUntilFlusherTerminated; wait > 0 {
			select {
			case <-c.done:
			case <-time.After(wait):
				c.log.Warn("flusher did not terminate in time", "wait", wait)
			case <-ctx.Done():
			}
		}
		c.cancel()

		c.sendMu.Lock()
		c.buf.flushAll()
		lost := 0
		for ch := c.buf.peek(); ch != nil; ch = c.buf.peek() {
			if !c.backupChunk(ch) {
				lost += ch.count
				c.buf.pop(ch)
			}
		}
		c.sendMu.Unlock()
		if lost > 0 {
			c.log.Warn("discarding unsent events on close", "events", lost)
		}
		c.closeErr = c.sender.Close()
	})
	return c.closeErr
}
