package forward

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fluentsink/internal/telemetry"
)

var ErrBufferFull = errors.New("forward: buffer full")

// chunk holds packed [time, record] entries for a single tag.
type chunk struct {
	tag        string
	buf        *bytes.Buffer
	count      int
	backupPath string // set when restored from the backup dir
}

func (c *chunk) size() int64 { return int64(c.buf.Len()) }

// buffer keeps one open chunk per tag and a FIFO of chunks ready to send.
// An open chunk moves to the queue once it reaches the retention size or
// when flushAll is called. size counts the bytes of open and queued chunks
// and never exceeds maxSize through append.
//
// ready (capacity 1) signals the flusher that the queue gained a chunk;
// freed (capacity 1) signals blocked emitters that bytes were released.
type buffer struct {
	maxSize   int64
	initial   int64
	retention int64
	pool      *sync.Pool // nil in heap mode

	mu    sync.Mutex
	open  map[string]*chunk
	queue []*chunk
	size  int64

	ready chan struct{}
	freed chan struct{}
}

func newBuffer(cfg Config) *buffer {
	b := &buffer{
		maxSize:   cfg.MaxBufferSize,
		initial:   cfg.ChunkInitialSize,
		retention: cfg.ChunkRetentionSize,
		open:      make(map[string]*chunk),
		ready:     make(chan struct{}, 1),
		freed:     make(chan struct{}, 1),
	}
	if !cfg.HeapBufferMode {
		b.pool = &sync.Pool{}
	}
	return b
}

func (b *buffer) newChunk(tag string) *chunk {
	if b.pool != nil {
		if v, ok := b.pool.Get().(*bytes.Buffer); ok {
			v.Reset()
			return &chunk{tag: tag, buf: v}
		}
	}
	return &chunk{tag: tag, buf: bytes.NewBuffer(make([]byte, 0, b.initial))}
}

func (b *buffer) release(c *chunk) {
	if b.pool != nil && int64(c.buf.Cap()) <= 2*b.retention {
		b.pool.Put(c.buf)
	}
	c.buf = nil
}

// append adds one packed entry to the tag's open chunk. It returns
// ErrBufferFull when the entry does not fit under maxSize.
func (b *buffer) append(tag string, entry []byte) error {
	n := int64(len(entry))
	if n > b.maxSize {
		return fmt.Errorf("forward: entry of %d bytes exceeds max buffer size %d", n, b.maxSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size+n > b.maxSize {
		return ErrBufferFull
	}
	c := b.open[tag]
	if c != nil && c.size()+n > b.retention {
		b.enqueueLocked(c)
		c = nil
	}
	if c == nil {
		c = b.newChunk(tag)
		b.open[tag] = c
	}
	c.buf.Write(entry)
	c.count++
	b.size += n
	if c.size() >= b.retention {
		b.enqueueLocked(c)
	}
	telemetry.BufferedBytes.Set(float64(b.size))
	return nil
}

// must be called with b.mu held
func (b *buffer) enqueueLocked(c *chunk) {
	delete(b.open, c.tag)
	b.queue = append(b.queue, c)
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// flushAll moves every open chunk to the send queue, in tag order.
func (b *buffer) flushAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.open) == 0 {
		return
	}
	tags := make([]string, 0, len(b.open))
	for t := range b.open {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	for _, t := range tags {
		b.enqueueLocked(b.open[t])
	}
}

// restore queues a chunk recovered from disk. Restored chunks may push
// size over maxSize; new appends then block until they are sent.
func (b *buffer) restore(c *chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, c)
	b.size += c.size()
	telemetry.BufferedBytes.Set(float64(b.size))
}

// peek returns the oldest queued chunk without removing it.
func (b *buffer) peek() *chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	return b.queue[0]
}

// pop removes c from the head of the queue and frees its bytes.
func (b *buffer) pop(c *chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 || b.queue[0] != c {
		return
	}
	b.queue[0] = nil
	b.queue = b.queue[1:]
	b.size -= c.size()
	b.release(c)
	telemetry.BufferedBytes.Set(float64(b.size))

	select {
	case b.freed <- struct{}{}:
	default:
	}
}

func (b *buffer) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open) == 0 && len(b.queue) == 0
}

func (b *buffer) bufferedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *buffer) queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
