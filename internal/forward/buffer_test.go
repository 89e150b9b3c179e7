package forward

import (
	"bytes"
	"errors"
	"testing"
)

func newTestBuffer(max, retention int64, heap bool) *buffer {
	return newBuffer(Config{
		MaxBufferSize:      max,
		ChunkInitialSize:   16,
		ChunkRetentionSize: retention,
		HeapBufferMode:     heap,
	})
}

func TestBufferQueuesChunkAtRetentionSize(t *testing.T) {
	b := newTestBuffer(1024, 30, false)
	entry := bytes.Repeat([]byte{'x'}, 10)

	for i := 0; i < 2; i++ {
		if err := b.append("a", entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if b.queued() != 0 {
		t.Fatalf("queued = %d before retention size", b.queued())
	}
	if err := b.append("a", entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	if b.queued() != 1 {
		t.Fatalf("queued = %d, want 1", b.queued())
	}
	select {
	case <-b.ready:
	default:
		t.Fatalf("ready not signalled")
	}
	if c := b.peek(); c.count != 3 || c.tag != "a" {
		t.Fatalf("chunk = %s/%d", c.tag, c.count)
	}
}

func TestBufferRollsChunkThatWouldOverflowRetention(t *testing.T) {
	b := newTestBuffer(1024, 25, true)
	entry := bytes.Repeat([]byte{'x'}, 10)
	for i := 0; i < 3; i++ {
		if err := b.append("a", entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if b.queued() != 1 {
		t.Fatalf("queued = %d, want 1", b.queued())
	}
	if c := b.peek(); c.count != 2 {
		t.Fatalf("first chunk count = %d, want 2", c.count)
	}
	if b.bufferedBytes() != 30 {
		t.Fatalf("buffered = %d, want 30", b.bufferedBytes())
	}
}

func TestBufferFull(t *testing.T) {
	b := newTestBuffer(20, 20, false)
	entry := bytes.Repeat([]byte{'x'}, 10)
	if err := b.append("a", entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.append("b", entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.append("c", entry); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}

	b.flushAll()
	b.pop(b.peek())
	select {
	case <-b.freed:
	default:
		t.Fatalf("freed not signalled")
	}
	if err := b.append("c", entry); err != nil {
		t.Fatalf("append after pop: %v", err)
	}
}

func TestBufferRejectsOversizedEntry(t *testing.T) {
	b := newTestBuffer(8, 8, false)
	err := b.append("a", make([]byte, 9))
	if err == nil || errors.Is(err, ErrBufferFull) {
		t.Fatalf("err = %v, want a permanent size error", err)
	}
}

func TestBufferFlushAllOrdersByTag(t *testing.T) {
	b := newTestBuffer(1024, 512, false)
	for _, tag := range []string{"c", "a", "b"} {
		if err := b.append(tag, []byte{1}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	b.flushAll()
	var got []string
	for c := b.peek(); c != nil; c = b.peek() {
		got = append(got, c.tag)
		b.pop(c)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("order = %v", got)
	}
	if !b.empty() || b.bufferedBytes() != 0 {
		t.Fatalf("buffer not empty after draining")
	}
}

func TestBufferPopIgnoresNonHead(t *testing.T) {
	b := newTestBuffer(1024, 512, false)
	_ = b.append("a", []byte{1})
	_ = b.append("b", []byte{2})
	b.flushAll()
	head := b.peek()
	other := &chunk{tag: "zzz", buf: &bytes.Buffer{}}
	b.pop(other)
	if b.peek() != head {
		t.Fatalf("pop of a non-head chunk changed the queue")
	}
}
