package forward

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// fakeFluentd accepts forward connections and records decoded messages.
// It answers ack requests unless silent is set.
type fakeFluentd struct {
	ln     net.Listener
	silent bool

	mu   sync.Mutex
	msgs []Message
}

func startFakeFluentd(t *testing.T) *fakeFluentd {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeFluentd{ln: ln}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeFluentd) addr() string { return s.ln.Addr().String() }

func (s *fakeFluentd) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeFluentd) handle(conn net.Conn) {
	defer conn.Close()
	dec := msgpack.NewDecoder(conn)
	enc := msgpack.NewEncoder(conn)
	for {
		m, err := ReadMessage(dec)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.msgs = append(s.msgs, m)
		s.mu.Unlock()
		if id, ok := m.Option["chunk"].(string); ok && !s.silent {
			if err := enc.Encode(map[string]any{"ack": id}); err != nil {
				return
			}
		}
	}
}

func (s *fakeFluentd) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func (s *fakeFluentd) entries() []Entry {
	var out []Entry
	for _, m := range s.messages() {
		out = append(out, m.Entries...)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sentChunk struct {
	tag     string
	entries []byte
	count   int
}

// fakeSender records chunks in memory and fails while failing is set.
type fakeSender struct {
	mu      sync.Mutex
	failing bool
	pingErr error
	sent    []sentChunk
	closed  bool
}

var errFakeSend = errors.New("fake send failure")

func (f *fakeSender) Ping(context.Context) error { return f.pingErr }

func (f *fakeSender) Send(_ context.Context, tag string, entries []byte, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errFakeSend
	}
	f.sent = append(f.sent, sentChunk{tag: tag, entries: append([]byte(nil), entries...), count: count})
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeSender) chunks() []sentChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentChunk(nil), f.sent...)
}

// testConfig keeps the background flusher out of the way so tests drive
// delivery through Flush.
func testConfig(addrs ...string) Config {
	return Config{
		Addresses:                  addrs,
		MaxBufferSize:              1 << 20,
		ChunkInitialSize:           1 << 10,
		ChunkRetentionSize:         64 << 10,
		FlushInterval:              time.Hour,
		SenderTimeout:              time.Second,
		SenderMaxRetries:           0,
		WaitUntilFlusherTerminated: time.Second,
	}
}
