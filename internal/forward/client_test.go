package forward

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientFlushDeliversInOrder(t *testing.T) {
	srv := startFakeFluentd(t)
	ctx := context.Background()

	c, err := New(ctx, testConfig(srv.addr()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	at := time.Date(2024, 5, 6, 7, 8, 9, 500, time.UTC)
	for i := 0; i < 3; i++ {
		if err := c.EmitWithEventTime(ctx, "app", at, map[string]any{"seq": i}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitFor(t, "3 entries", func() bool { return len(srv.entries()) == 3 })

	for i, e := range srv.entries() {
		if e.Record["seq"] != int64(i) {
			t.Fatalf("entry %d = %v", i, e.Record)
		}
		if !e.EventTime || !e.Time.Equal(at) {
			t.Fatalf("entry %d time = %v (event time %v)", i, e.Time, e.EventTime)
		}
	}
	if c.BufferedBytes() != 0 {
		t.Fatalf("buffered = %d after flush", c.BufferedBytes())
	}
}

func TestClientEmitTimeModes(t *testing.T) {
	srv := startFakeFluentd(t)
	ctx := context.Background()
	fixed := time.Unix(1600000000, 0)

	c, err := New(ctx, testConfig(srv.addr()), WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	_ = c.Emit(ctx, "t", map[string]any{"m": "now"})
	_ = c.EmitWithTimestamp(ctx, "t", 1234, map[string]any{"m": "ts"})
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitFor(t, "2 entries", func() bool { return len(srv.entries()) == 2 })

	got := srv.entries()
	if got[0].EventTime || got[0].Time.Unix() != fixed.Unix() {
		t.Fatalf("Emit entry time = %v", got[0].Time)
	}
	if got[1].EventTime || got[1].Time.Unix() != 1234 {
		t.Fatalf("EmitWithTimestamp entry time = %v", got[1].Time)
	}
}

func TestClientAckModeAndGzip(t *testing.T) {
	srv := startFakeFluentd(t)
	ctx := context.Background()
	cfg := testConfig(srv.addr())
	cfg.AckResponseMode = true
	cfg.Compress = CompressGzip

	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	if err := c.Emit(ctx, "acked", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// with acks the server has the message by the time Flush returns
	msgs := srv.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Option["compressed"] != "gzip" {
		t.Fatalf("option = %v", msgs[0].Option)
	}
	if _, ok := msgs[0].Option["chunk"].(string); !ok {
		t.Fatalf("no chunk id in ack mode")
	}
}

func TestClientAckTimeout(t *testing.T) {
	srv := startFakeFluentd(t)
	srv.silent = true
	ctx := context.Background()
	cfg := testConfig(srv.addr())
	cfg.AckResponseMode = true
	cfg.SenderTimeout = 100 * time.Millisecond

	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	_ = c.Emit(ctx, "t", map[string]any{"k": 1})
	if err := c.Flush(ctx); err == nil {
		t.Fatalf("Flush succeeded without an ack")
	}
	if c.BufferedBytes() == 0 {
		t.Fatalf("unacked chunk dropped from the buffer")
	}
}

func TestClientFailsOverToSecondAddress(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	srv := startFakeFluentd(t)
	ctx := context.Background()
	c, err := New(ctx, testConfig(deadAddr, srv.addr()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	_ = c.Emit(ctx, "t", map[string]any{"k": 1})
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitFor(t, "entry on second address", func() bool { return len(srv.entries()) == 1 })
}

func TestNewFailsWhenNoEndpointIsReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := New(context.Background(), testConfig(addr)); err == nil {
		t.Fatalf("expected error for unreachable endpoint")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("x:1")
	cfg.ChunkInitialSize = cfg.ChunkRetentionSize + 1
	if _, err := New(context.Background(), cfg, WithSender(&fakeSender{})); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBackgroundFlusherSendsOnInterval(t *testing.T) {
	fs := &fakeSender{}
	ctx := context.Background()
	cfg := testConfig("x:1")
	cfg.FlushInterval = 20 * time.Millisecond

	c, err := New(ctx, cfg, WithSender(fs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	_ = c.Emit(ctx, "tick", map[string]any{"k": 1})
	waitFor(t, "background send", func() bool { return len(fs.chunks()) == 1 })
}

func TestEmitBlocksUntilContextEndsWhenFull(t *testing.T) {
	fs := &fakeSender{failing: true}
	ctx := context.Background()
	cfg := testConfig("x:1")
	cfg.MaxBufferSize = 64
	cfg.ChunkInitialSize = 16
	cfg.ChunkRetentionSize = 64

	c, err := New(ctx, cfg, WithSender(fs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	big := map[string]any{"pad": "0123456789012345678901234567890123456789"}
	if err := c.Emit(ctx, "t", big); err != nil {
		t.Fatalf("first emit: %v", err)
	}
	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := c.Emit(tctx, "t", big); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}
}

func TestWaitUntilAllBufferFlushed(t *testing.T) {
	fs := &fakeSender{failing: true}
	ctx := context.Background()
	c, err := New(ctx, testConfig("x:1"), WithSender(fs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	_ = c.Emit(ctx, "t", map[string]any{"k": 1})
	ok, err := c.WaitUntilAllBufferFlushed(ctx, 150*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("wait with failing sender = %v, %v; want false, nil", ok, err)
	}

	fs.setFailing(false)
	ok, err = c.WaitUntilAllBufferFlushed(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("wait with healthy sender = %v, %v; want true, nil", ok, err)
	}
	if len(fs.chunks()) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(fs.chunks()))
	}
}

func TestClosedClientRejectsCalls(t *testing.T) {
	fs := &fakeSender{}
	ctx := context.Background()
	c, err := New(ctx, testConfig("x:1"), WithSender(fs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !fs.closed {
		t.Fatalf("sender not closed")
	}
	if err := c.Emit(ctx, "t", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Emit err = %v", err)
	}
	if err := c.Flush(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Flush err = %v", err)
	}
}

func TestFailedChunksSurviveRestartThroughBackup(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig("x:1")
	cfg.FileBackupDir = dir

	down := &fakeSender{failing: true}
	c, err := New(ctx, cfg, WithSender(down))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = c.Emit(ctx, "saved", map[string]any{"n": 1})
	_ = c.Emit(ctx, "saved", map[string]any{"n": 2})
	if err := c.Flush(ctx); !errors.Is(err, errFakeSend) {
		t.Fatalf("Flush with sender down = %v, want send failure", err)
	}
	if files, _ := filepath.Glob(filepath.Join(dir, "*")); len(files) != 0 {
		t.Fatalf("backed up before Close: %v", files)
	}
	_ = c.Close(ctx)

	files, _ := filepath.Glob(filepath.Join(dir, backupPrefix+"*"+backupSuffix))
	if len(files) != 1 {
		t.Fatalf("backup files = %v, want 1", files)
	}

	up := &fakeSender{}
	c2, err := New(ctx, cfg, WithSender(up))
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	defer c2.Close(ctx)
	if err := c2.Flush(ctx); err != nil {
		t.Fatalf("Flush restored: %v", err)
	}
	sent := up.chunks()
	if len(sent) != 1 || sent[0].tag != "saved" || sent[0].count != 2 {
		t.Fatalf("restored send = %+v", sent)
	}
	entries, err := decodeEntries(sent[0].entries)
	if err != nil || len(entries) != 2 || entries[1].Record["n"] != int64(2) {
		t.Fatalf("restored entries = %v, %v", entries, err)
	}
	if _, err := os.Stat(files[0]); !os.IsNotExist(err) {
		t.Fatalf("backup file not removed after delivery: %v", err)
	}
}

func TestCloseBacksUpUnsentChunks(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig("x:1")
	cfg.FileBackupDir = dir

	c, err := New(ctx, cfg, WithSender(&fakeSender{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = c.Emit(ctx, "pending", map[string]any{"k": "v"})
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, backupPrefix+"*"))
	if len(files) != 1 {
		t.Fatalf("backup files = %v, want 1", files)
	}
}

func TestFailedChunkIsRetriedOnNextFlush(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("x:1")
	cfg.FileBackupDir = t.TempDir()

	fs := &fakeSender{failing: true}
	c, err := New(ctx, cfg, WithSender(fs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	_ = c.Emit(ctx, "retry", map[string]any{"k": 1})
	if err := c.Flush(ctx); err == nil {
		t.Fatalf("Flush reported success with the sender down")
	}
	if c.BufferedBytes() == 0 {
		t.Fatalf("failed chunk left the buffer")
	}

	fs.setFailing(false)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	sent := fs.chunks()
	if len(sent) != 1 || sent[0].tag != "retry" || sent[0].count != 1 {
		t.Fatalf("sent = %+v", sent)
	}
	if c.BufferedBytes() != 0 {
		t.Fatalf("buffered = %d after delivery", c.BufferedBytes())
	}
}

func TestWaitUntilAllBufferFlushedBoundsRetries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("x:1")
	cfg.SenderMaxRetries = 8

	c, err := New(ctx, cfg, WithSender(&fakeSender{failing: true}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	_ = c.Emit(ctx, "t", map[string]any{"k": 1})
	start := time.Now()
	ok, err := c.WaitUntilAllBufferFlushed(ctx, 300*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("wait = %v, %v; want false, nil", ok, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("wait took %v with a 300ms timeout", elapsed)
	}
}

func TestWaitUntilAllBufferFlushedReportsCancel(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("x:1")
	cfg.SenderMaxRetries = 8

	c, err := New(ctx, cfg, WithSender(&fakeSender{failing: true}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	_ = c.Emit(ctx, "t", map[string]any{"k": 1})
	cctx, cancel := context.WithCancel(ctx)
	time.AfterFunc(50*time.Millisecond, cancel)
	ok, err := c.WaitUntilAllBufferFlushed(cctx, time.Minute)
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("wait = %v, %v; want false, context.Canceled", ok, err)
	}
}
