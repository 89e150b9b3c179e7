package forward

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"fluentsink/internal/logging"
	"fluentsink/internal/telemetry"
)

// Sender delivers one packed chunk to a remote endpoint.
type Sender interface {
	// Ping checks that at least one endpoint accepts connections.
	Ping(ctx context.Context) error
	Send(ctx context.Context, tag string, entries []byte, count int) error
	Close() error
}

// tcpSender keeps a single connection to one endpoint and reconnects
// lazily after a failed write.
type tcpSender struct {
	addr     string
	timeout  time.Duration
	ack      bool
	compress Compression

	mu   sync.Mutex
	conn net.Conn
}

func newTCPSender(addr string, cfg Config) *tcpSender {
	return &tcpSender{
		addr:     addr,
		timeout:  cfg.SenderTimeout,
		ack:      cfg.AckResponseMode,
		compress: cfg.Compress,
	}
}

// must be called with s.mu held
func (s *tcpSender) connectLocked(ctx context.Context) (net.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("forward: dial %s: %w", s.addr, err)
	}
	s.conn = conn
	return conn, nil
}

// must be called with s.mu held
func (s *tcpSender) resetLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *tcpSender) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.connectLocked(ctx)
	return err
}

func (s *tcpSender) Send(ctx context.Context, tag string, entries []byte, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connectLocked(ctx)
	if err != nil {
		return err
	}

	var chunkID string
	if s.ack {
		id := uuid.New()
		chunkID = base64.StdEncoding.EncodeToString(id[:])
	}
	var msg bytes.Buffer
	if err := encodeMessage(&msg, tag, entries, count, chunkID, s.compress); err != nil {
		return err
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(msg.Bytes()); err != nil {
		s.resetLocked()
		return fmt.Errorf("forward: write to %s: %w", s.addr, err)
	}
	if s.ack {
		got, err := decodeAck(conn)
		if err != nil {
			s.resetLocked()
			return fmt.Errorf("forward: %s: %w", s.addr, err)
		}
		if got != chunkID {
			s.resetLocked()
			return fmt.Errorf("forward: %s acked chunk %q, want %q", s.addr, got, chunkID)
		}
	}
	return nil
}

func (s *tcpSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// failoverSender tries endpoints in order, starting from the last one
// that worked.
type failoverSender struct {
	senders []*tcpSender

	mu      sync.Mutex
	current int
}

func newFailoverSender(cfg Config) *failoverSender {
	f := &failoverSender{}
	for _, a := range cfg.Addresses {
		f.senders = append(f.senders, newTCPSender(a, cfg))
	}
	return f
}

func (f *failoverSender) Ping(ctx context.Context) error {
	var errs *multierror.Error
	for i, s := range f.senders {
		if err := s.Ping(ctx); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		f.mu.Lock()
		f.current = i
		f.mu.Unlock()
		return nil
	}
	return errs.ErrorOrNil()
}

func (f *failoverSender) Send(ctx context.Context, tag string, entries []byte, count int) error {
	f.mu.Lock()
	start := f.current
	f.mu.Unlock()

	var last error
	n := len(f.senders)
	for k := 0; k < n; k++ {
		i := (start + k) % n
		s := f.senders[i]
		err := s.Send(ctx, tag, entries, count)
		if err == nil {
			f.mu.Lock()
			f.current = i
			f.mu.Unlock()
			telemetry.ChunksSentTotal.Inc()
			telemetry.BytesSentTotal.Add(float64(len(entries)))
			return nil
		}
		telemetry.SendErrorsTotal.WithLabelValues(s.addr).Inc()
		logging.For("forward").Warn("send failed", "endpoint", s.addr, "tag", tag, "err", err)
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return last
}

func (f *failoverSender) Close() error {
	var errs *multierror.Error
	for _, s := range f.senders {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
