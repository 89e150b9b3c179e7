// Package stdout is a transport that prints events as JSON lines instead of
// sending them to Fluentd. Select it with client.transport=stdout for dry
// runs.
package stdout

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"fluentsink/sink/fluentd"
)

// record keys are sorted so dry-run output diffs cleanly
var jsonConfig = jsoniter.Config{SortMapKeys: true}.Froze()

var ErrClosed = errors.New("stdout: closed")

// line is the printed form of one event. Time is empty when the event
// carries no time.
type line struct {
	Tag    string         `json:"tag"`
	Time   string         `json:"time,omitempty"`
	Timing string         `json:"timing"`
	Record map[string]any `json:"record"`
}

type driver struct {
	mu     sync.Mutex // guards w, stream and closed
	w      *bufio.Writer
	stream *jsoniter.Stream
	closed bool
}

// New returns an emitter writing to w.
func New(w io.Writer) fluentd.Emitter {
	bw := bufio.NewWriter(w)
	return &driver{w: bw, stream: jsoniter.NewStream(jsonConfig, bw, 512)}
}

func (d *driver) Emit(_ context.Context, tag string, data map[string]any) error {
	return d.write(line{Tag: tag, Timing: fluentd.TimingNone.String(), Record: data})
}

func (d *driver) EmitWithEventTime(_ context.Context, tag string, t time.Time, data map[string]any) error {
	return d.write(line{Tag: tag, Time: t.UTC().Format(time.RFC3339Nano), Timing: fluentd.TimingEventTime.String(), Record: data})
}

func (d *driver) EmitWithTimestamp(_ context.Context, tag string, epochSeconds int64, data map[string]any) error {
	return d.write(line{Tag: tag, Time: time.Unix(epochSeconds, 0).UTC().Format(time.RFC3339), Timing: fluentd.TimingTimestamp.String(), Record: data})
}

func (d *driver) write(l line) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.stream.WriteVal(l)
	d.stream.WriteRaw("\n")
	if d.stream.Error != nil {
		err := d.stream.Error
		d.stream.Error = nil
		d.stream.Reset(d.w) // drop the partial line
		return err
	}
	// hand the line to w; w is flushed by Flush
	return d.stream.Flush()
}

func (d *driver) Flush(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.w.Flush()
}

func (d *driver) WaitUntilAllBufferFlushed(ctx context.Context, _ time.Duration) (bool, error) {
	if err := d.Flush(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (d *driver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.w.Flush()
}

/* ────────── auto-register ────────── */
func init() {
	fluentd.RegisterTransport("stdout", func(context.Context, fluentd.Config) (fluentd.Emitter, error) {
		return New(os.Stdout), nil
	})
}
