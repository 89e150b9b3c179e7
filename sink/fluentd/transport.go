package fluentd

import (
	"context"
	"sort"
	"time"

	"fluentsink/internal/forward"
)

// Emitter is the buffered transport the task hands events to.
// *forward.Client is the production implementation.
type Emitter interface {
	Emit(ctx context.Context, tag string, data map[string]any) error
	EmitWithEventTime(ctx context.Context, tag string, t time.Time, data map[string]any) error
	EmitWithTimestamp(ctx context.Context, tag string, epochSeconds int64, data map[string]any) error
	Flush(ctx context.Context) error
	// WaitUntilAllBufferFlushed reports whether the buffer drained before
	// timeout.
	WaitUntilAllBufferFlushed(ctx context.Context, timeout time.Duration) (bool, error)
	Close(ctx context.Context) error
}

// TransportFactory builds an Emitter from resolved configuration.
type TransportFactory func(ctx context.Context, cfg Config) (Emitter, error)

var transports = map[string]TransportFactory{
	DefaultTransport: newForwardEmitter,
}

// RegisterTransport makes a transport selectable through client.transport.
// It is meant to be called from init.
func RegisterTransport(name string, f TransportFactory) { transports[name] = f }

// Transports lists the registered transport names, sorted.
func Transports() []string {
	out := make([]string, 0, len(transports))
	for n := range transports {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func newForwardEmitter(ctx context.Context, cfg Config) (Emitter, error) {
	c, err := forward.New(ctx, cfg.Client)
	if err != nil {
		return nil, err
	}
	return c, nil
}
