// Package engine wires a pipeline runner to the health and metrics
// endpoints and owns the process lifetime.
package engine

import (
	"context"
	"errors"
	"time"

	"fluentsink/internal/logging"
	"fluentsink/internal/transport"
)

const shutdownGrace = 10 * time.Second

type runner interface {
	Done() <-chan struct{}
	Close() error
}

type Engine struct {
	transport *transport.Server
	runner    runner
	closers   []func(context.Context) error
}

// Run serves health checks until ctx ends or the pipeline stops on its own.
// It returns the pipeline's error, nil after a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	served := make(chan error, 1)
	go func() { served <- e.transport.Serve() }()
	e.transport.SetServing(true)

	var err error
	select {
	case <-ctx.Done():
		logging.L().Info("engine: shutting down")
	case <-e.runner.Done():
		logging.L().Warn("engine: pipeline stopped")
	case err = <-served:
		logging.L().Error("engine: transport failed", "err", err)
	}

	e.transport.SetServing(false)
	err = errors.Join(err, e.runner.Close())
	e.transport.Stop()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	for _, c := range e.closers {
		if cerr := c(sctx); cerr != nil {
			logging.L().Warn("engine: shutdown", "err", cerr)
		}
	}
	return err
}
