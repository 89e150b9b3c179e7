package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fluentsink/internal/logging"
	"fluentsink/internal/pipeline"
	"fluentsink/internal/telemetry"
	"fluentsink/internal/tracing"
	"fluentsink/internal/transport"
)

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.PipelineYml == "" {
		return nil, errors.New("engine: pipeline file required")
	}

	// 1. pipeline
	runner, file, err := pipeline.Compile(cfg.PipelineYml)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	cfg = cfg.withFallback(file.Engine.HealthPort, file.Engine.MetricsPort)

	// 2. tracing
	shutdownTracing, err := tracing.InitTracing(ctx, "fluentsink", cfg.Version)
	if err != nil {
		_ = runner.Close()
		return nil, fmt.Errorf("tracing: %w", err)
	}

	// 3. transport server
	srv, err := transport.StartServer(cfg.HealthPort)
	if err != nil {
		_ = runner.Close()
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("transport: %w", err)
	}

	// 4. metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	telemetry.MustRegister(reg)
	metrics := telemetry.Expose(cfg.MetricsPort, reg)

	// 5. start the sink
	if err := runner.Start(ctx); err != nil {
		srv.Stop()
		_ = metrics.Close()
		_ = runner.Close()
		_ = shutdownTracing(ctx)
		return nil, err
	}
	logging.L().Info("engine started", "pipeline", cfg.PipelineYml, "health_port", cfg.HealthPort, "metrics_port", cfg.MetricsPort)

	return &Engine{
		transport: srv,
		runner:    runner,
		closers:   []func(context.Context) error{metrics.Shutdown, shutdownTracing},
	}, nil
}
