package pipeline

import (
	"fmt"
	"time"

	"fluentsink/internal/config"
	"fluentsink/internal/spec"
	"fluentsink/sink"
	"fluentsink/source/kafka"

	// registered sinks and transports
	_ "fluentsink/sink/fluentd"
	_ "fluentsink/sink/stdout"
)

// Compile builds a Runner from a pipeline file. It returns the parsed file
// too so the engine can read its own section.
func Compile(path string) (*Runner, spec.File, error) {
	cfg, confPath, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, cfg, err
	}

	if cfg.Source.Kind != "kafka" {
		return nil, cfg, fmt.Errorf("unsupported source %q", cfg.Source.Kind)
	}
	kc, err := kafka.LoadConfig(confPath)
	if err != nil {
		return nil, cfg, fmt.Errorf("kafka config: %w", err)
	}

	task, err := sink.NewTask(cfg.Sink.Name)
	if err != nil {
		return nil, cfg, err
	}
	props, err := config.SinkProperties(cfg.Sink)
	if err != nil {
		return nil, cfg, err
	}

	driver := cfg.Source.Driver
	if driver == "" {
		driver = "sarama"
	}
	src, err := kafka.NewSource(driver)
	if err != nil {
		return nil, cfg, err
	}
	if err = src.Configure(kc); err != nil {
		return nil, cfg, fmt.Errorf("kafka %s: %w", driver, err)
	}

	r := NewRunner(src, task, props,
		WithBatch(cfg.Batch.Size, time.Duration(cfg.Batch.LingerMS)*time.Millisecond),
		WithCommitInterval(kc.Checkpoint.CommitInt),
		WithStopTimeout(time.Duration(cfg.Engine.StopTimeoutMS)*time.Millisecond),
	)
	return r, cfg, nil
}
