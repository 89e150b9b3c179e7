package fluentd

import (
	"errors"
	"fmt"

	"fluentsink/sink"
)

var (
	ErrNotStarted      = errors.New("fluentd: task not started")
	ErrAlreadyStarted  = errors.New("fluentd: task already started")
	ErrStopped         = errors.New("fluentd: task stopped")
	ErrStopInterrupted = errors.New("fluentd: stop interrupted while waiting for buffer flush")
)

// ConfigError names the property that could not be resolved.
type ConfigError struct {
	Key   string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("fluentd: config %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("fluentd: config %s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError means the emitter (or the dead-letter producer) could not
// be built.
type TransportError struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fluentd: build %s transport: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EmissionError is a failure to hand one converted record to the emitter.
type EmissionError struct {
	Partition sink.TopicPartition
	Offset    int64
	Tag       string
	Err       error
}

func (e *EmissionError) Error() string {
	return fmt.Sprintf("fluentd: emit %s@%d (tag %s): %v", e.Partition, e.Offset, e.Tag, e.Err)
}

func (e *EmissionError) Unwrap() error { return e.Err }

type FlushError struct {
	Err error
}

func (e *FlushError) Error() string { return "fluentd: flush: " + e.Err.Error() }

func (e *FlushError) Unwrap() error { return e.Err }

// TaskError is what the task returns to the host. Unrecoverable errors
// fail the task; the host restarts it with the same properties.
type TaskError struct {
	Op            string
	Err           error
	Unrecoverable bool
}

func (e *TaskError) Error() string {
	if e.Unrecoverable {
		return fmt.Sprintf("fluentd %s (unrecoverable): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("fluentd %s: %v", e.Op, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// IsUnrecoverable implements sink.Unrecoverable.
func (e *TaskError) IsUnrecoverable() bool { return e.Unrecoverable }
