package kafka

import (
	"context"

	"fluentsink/sink"
)

// EmitFunc hands one consumed record to the host. It may block; a non-nil
// error stops consumption of the claim.
type EmitFunc func(context.Context, sink.Record) error

type Source interface {
	Configure(Config) error
	Run(context.Context, EmitFunc) error
	// Commit stores offsets for partitions this member still owns.
	Commit(map[sink.TopicPartition]sink.OffsetAndMetadata) error
	// Release returns n in-flight slots once records were handed to the sink.
	Release(n int)
	Close() error
}
