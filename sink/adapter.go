package sink

import (
	"context"
	"fmt"
	"sort"
)

// Task is the lifecycle every sink exposes to the host runtime.
// The host serialises calls into one Task; implementations need no locking.
type Task interface {
	Version() string
	Start(ctx context.Context, props map[string]string) error
	Put(ctx context.Context, records []Record) error
	Flush(ctx context.Context, offsets map[TopicPartition]OffsetAndMetadata) error
	Stop(ctx context.Context) error
}

/*──────── registry ───────*/

type factory = func() Task

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewTask(name string) (Task, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}

// Names lists the registered sinks, sorted.
func Names() []string {
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
