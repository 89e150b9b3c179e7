package kafka

import (
	"fmt"
	"sort"
)

// Factory builds a Source (e.g., SaramaDriver).
type Factory func() Source

var registry = map[string]Factory{}

// Register is called from each driver's init().
func Register(name string, f Factory) {
	registry[name] = f
}

// NewSource returns a driver by name ("sarama").
func NewSource(name string) (Source, error) {
	if f, ok := registry[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("kafka: unsupported driver %q (have %v)", name, Drivers())
}

// Drivers lists the registered driver names, sorted.
func Drivers() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
