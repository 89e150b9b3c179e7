// Package logging holds the process-wide slog setup. Loggers returned by
// For are tagged with a component and follow later calls to Configure, so
// packages may create them before the CLI has parsed its flags.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	EnvLevel = "FLUENTSINK_LOG_LEVEL"
	EnvJSON  = "FLUENTSINK_LOG_JSON"
)

type Options struct {
	// Level is a default level optionally followed by per-component
	// overrides, e.g. "info,forward=debug,sarama=warn".
	Level  string
	JSON   bool
	Output io.Writer // defaults to os.Stderr
}

type state struct {
	out        slog.Handler
	level      slog.Level
	components map[string]slog.Level
}

func (s *state) levelFor(component string) slog.Level {
	if l, ok := s.components[component]; ok {
		return l
	}
	return s.level
}

var current atomic.Pointer[state]

func init() {
	Configure(Options{})
}

func Configure(opts Options) {
	lvl, components := parseLevels(opts.Level)
	floor := lvl
	for _, l := range components {
		floor = min(floor, l)
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	cfg := &slog.HandlerOptions{Level: floor}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(out, cfg)
	} else {
		h = slog.NewTextHandler(out, cfg)
	}
	current.Store(&state{out: h, level: lvl, components: components})
}

// parseLevels splits "info,forward=debug" into the default level and the
// component overrides. Unknown names fall back to info.
func parseLevels(s string) (slog.Level, map[string]slog.Level) {
	def := slog.LevelInfo
	var components map[string]slog.Level
	for _, part := range strings.Split(s, ",") {
		name, lvl, ok := strings.Cut(part, "=")
		if !ok {
			if strings.TrimSpace(part) != "" {
				def = parseLevel(part)
			}
			continue
		}
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		if components == nil {
			components = make(map[string]slog.Level)
		}
		components[name] = parseLevel(lvl)
	}
	return def, components
}

func parseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func L() *slog.Logger {
	return slog.New(&handler{})
}

// For returns a logger tagged with a component name.
func For(component string) *slog.Logger {
	return slog.New(&handler{component: component})
}

func InitFromEnv() {
	json := false
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvJSON))); err == nil {
		json = b
	}
	Configure(Options{Level: os.Getenv(EnvLevel), JSON: json})
}

// handler resolves the configured output on every record. With and
// WithGroup calls are replayed on top of it.
type handler struct {
	component string
	ops       []func(slog.Handler) slog.Handler
}

func (h *handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= current.Load().levelFor(h.component)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	out := current.Load().out
	if h.component != "" {
		out = out.WithAttrs([]slog.Attr{slog.String("component", h.component)})
	}
	for _, op := range h.ops {
		out = op(out)
	}
	return out.Handle(ctx, r)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(o slog.Handler) slog.Handler { return o.WithAttrs(attrs) })
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(o slog.Handler) slog.Handler { return o.WithGroup(name) })
}

func (h *handler) with(op func(slog.Handler) slog.Handler) *handler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &handler{component: h.component, ops: append(ops, op)}
}
