package logging

import (
	"bytes"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseLevels(t *testing.T) {
	def, comps := parseLevels("warn, forward=debug ,sarama=error,=info")
	if def != slog.LevelWarn {
		t.Fatalf("default = %v", def)
	}
	want := map[string]slog.Level{"forward": slog.LevelDebug, "sarama": slog.LevelError}
	if !reflect.DeepEqual(comps, want) {
		t.Fatalf("components = %v", comps)
	}
	if def, comps := parseLevels(""); def != slog.LevelInfo || comps != nil {
		t.Fatalf("empty = %v %v", def, comps)
	}
}

func TestConfigure_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "debug", JSON: true, Output: &buf})
	defer Configure(Options{})

	For("forward").With("tag", "app").Debug("chunk sent", "bytes", 42)

	var line map[string]any
	if err := jsoniter.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["component"] != "forward" || line["msg"] != "chunk sent" || line["tag"] != "app" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestLoggerFollowsReconfigure(t *testing.T) {
	log := For("pipeline")
	var buf bytes.Buffer
	Configure(Options{Level: "info", Output: &buf})
	defer Configure(Options{})

	log.Info("after configure")
	if !strings.Contains(buf.String(), "after configure") || !strings.Contains(buf.String(), "component=pipeline") {
		t.Fatalf("logger created before Configure wrote %q", buf.String())
	}
}

func TestComponentLevels(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "warn,forward=debug", Output: &buf})
	defer Configure(Options{})

	For("forward").Debug("forward debug")
	For("pipeline").Info("pipeline info")
	For("pipeline").Warn("pipeline warn")

	out := buf.String()
	if !strings.Contains(out, "forward debug") || !strings.Contains(out, "pipeline warn") {
		t.Fatalf("missing lines: %q", out)
	}
	if strings.Contains(out, "pipeline info") {
		t.Fatalf("pipeline info logged below its level: %q", out)
	}
}
