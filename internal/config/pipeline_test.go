package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPipelineSpec_ResolvesRelativeSourceConfigAndSchema(t *testing.T) {
	dir := t.TempDir()
	pipe := []byte(`schema_version: v1
source:
  kind: kafka
  driver: sarama
  config: kafka_source.yml
sink:
  name: fluentd
  properties:
    connect.addresses: fluentd:24224
batch:
  size: 200
  linger_ms: 50
`)
	if err := os.WriteFile(filepath.Join(dir, "pipeline.yml"), pipe, 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}

	cfg, abs, err := LoadPipelineSpec(filepath.Join(dir, "pipeline.yml"))
	if err != nil {
		t.Fatalf("LoadPipelineSpec: %v", err)
	}
	if cfg.SchemaVersion != SupportedSchema {
		t.Fatalf("want schema %s, got %s", SupportedSchema, cfg.SchemaVersion)
	}
	if abs != filepath.Join(dir, "kafka_source.yml") {
		t.Fatalf("want absolute kafka config path, got %q", abs)
	}
	if cfg.Sink.Name != "fluentd" || cfg.Batch.Size != 200 || cfg.Batch.LingerMS != 50 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadPipelineSpec_InvalidSchema(t *testing.T) {
	dir := t.TempDir()
	pipe := []byte(`schema_version: v999
source: { kind: kafka, driver: sarama, config: cf.yml }
sink: { name: fluentd }
`)
	if err := os.WriteFile(filepath.Join(dir, "pipeline.yml"), pipe, 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	_, _, err := LoadPipelineSpec(filepath.Join(dir, "pipeline.yml"))
	if err == nil {
		t.Fatal("expected error for invalid schema_version")
	}
}

func TestLoadPipelineSpec_RequiresSink(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "pipeline.yml")
	if err := os.WriteFile(p, []byte("source: { kind: kafka }\n"), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	if _, _, err := LoadPipelineSpec(p); err == nil {
		t.Fatal("expected error for missing sink name")
	}
}

func TestSinkPropertiesStringifiesScalars(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "pipeline.yml")
	body := `sink:
  name: fluentd
  properties:
    connect.addresses: [a:24224, b:24225]
    client.flush.interval: 250
    client.ack.response.mode: true
    tag.prefix: kafka
`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	cfg, _, err := LoadPipelineSpec(p)
	if err != nil {
		t.Fatalf("LoadPipelineSpec: %v", err)
	}
	props, err := SinkProperties(cfg.Sink)
	if err != nil {
		t.Fatalf("SinkProperties: %v", err)
	}
	want := map[string]string{
		"connect.addresses":        "a:24224,b:24225",
		"client.flush.interval":    "250",
		"client.ack.response.mode": "true",
		"tag.prefix":               "kafka",
	}
	for k, v := range want {
		if props[k] != v {
			t.Fatalf("%s = %q, want %q", k, props[k], v)
		}
	}
}
