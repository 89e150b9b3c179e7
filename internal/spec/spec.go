// Package spec holds the on-disk shape of a pipeline file.
package spec

type SourceSpec struct {
	Kind   string `yaml:"kind"`   // only "kafka"
	Driver string `yaml:"driver"` // "sarama"
	Config string `yaml:"config"` // path to the Kafka source YAML
}

// SinkSpec names a registered sink task and the properties handed to its
// Start. Property values may be any YAML scalar; they are passed as strings.
type SinkSpec struct {
	Name       string         `yaml:"name"`
	Properties map[string]any `yaml:"properties"`
}

type BatchSpec struct {
	Size     int `yaml:"size"`
	LingerMS int `yaml:"linger_ms"`
}

type EngineSpec struct {
	HealthPort    int `yaml:"health_port"`
	MetricsPort   int `yaml:"metrics_port"`
	StopTimeoutMS int `yaml:"stop_timeout_ms"`
}

type File struct {
	SchemaVersion string     `yaml:"schema_version"`
	Source        SourceSpec `yaml:"source"`
	Sink          SinkSpec   `yaml:"sink"`
	Batch         BatchSpec  `yaml:"batch"`
	Engine        EngineSpec `yaml:"engine"`
}
