package engine

const (
	DefaultHealthPort  = 7070
	DefaultMetricsPort = 9100
)

type Config struct {
	HealthPort  int    // gRPC health service; 0 means the pipeline file or default
	MetricsPort int    // Prometheus /metrics; 0 means the pipeline file or default
	PipelineYml string // required
	Version     string
}

// withFallback fills zero ports from the pipeline file, then defaults.
func (c Config) withFallback(health, metrics int) Config {
	if c.HealthPort == 0 {
		c.HealthPort = health
	}
	if c.HealthPort == 0 {
		c.HealthPort = DefaultHealthPort
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = metrics
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = DefaultMetricsPort
	}
	return c
}
