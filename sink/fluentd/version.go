package fluentd

// Version is set at build time with
// -ldflags "-X fluentsink/sink/fluentd.Version=...".
var Version = "dev"
