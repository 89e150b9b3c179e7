package fluentd

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cast"

	"fluentsink/internal/forward"
)

// Property names understood by ResolveConfig.
const (
	KeyAddresses                  = "connect.addresses"
	KeyMaxBufferSize              = "client.buffer.max.size"
	KeyChunkInitialSize           = "client.buffer.chunk.initial.size"
	KeyChunkRetentionSize         = "client.buffer.chunk.retention.size"
	KeyFlushInterval              = "client.flush.interval"
	KeyAckResponseMode            = "client.ack.response.mode"
	KeyFileBackupDir              = "client.file.backup.dir"
	KeyWaitUntilBufferFlushed     = "client.wait.until.buffer.flushed"
	KeyWaitUntilFlusherTerminated = "client.wait.until.flusher.terminated"
	KeyHeapBufferMode             = "client.buffer.jvm.heap.mode"
	KeyCompress                   = "client.compress"
	KeySenderTimeout              = "client.sender.timeout.ms"
	KeySenderMaxRetries           = "client.sender.max.retries"
	KeyTransport                  = "client.transport"

	KeyTagStrategy = "tag.strategy"
	KeyTagStatic   = "tag.static"
	KeyTagField    = "tag.field"
	KeyTagPrefix   = "tag.prefix"

	KeyEventTimeField     = "time.event.field"
	KeyEventTimeFieldUnit = "time.event.field.unit"
	KeyRecordAsEventTime  = "time.record.as.event.time"

	KeyNullFields = "payload.null.fields"

	KeyEmitErrorPolicy   = "emit.error.policy"
	KeyEmitRetryMax      = "emit.retry.max"
	KeyEmitRetryBackoff  = "emit.retry.backoff.ms"
	KeyDeadLetterTopic   = "errors.deadletter.topic"
	KeyDeadLetterBrokers = "errors.deadletter.brokers"
)

const (
	DefaultPort         = "24224"
	DefaultTag          = "kafka"
	DefaultTransport    = "forward"
	DefaultRetryMax     = 3
	DefaultRetryBackoff = 100 * time.Millisecond
)

type TagStrategy string

const (
	TagStatic TagStrategy = "static"
	TagTopic  TagStrategy = "topic"
	TagField  TagStrategy = "field"
)

type TimeUnit string

const (
	Seconds TimeUnit = "s"
	Millis  TimeUnit = "ms"
)

// NullPolicy decides what happens to nil payload fields.
type NullPolicy string

const (
	NullKeep NullPolicy = "keep"
	NullOmit NullPolicy = "omit"
)

// EmitPolicy decides what Put does when a record cannot be emitted.
type EmitPolicy string

const (
	EmitDrop  EmitPolicy = "drop"
	EmitFail  EmitPolicy = "fail"
	EmitRetry EmitPolicy = "retry"
)

type TagConfig struct {
	Strategy TagStrategy
	Static   string
	Field    string
	Prefix   string
}

type TimeConfig struct {
	EventField        string
	EventFieldUnit    TimeUnit
	RecordAsEventTime bool
}

type EmitConfig struct {
	Policy       EmitPolicy
	RetryMax     int
	RetryBackoff time.Duration
}

type DeadLetterConfig struct {
	Topic   string
	Brokers []string
}

// Config is the resolved task configuration. It is built once per Start
// and never changed afterwards.
type Config struct {
	Client     forward.Config
	Transport  string
	Tag        TagConfig
	Time       TimeConfig
	NullFields NullPolicy
	Emit       EmitConfig
	DeadLetter DeadLetterConfig
}

// ResolveConfig turns task properties into a Config. Missing keys take
// their defaults; a value that cannot be coerced yields a *ConfigError
// naming the key.
func ResolveConfig(props map[string]string) (Config, error) {
	raw := make(map[string]any, len(props))
	for k, v := range props {
		raw[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	// property names contain dots; keep them as flat keys
	k := koanf.New("/")
	if err := k.Load(confmap.Provider(raw, ""), nil); err != nil {
		return Config{}, fmt.Errorf("fluentd: load properties: %w", err)
	}
	r := resolver{k: k}

	cfg := Config{
		Client: forward.Config{
			Addresses:                  r.addresses(KeyAddresses),
			MaxBufferSize:              r.bytes(KeyMaxBufferSize, forward.DefaultMaxBufferSize),
			ChunkInitialSize:           r.bytes(KeyChunkInitialSize, forward.DefaultChunkInitialSize),
			ChunkRetentionSize:         r.bytes(KeyChunkRetentionSize, forward.DefaultChunkRetentionSize),
			FlushInterval:              r.millis(KeyFlushInterval, forward.DefaultFlushInterval),
			AckResponseMode:            r.bool(KeyAckResponseMode, false),
			FileBackupDir:              r.str(KeyFileBackupDir, ""),
			WaitUntilBufferFlushed:     r.wait(KeyWaitUntilBufferFlushed),
			WaitUntilFlusherTerminated: r.wait(KeyWaitUntilFlusherTerminated),
			HeapBufferMode:             r.bool(KeyHeapBufferMode, false),
			Compress:                   forward.Compression(r.oneOf(KeyCompress, string(forward.CompressNone), string(forward.CompressNone), string(forward.CompressGzip))),
			SenderTimeout:              r.millis(KeySenderTimeout, forward.DefaultSenderTimeout),
			SenderMaxRetries:           r.int(KeySenderMaxRetries, forward.DefaultSenderMaxRetries),
		},
		Transport: r.str(KeyTransport, DefaultTransport),
		Tag: TagConfig{
			Strategy: TagStrategy(r.oneOf(KeyTagStrategy, string(TagTopic), string(TagStatic), string(TagTopic), string(TagField))),
			Static:   r.str(KeyTagStatic, DefaultTag),
			Field:    r.str(KeyTagField, ""),
			Prefix:   strings.TrimSuffix(r.str(KeyTagPrefix, ""), "."),
		},
		Time: TimeConfig{
			EventField:        r.str(KeyEventTimeField, ""),
			EventFieldUnit:    TimeUnit(r.oneOf(KeyEventTimeFieldUnit, string(Seconds), string(Seconds), string(Millis))),
			RecordAsEventTime: r.bool(KeyRecordAsEventTime, false),
		},
		NullFields: NullPolicy(r.oneOf(KeyNullFields, string(NullKeep), string(NullKeep), string(NullOmit))),
		Emit: EmitConfig{
			Policy:       EmitPolicy(r.oneOf(KeyEmitErrorPolicy, string(EmitFail), string(EmitDrop), string(EmitFail), string(EmitRetry))),
			RetryMax:     r.int(KeyEmitRetryMax, DefaultRetryMax),
			RetryBackoff: r.millis(KeyEmitRetryBackoff, DefaultRetryBackoff),
		},
		DeadLetter: DeadLetterConfig{
			Topic:   r.str(KeyDeadLetterTopic, ""),
			Brokers: r.list(KeyDeadLetterBrokers),
		},
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	cl := c.Client
	switch {
	case cl.ChunkInitialSize > cl.ChunkRetentionSize:
		return &ConfigError{Key: KeyChunkInitialSize, Value: humanize.IBytes(uint64(cl.ChunkInitialSize)),
			Err: fmt.Errorf("exceeds %s (%s)", KeyChunkRetentionSize, humanize.IBytes(uint64(cl.ChunkRetentionSize)))}
	case cl.ChunkRetentionSize > cl.MaxBufferSize:
		return &ConfigError{Key: KeyChunkRetentionSize, Value: humanize.IBytes(uint64(cl.ChunkRetentionSize)),
			Err: fmt.Errorf("exceeds %s (%s)", KeyMaxBufferSize, humanize.IBytes(uint64(cl.MaxBufferSize)))}
	case c.Tag.Strategy == TagField && c.Tag.Field == "":
		return &ConfigError{Key: KeyTagField, Err: fmt.Errorf("required when %s=%s", KeyTagStrategy, TagField)}
	case c.DeadLetter.Topic != "" && len(c.DeadLetter.Brokers) == 0:
		return &ConfigError{Key: KeyDeadLetterBrokers, Err: fmt.Errorf("required when %s is set", KeyDeadLetterTopic)}
	case c.Transport == "":
		return &ConfigError{Key: KeyTransport, Err: errors.New("empty")}
	}
	return nil
}

// resolver reads typed values and keeps the first coercion error.
type resolver struct {
	k   *koanf.Koanf
	err error
}

func (r *resolver) lookup(key string) (string, bool) {
	if !r.k.Exists(key) {
		return "", false
	}
	v := r.k.String(key)
	return v, v != ""
}

func (r *resolver) fail(key, value string, err error) {
	if r.err == nil {
		r.err = &ConfigError{Key: key, Value: value, Err: err}
	}
}

func (r *resolver) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

func (r *resolver) bool(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		r.fail(key, v, errors.New("not a boolean"))
		return def
	}
	return b
}

func (r *resolver) int(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		r.fail(key, v, errors.New("not a non-negative integer"))
		return def
	}
	return n
}

func (r *resolver) bytes(key string, def int64) int64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		r.fail(key, v, fmt.Errorf("not a byte size: %w", err))
		return def
	}
	if n == 0 || n > 1<<62 {
		r.fail(key, v, errors.New("byte size out of range"))
		return def
	}
	return int64(n)
}

func (r *resolver) millis(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		r.fail(key, v, errors.New("not a positive number of milliseconds"))
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// wait accepts a number of seconds or a boolean; true means the default
// wait and false disables waiting.
func (r *resolver) wait(key string) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return forward.DefaultWait
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		r.fail(key, v, errors.New("not a boolean or a number of seconds"))
		return forward.DefaultWait
	}
	if b {
		return forward.DefaultWait
	}
	return 0
}

func (r *resolver) oneOf(key, def string, allowed ...string) string {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	r.fail(key, v, fmt.Errorf("must be one of %s", strings.Join(allowed, ", ")))
	return def
}

func (r *resolver) list(key string) []string {
	v, _ := r.lookup(key)
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// addresses parses host[:port] entries; a missing port means 24224. A key
// set to "" is an empty list, not an absent key.
func (r *resolver) addresses(key string) []string {
	if !r.k.Exists(key) {
		return []string{forward.DefaultAddress}
	}
	v := r.k.String(key)
	var out []string
	for _, s := range r.list(key) {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			host, port = strings.Trim(s, "[]"), DefaultPort
		}
		if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
			r.fail(key, v, fmt.Errorf("bad port in %q", s))
			return nil
		}
		if host == "" || strings.Contains(host, ":") && !strings.Contains(s, "[") {
			r.fail(key, v, fmt.Errorf("bad address %q", s))
			return nil
		}
		out = append(out, net.JoinHostPort(host, port))
	}
	if len(out) == 0 {
		r.fail(key, v, errors.New("no endpoint addresses"))
	}
	return out
}
