package forward

import (
	"errors"
	"time"
)

type Compression string

const (
	CompressNone Compression = "none"
	CompressGzip Compression = "gzip"
)

// Config shapes buffering and delivery. Zero values take the defaults
// below via applyDefaults.
type Config struct {
	Addresses                  []string
	MaxBufferSize              int64
	ChunkInitialSize           int64
	ChunkRetentionSize         int64
	FlushInterval              time.Duration
	AckResponseMode            bool
	FileBackupDir              string
	WaitUntilBufferFlushed     time.Duration
	WaitUntilFlusherTerminated time.Duration
	HeapBufferMode             bool
	Compress                   Compression
	SenderTimeout              time.Duration
	SenderMaxRetries           int
}

const (
	DefaultAddress            = "localhost:24224"
	DefaultMaxBufferSize      = 512 << 20
	DefaultChunkInitialSize   = 1 << 20
	DefaultChunkRetentionSize = 4 << 20
	DefaultFlushInterval      = 600 * time.Millisecond
	DefaultWait               = 60 * time.Second
	DefaultSenderTimeout      = 5 * time.Second
	DefaultSenderMaxRetries   = 8
)

func applyDefaults(c *Config) {
	if len(c.Addresses) == 0 {
		c.Addresses = []string{DefaultAddress}
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	if c.ChunkInitialSize <= 0 {
		c.ChunkInitialSize = DefaultChunkInitialSize
	}
	if c.ChunkRetentionSize <= 0 {
		c.ChunkRetentionSize = DefaultChunkRetentionSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Compress == "" {
		c.Compress = CompressNone
	}
	if c.SenderTimeout <= 0 {
		c.SenderTimeout = DefaultSenderTimeout
	}
	if c.SenderMaxRetries < 0 {
		c.SenderMaxRetries = 0
	}
}

func (c Config) validate() error {
	if c.ChunkInitialSize > c.ChunkRetentionSize {
		return errors.New("forward: chunk initial size exceeds chunk retention size")
	}
	if c.ChunkRetentionSize > c.MaxBufferSize {
		return errors.New("forward: chunk retention size exceeds max buffer size")
	}
	switch c.Compress {
	case CompressNone, CompressGzip:
	default:
		return errors.New("forward: unsupported compression " + string(c.Compress))
	}
	return nil
}
