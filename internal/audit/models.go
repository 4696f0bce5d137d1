package audit

import (
	"errors"
	"time"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000

	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultFlushTimeout  = 10 * time.Second
	defaultMaxBuffered   = 10000
	topN                 = 10
)

// ErrClosed is returned by LogBatch after Close has been called.
var ErrClosed = errors.New("audit log is closed")

// Config tunes batched writes. Zero values fall back to defaults.
type Config struct {
	// BatchSize is the buffer depth at which a flush is triggered.
	BatchSize int `mapstructure:"batch_size" validate:"gte=0"`
	// FlushInterval is the period of the background flush ticker.
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gte=0"`
	// FlushTimeout bounds a single flush transaction.
	FlushTimeout time.Duration `mapstructure:"flush_timeout" validate:"gte=0"`
	// MaxBuffered caps the buffer. LogBatch flushes inline before exceeding it.
	MaxBuffered int `mapstructure:"max_buffered" validate:"gte=0"`
	// IPHashKey keys the BLAKE2b hash applied to client IPs.
	IPHashKey string `mapstructure:"ip_hash_key" validate:"omitempty,min=16,max=64"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = defaultMaxBuffered
	}
	if c.MaxBuffered < c.BatchSize {
		c.MaxBuffered = c.BatchSize
	}
	return c
}
