package api

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/vitaminmoo/thxc-tool/internal/protocol"
	"github.com/vitaminmoo/thxc-tool/internal/retry"
)

// Config tunes timeouts, retries and chunking.
type Config struct {
	// ClientName is sent in hello.
	ClientName string
	BaudRate   int

	RequestTimeout    time.Duration
	HandshakeTimeout  time.Duration
	HandshakeAttempts int
	ApplyAttempts     int
	Backoff           retry.BackoffConfig

	// ChunkSize is the number of raw bytes per firmware_chunk.
	ChunkSize     int
	BeginAttempts int
	// FirmwareTimeout applies to each firmware_* request.
	FirmwareTimeout time.Duration

	// TextNoticeInterval rate limits "ignored device text" events.
	TextNoticeInterval time.Duration
}

// DefaultConfig returns the settings used when no options are given.
func DefaultConfig() Config {
	return Config{
		ClientName:         "thxc-tool",
		RequestTimeout:     2 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		HandshakeAttempts:  3,
		ApplyAttempts:      3,
		Backoff:            retry.DefaultBackoff(),
		ChunkSize:          384,
		BeginAttempts:      3,
		FirmwareTimeout:    5 * time.Second,
		TextNoticeInterval: 2 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithConfig replaces the whole configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		def := DefaultConfig()
		if cfg.ClientName == "" {
			cfg.ClientName = def.ClientName
		}
		if cfg.RequestTimeout <= 0 {
			cfg.RequestTimeout = def.RequestTimeout
		}
		if cfg.HandshakeTimeout <= 0 {
			cfg.HandshakeTimeout = def.HandshakeTimeout
		}
		if cfg.HandshakeAttempts <= 0 {
			cfg.HandshakeAttempts = def.HandshakeAttempts
		}
		if cfg.ApplyAttempts <= 0 {
			cfg.ApplyAttempts = def.ApplyAttempts
		}
		if cfg.Backoff.Multiplier == 0 && cfg.Backoff.InitialDelay == 0 {
			cfg.Backoff = def.Backoff
		}
		if cfg.ChunkSize <= 0 {
			cfg.ChunkSize = def.ChunkSize
		}
		if cfg.BeginAttempts <= 0 {
			cfg.BeginAttempts = def.BeginAttempts
		}
		if cfg.FirmwareTimeout <= 0 {
			cfg.FirmwareTimeout = def.FirmwareTimeout
		}
		if cfg.TextNoticeInterval <= 0 {
			cfg.TextNoticeInterval = def.TextNoticeInterval
		}
		c.cfg = cfg
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithIDGenerator overrides correlation and session id generation.
func WithIDGenerator(ids protocol.IDGenerator) Option {
	return func(c *Client) { c.ids = ids }
}

// WithRequestTimeout sets the timeout for ordinary requests. Values of zero
// or less keep the current setting.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.cfg.RequestTimeout = d
		}
	}
}

// WithHandshake sets the attempt count and per-attempt timeout of Handshake.
// Non-positive values keep the current setting.
func WithHandshake(attempts int, timeout time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.cfg.HandshakeAttempts = attempts
		}
		if timeout > 0 {
			c.cfg.HandshakeTimeout = timeout
		}
	}
}

// WithFirmwareTimeout sets the timeout for each firmware_* request. Values
// of zero or less keep the current setting.
func WithFirmwareTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.cfg.FirmwareTimeout = d
		}
	}
}

// WithBackoff sets the delay policy between retried attempts.
func WithBackoff(b retry.BackoffConfig) Option {
	return func(c *Client) { c.cfg.Backoff = b }
}

// WithEvents registers a handler for observation events.
func WithEvents(fn func(Event)) Option {
	return func(c *Client) { c.onEvent = fn }
}

// WithOnDisconnect registers a callback for unexpected connection loss.
func WithOnDisconnect(fn func(error)) Option {
	return func(c *Client) { c.onDisconnect = fn }
}
