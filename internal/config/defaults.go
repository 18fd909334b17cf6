package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBaseURL           = "http://localhost:3000"
	DefaultServerTimeout     = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultTeardownDelay     = 100 * time.Millisecond
	DefaultRateWindow        = 250 * time.Millisecond
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultReconnectBaseWait = 1 * time.Second
	DefaultReconnectMaxWait  = 30 * time.Second
	DefaultReconnectAttempts = 5
	DefaultTransportBuffer   = 1024
	DefaultArchiveBatchSize  = 500
	DefaultArchiveFlush      = 1 * time.Second
	DefaultArchiveBufferSize = 10000
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultHealthPort        = 8089
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

func (c *ClientConfig) applyDefaults() {
	// Server defaults
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = DefaultBaseURL
	}
	if c.Server.RestURL == "" {
		c.Server.RestURL = c.Server.BaseURL
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = DefaultServerTimeout
	}
	if c.Server.MaxRetries == 0 {
		c.Server.MaxRetries = DefaultMaxRetries
	}

	// Client defaults
	if c.Client.TeardownDelay == 0 {
		c.Client.TeardownDelay = DefaultTeardownDelay
	}
	if c.Client.RateWindow == 0 {
		c.Client.RateWindow = DefaultRateWindow
	}

	// Transport defaults
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}
	if c.Transport.ReconnectBaseWait == 0 {
		c.Transport.ReconnectBaseWait = DefaultReconnectBaseWait
	}
	if c.Transport.ReconnectMaxWait == 0 {
		c.Transport.ReconnectMaxWait = DefaultReconnectMaxWait
	}
	if c.Transport.ReconnectAttempts == 0 {
		c.Transport.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.Transport.BufferSize == 0 {
		c.Transport.BufferSize = DefaultTransportBuffer
	}

	// Archive defaults
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultArchiveBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultArchiveFlush
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBufferSize
	}
	applyDBDefaults(&c.Archive.Database)

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
