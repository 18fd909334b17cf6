package config

import "time"

// ClientConfig is the root configuration for a convstream process.
type ClientConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Client    StreamConfig    `yaml:"client"`
	Transport TransportConfig `yaml:"transport"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds agent server endpoints.
type ServerConfig struct {
	BaseURL    string        `yaml:"base_url"` // Socket.IO endpoint base, e.g. http://localhost:3000
	RestURL    string        `yaml:"rest_url"` // defaults to base_url
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// SessionConfig selects the conversation to stream.
type SessionConfig struct {
	Enabled            *bool  `yaml:"enabled"` // nil = true
	Token              string `yaml:"token"`
	GitHubToken        string `yaml:"github_token"`
	ConversationID     string `yaml:"conversation_id"`
	SelectedRepository string `yaml:"selected_repository"`
}

// IsEnabled reports whether streaming is enabled. It defaults to true.
func (s SessionConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StreamConfig holds client facade settings.
type StreamConfig struct {
	TeardownDelay time.Duration `yaml:"teardown_delay"`
	RateWindow    time.Duration `yaml:"rate_window"`
	RateThreshold int           `yaml:"rate_threshold"`
}

// TransportConfig holds Socket.IO transport settings.
type TransportConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReconnectBaseWait time.Duration `yaml:"reconnect_base_wait"`
	ReconnectMaxWait  time.Duration `yaml:"reconnect_max_wait"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	BufferSize        int           `yaml:"buffer_size"`
}

// ArchiveConfig holds the optional Postgres event archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds the local health and debug endpoint.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
