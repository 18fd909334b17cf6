package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if err := validateURL("server.base_url", c.Server.BaseURL); err != nil {
		return err
	}
	if err := validateURL("server.rest_url", c.Server.RestURL); err != nil {
		return err
	}
	if c.Server.MaxRetries < 0 {
		return errors.New("server.max_retries must be >= 0")
	}

	if c.Session.IsEnabled() && c.Session.ConversationID == "" {
		return errors.New("session.conversation_id is required when session.enabled is true")
	}

	if c.Client.TeardownDelay < 0 {
		return errors.New("client.teardown_delay must be >= 0")
	}
	if c.Client.RateThreshold < 0 {
		return errors.New("client.rate_threshold must be >= 0")
	}

	if c.Transport.ReconnectAttempts < 0 {
		return errors.New("transport.reconnect_attempts must be >= 0")
	}
	if c.Transport.ReconnectMaxWait < c.Transport.ReconnectBaseWait {
		return fmt.Errorf("transport.reconnect_max_wait (%v) cannot be less than reconnect_base_wait (%v)",
			c.Transport.ReconnectMaxWait, c.Transport.ReconnectBaseWait)
	}
	if c.Transport.BufferSize < 1 {
		return errors.New("transport.buffer_size must be >= 1")
	}

	if c.Archive.Enabled {
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%s must use http, https, ws or wss, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", field)
	}
	return nil
}
