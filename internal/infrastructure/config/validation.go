package config

import (
	"errors"
	"fmt"
	"strings"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if !strings.HasPrefix(c.Server.ProxyPath, "/") || !strings.HasPrefix(c.Server.ReplayPath, "/") {
		return errors.New("server paths must begin with /")
	}
	if c.Server.ProxyPath == c.Server.ReplayPath {
		return errors.New("proxy and replay paths must differ")
	}

	if !c.Auth.Skip {
		hasBasic := c.Auth.BasicUser != "" && c.Auth.BasicPass != ""
		if len(c.Auth.Tokens) == 0 && !hasBasic && c.Auth.JWTSecret == "" {
			return errors.New("no authentication configured; set auth.tokens, basic credentials, a jwtSecret, or auth.skip for local use")
		}
	}

	if c.Backends.Count < 1 {
		return errors.New("backends.count must be positive")
	}
	if c.Backends.MaxRestartAttempts < 0 {
		return errors.New("backends.maxRestartAttempts must not be negative")
	}

	if err := c.validateReplay(); err != nil {
		return err
	}

	switch strings.ToLower(c.Store.Backend) {
	case "memory":
	case "redis":
		if c.Store.Redis.Address == "" {
			return errors.New("store.redis.address must be specified for redis store")
		}
	default:
		return fmt.Errorf("invalid store backend: %s. Must be 'memory' or 'redis'", c.Store.Backend)
	}

	switch strings.ToLower(c.Audit.Backend) {
	case "log":
	case "kafka":
		if len(c.Audit.Kafka.Brokers) == 0 {
			return errors.New("audit.kafka.brokers must be specified for kafka audit sink")
		}
	default:
		return fmt.Errorf("invalid audit backend: %s. Must be 'log' or 'kafka'", c.Audit.Backend)
	}

	return nil
}

// ValidateClient checks only what the operator client reads: replay capture
// knobs and the geolocation rate limit.
func (c *AppConfig) ValidateClient() error {
	if err := c.validateReplay(); err != nil {
		return err
	}
	if c.Geo.RequestsPerMinute <= 0 {
		return errors.New("geo.requestsPerMinute must be positive")
	}
	return nil
}

func (c *AppConfig) validateReplay() error {
	if c.Replay.CaptureFPS < 1 || c.Replay.CaptureFPS > 60 {
		return errors.New("replay.captureFPS must be between 1 and 60")
	}
	if c.Replay.ScreenshotTimeoutMs < 1 {
		return errors.New("replay.screenshotTimeoutMs must be positive")
	}
	if c.Replay.CloseTimeoutMs < 1 {
		return errors.New("replay.closeTimeoutMs must be positive")
	}
	if c.Replay.JPEGQuality < 1 || c.Replay.JPEGQuality > 100 {
		return errors.New("replay.jpegQuality must be between 1 and 100")
	}
	return nil
}
