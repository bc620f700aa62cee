package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9001)
	v.SetDefault("server.proxyPath", "/roverfox")
	v.SetDefault("server.replayPath", "/replay")

	// Auth
	v.SetDefault("auth.tokens", []string{})
	v.SetDefault("auth.basicUser", "")
	v.SetDefault("auth.basicPass", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.skip", false)

	// Backend pool
	v.SetDefault("backends.count", 3)
	v.SetDefault("backends.maxRestartAttempts", 3)
	v.SetDefault("backends.restartDelayMs", 2000)
	v.SetDefault("backends.handshakeTimeoutMs", 30000)
	v.SetDefault("backends.execPath", "")
	v.SetDefault("backends.headless", true)

	// Replay capture
	v.SetDefault("replay.captureFPS", 10)
	v.SetDefault("replay.screenshotTimeoutMs", 1000)
	v.SetDefault("replay.closeTimeoutMs", 5000)
	v.SetDefault("replay.jpegQuality", 70)

	// Profile store
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis.address", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.poolSize", 100)

	// Audit sinks
	v.SetDefault("audit.backend", "log")
	v.SetDefault("audit.kafka.auditTopic", "browser-audit")
	v.SetDefault("audit.kafka.usageTopic", "browser-usage")

	// Manager
	v.SetDefault("manager.url", "")
	v.SetDefault("manager.apiKey", "")

	// Geolocation
	v.SetDefault("geo.baseURL", "")
	v.SetDefault("geo.requestsPerMinute", 40)
}
