package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type AppConfig struct {
	LogLevel string
	Server   ServerConfig
	Auth     AuthConfig
	Backends BackendConfig
	Replay   ReplayConfig
	Store    StoreConfig
	Audit    AuditConfig
	Manager  ManagerConfig
	Geo      GeoConfig
}

type ServerConfig struct {
	Host       string
	Port       int
	ProxyPath  string
	ReplayPath string
}

type AuthConfig struct {
	// Tokens is the bearer allow-list for the proxy path.
	Tokens []string
	// BasicUser/BasicPass enable HTTP basic credentials as an alternative.
	BasicUser string
	BasicPass string
	// JWTSecret, when set, additionally accepts HMAC-signed bearer tokens.
	JWTSecret string
	// Skip disables authentication entirely (local development).
	Skip bool
}

type BackendConfig struct {
	Count              int
	MaxRestartAttempts int
	RestartDelayMs     int
	HandshakeTimeoutMs int
	ExecPath           string
	Headless           bool
}

type ReplayConfig struct {
	CaptureFPS          int
	ScreenshotTimeoutMs int
	CloseTimeoutMs      int
	JPEGQuality         int
}

type StoreConfig struct {
	Backend string // "memory" or "redis"
	Redis   RedisConfig
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

type AuditConfig struct {
	Backend string // "log" or "kafka"
	Kafka   KafkaConfig
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
	UsageTopic string
}

type ManagerConfig struct {
	URL    string
	APIKey string
}

type GeoConfig struct {
	BaseURL           string
	RequestsPerMinute float64
}

// Load reads config.<env>.yaml from ./configs or the working directory,
// layered under ROVERFOX_* environment variables, and validates the result.
func Load(env string) (*AppConfig, error) {
	return load(env, (*AppConfig).Validate)
}

// LoadClient reads the same sources but validates only the sections the
// operator client uses; server-side requirements like auth do not apply.
func LoadClient(env string) (*AppConfig, error) {
	return load(env, (*AppConfig).ValidateClient)
}

func load(env string, validate func(*AppConfig) error) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("ROVERFOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env cover the full surface.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
