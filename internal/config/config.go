package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when a configuration value is missing or out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Kling     KlingConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds the HMAC secret used to validate API caller tokens.
type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	VideoPerHour int
}

// KlingConfig configures the video generation client. AccessKey and
// SecretKey have no defaults and must be injected explicitly.
type KlingConfig struct {
	AccessKey      string
	SecretKey      string
	BaseURL        string
	Model          string
	Mode           string
	PollInterval   time.Duration
	MaxWait        time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

// WorkerConfig sizes the background worker server.
type WorkerConfig struct {
	Concurrency int
	MaxRetry    int
}

// Configured reports whether both halves of the signing key pair are present.
func (k KlingConfig) Configured() bool {
	return k.AccessKey != "" && k.SecretKey != ""
}

// Validate checks the Kling section. Missing keys are a hard error: there is
// no built-in fallback key pair.
func (k KlingConfig) Validate() error {
	if k.AccessKey == "" {
		return fmt.Errorf("%w: kling.access_key is required", ErrInvalidConfig)
	}
	if k.SecretKey == "" {
		return fmt.Errorf("%w: kling.secret_key is required", ErrInvalidConfig)
	}
	if k.BaseURL == "" {
		return fmt.Errorf("%w: kling.base_url is required", ErrInvalidConfig)
	}
	if k.PollInterval <= 0 {
		return fmt.Errorf("%w: kling.poll_interval must be positive", ErrInvalidConfig)
	}
	if k.MaxWait <= 0 {
		return fmt.Errorf("%w: kling.max_wait must be positive", ErrInvalidConfig)
	}
	if k.MaxRetries < 1 {
		return fmt.Errorf("%w: kling.max_retries must be at least 1", ErrInvalidConfig)
	}
	return nil
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("KLING_ACCESS_KEY")
	readSecret("KLING_SECRET_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.video_per_hour", "RATELIMIT_VIDEO_PER_HOUR")
	_ = v.BindEnv("kling.access_key", "KLING_ACCESS_KEY")
	_ = v.BindEnv("kling.secret_key", "KLING_SECRET_KEY")
	_ = v.BindEnv("kling.base_url", "KLING_BASE_URL")
	_ = v.BindEnv("kling.model", "KLING_MODEL")
	_ = v.BindEnv("kling.mode", "KLING_MODE")
	_ = v.BindEnv("kling.poll_interval", "KLING_POLL_INTERVAL")
	_ = v.BindEnv("kling.max_wait", "KLING_MAX_WAIT")
	_ = v.BindEnv("kling.max_retries", "KLING_MAX_RETRIES")
	_ = v.BindEnv("kling.request_timeout", "KLING_REQUEST_TIMEOUT")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.max_retry", "WORKER_MAX_RETRY")

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.video_per_hour", 10)

	// Kling defaults. Keys deliberately have none.
	v.SetDefault("kling.base_url", "https://api-singapore.klingai.com/v1")
	v.SetDefault("kling.model", "kling-v1")
	v.SetDefault("kling.mode", "std")
	v.SetDefault("kling.poll_interval", "10s")
	v.SetDefault("kling.max_wait", "300s")
	v.SetDefault("kling.max_retries", 3)
	v.SetDefault("kling.request_timeout", "60s")

	v.SetDefault("gateway.enabled", false)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_retry", 2)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			VideoPerHour: v.GetInt("ratelimit.video_per_hour"),
		},
		Kling: KlingConfig{
			AccessKey:      v.GetString("kling.access_key"),
			SecretKey:      v.GetString("kling.secret_key"),
			BaseURL:        strings.TrimRight(v.GetString("kling.base_url"), "/"),
			Model:          v.GetString("kling.model"),
			Mode:           v.GetString("kling.mode"),
			PollInterval:   v.GetDuration("kling.poll_interval"),
			MaxWait:        v.GetDuration("kling.max_wait"),
			MaxRetries:     v.GetInt("kling.max_retries"),
			RequestTimeout: v.GetDuration("kling.request_timeout"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
			MaxRetry:    v.GetInt("worker.max_retry"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks values that would break the server regardless of which
// optional integrations are enabled.
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("%w: server.port is required", ErrInvalidConfig)
	}
	if c.RateLimit.VideoPerHour < 1 {
		return fmt.Errorf("%w: ratelimit.video_per_hour must be at least 1", ErrInvalidConfig)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("%w: worker.concurrency must be at least 1", ErrInvalidConfig)
	}
	if c.Worker.MaxRetry < 0 {
		return fmt.Errorf("%w: worker.max_retry must not be negative", ErrInvalidConfig)
	}
	if c.Kling.PollInterval <= 0 || c.Kling.MaxWait <= 0 || c.Kling.RequestTimeout <= 0 {
		return fmt.Errorf("%w: kling durations must be positive", ErrInvalidConfig)
	}
	if c.Kling.MaxRetries < 1 {
		return fmt.Errorf("%w: kling.max_retries must be at least 1", ErrInvalidConfig)
	}
	return nil
}
