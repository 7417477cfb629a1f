package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	API          APIConfig
	GRPC         GRPCConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	ObjectStore  ObjectStoreConfig
	Auth         AuthConfig
	Billing      BillingConfig
	Orchestrator OrchestratorConfig
	Quota        QuotaConfig
	Logging      LoggingConfig
	PostHog      PostHogConfig
}

type APIConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
	EnableDocs      bool
	AllowedOrigins  []string
	TrustedProxies  []string
}

type GRPCConfig struct {
	Address       string
	TLSCertFile   string
	TLSKeyFile    string
	AllowInsecure bool
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type RedisConfig struct {
	URL string
}

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type AuthConfig struct {
	SessionTTL    time.Duration
	SecureCookies bool
	AdminToken    string
}

type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	Enforce             bool
}

type OrchestratorConfig struct {
	HeartbeatTimeout  time.Duration
	AdmissionTimeout  time.Duration
	SlotLeaseTTL      time.Duration
	LeaseRenewEvery   time.Duration
	IdleTimeout       time.Duration
	TTLWarnThreshold  time.Duration
	SweepInterval     time.Duration
	DefaultTTL        time.Duration
	MaxTTL            time.Duration
	ReplayRetention   time.Duration
	ExecEventCap      int
	ExecDefaultWindow time.Duration
}

type QuotaConfig struct {
	MaxConcurrentSandboxes int
	MaxExecTimeoutSeconds  int
	MaxForkDepth           int
	MaxSessionsPerSandbox  int
	MaxFileBytes           int64
	MaxArtifactBytesPerOrg int64
}

type LoggingConfig struct {
	Level  string
	Format string
}

type PostHogConfig struct {
	APIKey   string
	Endpoint string
}

// Validate checks that required configuration fields are set and valid.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	for _, origin := range c.API.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("CORS_ALLOWED_ORIGINS must not contain '*'")
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" {
			return fmt.Errorf("CORS_ALLOWED_ORIGINS entry %q must be a valid URL", origin)
		}
	}
	if c.GRPC.TLSCertFile == "" && c.GRPC.TLSKeyFile == "" && !c.GRPC.AllowInsecure {
		return fmt.Errorf("gRPC TLS not configured; set GRPC_TLS_CERT_FILE/GRPC_TLS_KEY_FILE or GRPC_ALLOW_INSECURE=true")
	}
	if c.Orchestrator.DefaultTTL > c.Orchestrator.MaxTTL {
		return fmt.Errorf("ORCHESTRATOR_DEFAULT_TTL exceeds ORCHESTRATOR_MAX_TTL")
	}
	if c.Auth.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set: admin endpoints are disabled")
	}
	return nil
}

func Load() *Config {
	return &Config{
		API: APIConfig{
			Addr:            envOr("API_ADDR", ":8080"),
			ReadTimeout:     envDuration("API_READ_TIMEOUT", 60*time.Second),
			WriteTimeout:    envDuration("API_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:     envDuration("API_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: envDuration("API_SHUTDOWN_TIMEOUT", 20*time.Second),
			DrainTimeout:    envDuration("API_DRAIN_TIMEOUT", 30*time.Second),
			EnableDocs:      envBool("API_ENABLE_DOCS", false),
			AllowedOrigins:  envStringSlice("CORS_ALLOWED_ORIGINS"),
			TrustedProxies:  envStringSlice("TRUSTED_PROXIES"),
		},
		GRPC: GRPCConfig{
			Address:       envOr("GRPC_ADDR", ":9090"),
			TLSCertFile:   os.Getenv("GRPC_TLS_CERT_FILE"),
			TLSKeyFile:    os.Getenv("GRPC_TLS_KEY_FILE"),
			AllowInsecure: envBool("GRPC_ALLOW_INSECURE", false),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 16),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 8),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", time.Hour),
			AutoMigrate:     envBool("DATABASE_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			URL: envOr("REDIS_URL", "redis://localhost:6379/0"),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  envOr("S3_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    envOr("S3_BUCKET", "sandchest"),
			Region:    envOr("S3_REGION", "us-east-1"),
			UseSSL:    envBool("S3_USE_SSL", true),
		},
		Auth: AuthConfig{
			SessionTTL:    envDuration("AUTH_SESSION_TTL", 168*time.Hour),
			SecureCookies: envBool("AUTH_SECURE_COOKIES", true),
			AdminToken:    os.Getenv("ADMIN_TOKEN"),
		},
		Billing: BillingConfig{
			StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			Enforce:             envBool("BILLING_ENFORCE", false),
		},
		Orchestrator: OrchestratorConfig{
			HeartbeatTimeout:  envDuration("ORCHESTRATOR_HEARTBEAT_TIMEOUT", 90*time.Second),
			AdmissionTimeout:  envDuration("ORCHESTRATOR_ADMISSION_TIMEOUT", 2*time.Minute),
			SlotLeaseTTL:      envDuration("ORCHESTRATOR_SLOT_LEASE_TTL", 60*time.Second),
			LeaseRenewEvery:   envDuration("ORCHESTRATOR_LEASE_RENEW_EVERY", 20*time.Second),
			IdleTimeout:       envDuration("ORCHESTRATOR_IDLE_TIMEOUT", 30*time.Minute),
			TTLWarnThreshold:  envDuration("ORCHESTRATOR_TTL_WARN_THRESHOLD", 60*time.Second),
			SweepInterval:     envDuration("ORCHESTRATOR_SWEEP_INTERVAL", 15*time.Second),
			DefaultTTL:        envDuration("ORCHESTRATOR_DEFAULT_TTL", time.Hour),
			MaxTTL:            envDuration("ORCHESTRATOR_MAX_TTL", 24*time.Hour),
			ReplayRetention:   envDuration("REPLAY_RETENTION", 7*24*time.Hour),
			ExecEventCap:      envInt("EXEC_EVENT_BUFFER_CAP", 10000),
			ExecDefaultWindow: envDuration("EXEC_DEFAULT_TIMEOUT", 30*time.Second),
		},
		Quota: QuotaConfig{
			MaxConcurrentSandboxes: envInt("QUOTA_MAX_CONCURRENT_SANDBOXES", 10),
			MaxExecTimeoutSeconds:  envInt("QUOTA_MAX_EXEC_TIMEOUT_SECONDS", 300),
			MaxForkDepth:           envInt("QUOTA_MAX_FORK_DEPTH", 5),
			MaxSessionsPerSandbox:  envInt("QUOTA_MAX_SESSIONS_PER_SANDBOX", 10),
			MaxFileBytes:           envInt64("QUOTA_MAX_FILE_BYTES", 100<<20),
			MaxArtifactBytesPerOrg: envInt64("QUOTA_MAX_ARTIFACT_BYTES_PER_ORG", 10<<30),
		},
		Logging: LoggingConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "text"),
		},
		PostHog: PostHogConfig{
			APIKey:   os.Getenv("POSTHOG_API_KEY"),
			Endpoint: envOr("POSTHOG_ENDPOINT", "https://us.i.posthog.com"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			slog.Warn("invalid integer for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return b
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func envStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
