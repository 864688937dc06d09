package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv              string
	Port                string
	DatabaseURL         string
	TrackingDatabaseURL string
	RedisURL            string
	PublicBaseURL       string

	ProviderBaseURL       string
	ProviderAPIToken      string
	ProviderWebhookSecret string
	ProviderTimeout       time.Duration

	ModelCatalogPath string

	NotifyURL  string
	NotifyMode string

	StorageBackend     string
	StoragePath        string
	StorageBaseURL     string
	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	RateLimitFailOpen  bool

	// StatusRateLimitPerWindow caps status polls per client IP. Zero disables it.
	StatusRateLimitPerWindow int

	CORSAllowedOrigins []string

	WorkerConcurrency   int
	ReconcileCron       string
	ReconcileStaleAfter time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

const (
	NotifyModeDirect = "direct"
	NotifyModeQueue  = "queue"

	StorageBackendFile     = "file"
	StorageBackendSupabase = "supabase"
)

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:                   getEnv("APP_ENV", "development"),
		Port:                     port,
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		TrackingDatabaseURL:      os.Getenv("TRACKING_DATABASE_URL"),
		RedisURL:                 os.Getenv("REDIS_URL"),
		PublicBaseURL:            strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:"+port), "/"),
		ProviderBaseURL:          getEnv("PROVIDER_BASE_URL", "https://api.replicate.com/v1"),
		ProviderAPIToken:         os.Getenv("PROVIDER_API_TOKEN"),
		ProviderWebhookSecret:    os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		ProviderTimeout:          time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 30)),
		ModelCatalogPath:         os.Getenv("MODEL_CATALOG_PATH"),
		NotifyURL:                os.Getenv("NOTIFY_URL"),
		NotifyMode:               strings.ToLower(getEnv("NOTIFY_MODE", NotifyModeDirect)),
		StorageBackend:           strings.ToLower(getEnv("STORAGE_BACKEND", StorageBackendFile)),
		StoragePath:              getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:           strings.TrimRight(getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"), "/"),
		SupabaseURL:              os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey:       os.Getenv("SUPABASE_SERVICE_KEY"),
		SupabaseBucket:           getEnv("SUPABASE_BUCKET", "generations"),
		RateLimitPerWindow:       getEnvInt("RATE_LIMIT_PER_WINDOW", 10),
		RateLimitWindow:          time.Second * time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)),
		RateLimitFailOpen:        getEnvBool("RATE_LIMIT_FAIL_OPEN", true),
		StatusRateLimitPerWindow: getEnvInt("STATUS_RATE_LIMIT_PER_WINDOW", 120),
		CORSAllowedOrigins:       getEnvList("CORS_ALLOWED_ORIGINS"),
		WorkerConcurrency:        getEnvInt("WORKER_CONCURRENCY", 5),
		ReconcileCron:            getEnv("RECONCILE_CRON", "@every 5m"),
		ReconcileStaleAfter:      time.Minute * time.Duration(getEnvInt("RECONCILE_STALE_AFTER_MINUTES", 30)),
		HTTPReadTimeout:          time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:         time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:          time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}
	if cfg.TrackingDatabaseURL == "" {
		cfg.TrackingDatabaseURL = cfg.DatabaseURL
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.ProviderAPIToken == "" {
		return nil, fmt.Errorf("PROVIDER_API_TOKEN is required")
	}
	if cfg.ProviderWebhookSecret == "" {
		return nil, fmt.Errorf("PROVIDER_WEBHOOK_SECRET is required")
	}
	switch cfg.NotifyMode {
	case NotifyModeDirect, NotifyModeQueue:
	default:
		return nil, fmt.Errorf("NOTIFY_MODE must be %q or %q", NotifyModeDirect, NotifyModeQueue)
	}
	switch cfg.StorageBackend {
	case StorageBackendFile:
	case StorageBackendSupabase:
		if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
			return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for supabase storage")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	return cfg, nil
}

// WebhookURL is the provider callback endpoint exposed by the API.
func (c *Config) WebhookURL() string {
	return c.PublicBaseURL + "/v1/webhooks/provider"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
