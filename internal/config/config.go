package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds gateway configuration loaded from the environment.
// Currency and the webhook secret are deliberately independent fields and
// must never overwrite one another.
type Config struct {
	AppEnv string
	Port   string

	RedisURL string

	UcrmBaseURL string
	UcrmAppKey  string

	CashonrailsBaseURL   string
	CashonrailsPublicKey string
	CashonrailsSecretKey string

	// WebhookSecret signs inbound webhook bodies. Empty disables signature
	// verification entirely, an explicit insecure mode for sandboxes only.
	WebhookSecret string

	Currency        string
	PaymentMethodID string
	PublicBaseURL   string

	// TestMode switches provider failures from sanitized messages to
	// detailed ones in HTTP responses.
	TestMode bool

	CORSAllowedOrigins []string

	ProviderTimeout    time.Duration
	BillingTimeout     time.Duration
	ConfirmLockTTL     time.Duration
	WebhookReplayTTL   time.Duration
	InitiateRateWindow time.Duration
	InitiateRateMax    int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:               valueOrDefault(k.String("APP_ENV"), "development"),
		Port:                 valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:             k.String("REDIS_URL"),
		UcrmBaseURL:          strings.TrimRight(k.String("UCRM_BASE_URL"), "/"),
		UcrmAppKey:           k.String("UCRM_APP_KEY"),
		CashonrailsBaseURL:   valueOrDefault(strings.TrimRight(k.String("CASHONRAILS_BASE_URL"), "/"), "https://mainapi.cashonrails.com"),
		CashonrailsPublicKey: k.String("CASHONRAILS_PUBLIC_KEY"),
		CashonrailsSecretKey: k.String("CASHONRAILS_SECRET_KEY"),
		WebhookSecret:        k.String("WEBHOOK_SECRET"),
		Currency:             valueOrDefault(k.String("CURRENCY"), "NGN"),
		PaymentMethodID:      valueOrDefault(k.String("PAYMENT_METHOD_ID"), "9bb15b8e-7d88-4f53-8e2d-17a7a54f80bf"),
		PublicBaseURL:        strings.TrimRight(k.String("PUBLIC_BASE_URL"), "/"),
		TestMode:             parseBool(k.String("TEST_MODE")),
		CORSAllowedOrigins:   splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		ProviderTimeout:      parseDuration(k.String("PROVIDER_TIMEOUT"), "30s"),
		BillingTimeout:       parseDuration(k.String("BILLING_TIMEOUT"), "15s"),
		ConfirmLockTTL:       parseDuration(k.String("CONFIRM_LOCK_TTL"), "30s"),
		WebhookReplayTTL:     parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		InitiateRateWindow:   parseDuration(k.String("INITIATE_RATE_WINDOW"), "1m"),
		InitiateRateMax:      atoiOrDefault(k.String("INITIATE_RATE_MAX"), 30),
	}

	if cfg.UcrmBaseURL == "" {
		return nil, errors.New("UCRM_BASE_URL is required")
	}
	if cfg.UcrmAppKey == "" {
		return nil, errors.New("UCRM_APP_KEY is required")
	}
	if cfg.CashonrailsSecretKey == "" {
		return nil, errors.New("CASHONRAILS_SECRET_KEY is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// VerifyRedirectURL is the absolute URL the provider redirects clients to
// after hosted checkout.
func (c *Config) VerifyRedirectURL() string {
	return c.PublicBaseURL + "/api/v1/payments/verify"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func atoiOrDefault(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(trimmed, "%d", &n); err != nil {
		return fallback
	}
	return n
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
