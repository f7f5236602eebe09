package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/Cashonrails/UISP-Cashonrails/internal/cashonrails"
	"github.com/Cashonrails/UISP-Cashonrails/internal/common"
	"github.com/Cashonrails/UISP-Cashonrails/internal/config"
	"github.com/Cashonrails/UISP-Cashonrails/internal/health"
	"github.com/Cashonrails/UISP-Cashonrails/internal/lock"
	"github.com/Cashonrails/UISP-Cashonrails/internal/obs"
	"github.com/Cashonrails/UISP-Cashonrails/internal/ratelimit"
	"github.com/Cashonrails/UISP-Cashonrails/internal/recon"
	"github.com/Cashonrails/UISP-Cashonrails/internal/ucrm"
	"github.com/Cashonrails/UISP-Cashonrails/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "uisp_cashonrails")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	billing := ucrm.NewAPI(cfg.UcrmBaseURL, cfg.UcrmAppKey, cfg.BillingTimeout)
	provider := cashonrails.NewClient(cfg.CashonrailsBaseURL, cfg.CashonrailsSecretKey, cfg.ProviderTimeout)

	engine := &recon.Engine{
		Provider:    provider,
		Billing:     billing,
		Guard:       lock.Locker{R: redisClient},
		Log:         logger,
		Currency:    cfg.Currency,
		MethodID:    cfg.PaymentMethodID,
		RedirectURL: cfg.VerifyRedirectURL(),
		LockTTL:     cfg.ConfirmLockTTL,
	}
	paymentHandler := &recon.Handler{
		Engine:   engine,
		Sessions: billing,
		TestMode: cfg.TestMode,
		Log:      logger,
	}
	webhookHandler := webhook.Handler{
		Verifier:  webhook.Verifier{Secret: cfg.WebhookSecret},
		Engine:    engine,
		Replay:    redisClient,
		ReplayTTL: cfg.WebhookReplayTTL,
		Log:       logger,
	}
	if cfg.WebhookSecret == "" {
		logger.Warn().Msg("webhook secret not set, signature verification disabled")
	}

	initiateLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "rl:initiate:"},
		Config: ratelimit.Config{
			Key:    common.ClientIP,
			Window: cfg.InitiateRateWindow,
			Max:    cfg.InitiateRateMax,
		},
		OnError: func(err error) {
			logger.Error().Err(err).Msg("rate limiter unavailable")
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	healthHandler := health.Handler{
		Checker:        readinessChecker{redis: redisClient, billing: billing},
		RedisTimeout:   envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		BillingTimeout: envDurationMillis("HEALTH_READY_BILLING_TIMEOUT_MS", 500),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1/payments", func(p chi.Router) {
		p.With(initiateLimit.Middleware).Post("/initiate", paymentHandler.Initiate)
		p.Get("/pay", paymentHandler.Pay)
		p.Get("/verify", paymentHandler.Verify)
	})
	r.Post("/webhooks/cashonrails", webhookHandler.Handle)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	<-shutdownDone
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	redis   *redis.Client
	billing *ucrm.API
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func (c readinessChecker) PingBilling(ctx context.Context, timeout time.Duration) error {
	if c.billing == nil {
		return errors.New("billing not configured")
	}
	return c.billing.Ping(ctx, timeout)
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envDurationMillis(key string, fallbackMillis int) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(val) + "ms"); err == nil && parsed > 0 {
			return parsed
		}
	}
	return time.Duration(fallbackMillis) * time.Millisecond
}
