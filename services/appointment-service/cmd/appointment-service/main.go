package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/careslot/careslot/libs/config"
	"github.com/careslot/careslot/libs/db"
	"github.com/careslot/careslot/libs/httpx"
	"github.com/careslot/careslot/libs/kafkax"
	otelx "github.com/careslot/careslot/libs/otel"
	"github.com/careslot/careslot/libs/runtime"
	"github.com/careslot/careslot/services/appointment-service/internal/handlers"
	"github.com/careslot/careslot/services/appointment-service/internal/lifecycle"
	"github.com/careslot/careslot/services/appointment-service/internal/meeting"
	"github.com/careslot/careslot/services/appointment-service/internal/outbox"
	"github.com/careslot/careslot/services/appointment-service/internal/payments"
	"github.com/careslot/careslot/services/appointment-service/internal/storage"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	// Local development convenience; in deployment the env comes from the
	// orchestrator and no .env file exists.
	_ = godotenv.Load()

	service := config.String("SERVICE_NAME", "appointment-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	appointments := storage.NewAppointmentRepository(pool)
	catalog := storage.NewCatalogRepository(pool)
	tenants := storage.NewTenantConfigRepository(pool)
	ledger := storage.NewEventLedger(pool)

	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)
	notifier := outbox.NewNotifier(outboxRepo, logger)

	gateway := payments.NewStripeGateway(tenants, logger, payments.StripeGatewayConfig{
		WebhookBaseURL: config.String("WEBHOOK_BASE_URL", ""),
		CallTimeout:    10 * time.Second,
	})

	meetings, err := meeting.NewProvider(config.String("MEETING_SERVICE_ADDR", ""))
	if err != nil {
		logger.Error("meeting provider init failed", "err", err)
		panic(err)
	}

	manager := lifecycle.NewManager(appointments, catalog, gateway, notifier, meetings, logger)

	tolSeconds, err := strconv.Atoi(config.String("STRIPE_WEBHOOK_TOLERANCE_SECONDS", "300"))
	if err != nil || tolSeconds <= 0 {
		tolSeconds = 300
	}
	h := handlers.New(manager, tenants, ledger, gateway, logger, handlers.Config{
		WebhookToleranceSeconds: tolSeconds,
	})

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/appointments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.Get(w, r)
			return
		}
		h.Create(w, r)
	})
	mux.HandleFunc("/api/v1/appointments/retry", h.RetryPayment)
	mux.HandleFunc("/api/v1/appointments/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/appointments/session", h.SessionStatus)
	mux.HandleFunc("/api/v1/appointments/checkout/abandoned", h.AckAbandonedCheckout)
	mux.HandleFunc("/api/v1/appointments/webhook-endpoint/register", h.RegisterWebhookEndpoint)
	mux.HandleFunc("/api/v1/appointments/webhook-endpoint/remove", h.RemoveWebhookEndpoint)
	mux.HandleFunc("/webhook/", h.StripeWebhook)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		// The checkout return pages call the session status endpoint from
		// the browser.
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			MaxAge:         10 * time.Minute,
		}),
	}
	// The webhook path is open to the internet; rate limit when Redis is
	// available, otherwise fall back to the in-process limiter.
	limitPerMinute := 120
	if v, err := strconv.Atoi(config.String("RATE_LIMIT_PER_MINUTE", "120")); err == nil && v > 0 {
		limitPerMinute = v
	}
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		redisDB := 0
		if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
			redisDB = v
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		middlewares = append(middlewares, rl.Middleware(logger, isTruthy(config.String("RATE_LIMIT_FAIL_OPEN", "true"))))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		middlewares = append(middlewares, rl.Middleware())
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	handler := httpx.Chain(mux, middlewares...)
	handler = otelhttp.NewHandler(handler, "appointments")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func parseList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func isTruthy(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}
