package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/chama-payments/internal/api"
	"github.com/LeventeLantos/chama-payments/internal/auth"
	"github.com/LeventeLantos/chama-payments/internal/cache"
	"github.com/LeventeLantos/chama-payments/internal/client"
	"github.com/LeventeLantos/chama-payments/internal/config"
	"github.com/LeventeLantos/chama-payments/internal/events"
	"github.com/LeventeLantos/chama-payments/internal/ledger"
	"github.com/LeventeLantos/chama-payments/internal/metrics"
	"github.com/LeventeLantos/chama-payments/internal/reaper"
	"github.com/LeventeLantos/chama-payments/internal/repo"
	"github.com/LeventeLantos/chama-payments/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.Level})))

	if err := run(cfg); err != nil {
		slog.Error("chama payments exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, gormDB, err := repo.Open(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if cfg.Database.MigrationsEnabled {
		if err := repo.RunMigrations(sqlDB); err != nil {
			return err
		}
	}

	l, err := ledger.New(repo.NewPostgresRequestStore(sqlDB), ledger.Options{
		TTL:         cfg.Ledger.TTL,
		PhonePrefix: cfg.Ledger.PhonePrefix,
		PhoneLength: cfg.Ledger.PhoneLength,
	})
	if err != nil {
		return err
	}
	restored, err := l.Restore(ctx)
	if err != nil {
		return err
	}

	var tokens cache.TokenCache = cache.NewMemoryTokenCache()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable, using in-process token cache", "addr", cfg.Redis.Address, "error", err)
		} else {
			tokens = cache.NewRedisTokenCache(rdb)
		}
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("close event publisher", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	mpesa := client.NewMpesaClient(client.MpesaConfig{
		BaseURL:        cfg.Mpesa.BaseURL,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		ShortCode:      cfg.Mpesa.ShortCode,
		Passkey:        cfg.Mpesa.Passkey,
		CallbackURL:    cfg.Mpesa.CallbackURL,
		Timeout:        cfg.Mpesa.Timeout,
	}, tokens)

	initiator, err := service.NewInitiator(l, mpesa, m, decimal.NewFromInt(cfg.Ledger.LoginAmount), cfg.Mpesa.Timeout)
	if err != nil {
		return err
	}

	recorder := service.NewRecorder(repo.NewGormJournal(gormDB), publisher)
	reconciler := service.NewReconciler(l, m).WithHooks(recorder.OnSuccess, recorder.OnFailed)

	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
	if err != nil {
		return err
	}
	poller := service.NewPoller(l, repo.NewGormUserDirectory(gormDB), issuer, m)

	rp, err := reaper.New(cfg.Reaper.Interval, cfg.Reaper.Retention, l)
	if err != nil {
		return err
	}
	rp.OnSweep(func(expired, dropped int) {
		m.LedgerSweptTotal.WithLabelValues("expired").Add(float64(expired))
		m.LedgerSweptTotal.WithLabelValues("dropped").Add(float64(dropped))
	})
	rp.Start()
	defer rp.Stop()

	h := api.NewHandler(rp, initiator, reconciler, poller)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("chama payments starting",
		"addr", cfg.Server.Address,
		"mpesa_env", cfg.Mpesa.Env,
		"ledger_ttl", cfg.Ledger.TTL.String(),
		"restored", restored,
		"redis", cfg.Redis.Enabled,
		"kafka", cfg.Kafka.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
