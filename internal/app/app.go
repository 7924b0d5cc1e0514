// Package app wires the billsyncd HTTP service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/billsync/internal/config"
	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billing"
	billingprom "github.com/mihaimyh/billsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/billsync/pkg/billing/stripe"
	"github.com/mihaimyh/billsync/pkg/billsync"
	zlog "github.com/mihaimyh/billsync/pkg/billsync/logger/zerolog"
	billsyncprom "github.com/mihaimyh/billsync/pkg/billsync/metrics/prometheus"
)

// App is the assembled service.
type App struct {
	server   *http.Server
	logger   zerolog.Logger
	engine   *billsync.Engine
	shutdown time.Duration
	close    func() error
}

// New opens the configured storage and builds the HTTP service.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	log := zlog.NewLogger(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	syncMetrics := billsyncprom.NewMetrics(reg, cfg.Engine.MetricsNamespace)
	billingMetrics := billingprom.NewMetrics(reg, cfg.Engine.MetricsNamespace)

	store, closeStore, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}

	var (
		records billsync.Store    = store
		audit   billsync.AuditLog = store
	)
	if cfg.Storage.CircuitBreaker {
		cb := billsync.NewDefaultCircuitBreaker(billsync.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: cfg.Storage.CircuitBreakerFailures,
			ResetTimeout:     cfg.Storage.CircuitBreakerReset,
		}, func(state billsync.CircuitBreakerState) {
			syncMetrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn().Str("state", string(state)).Msg("storage circuit breaker changed state")
		})
		guarded := billsync.NewCircuitBreakerStore(store, store, cb)
		records, audit = guarded, guarded
	}

	engine, err := billsync.NewEngine(billsync.Config{
		Store:            billsync.NewInstrumentedStore(records, syncMetrics),
		Audit:            audit,
		Dedup:            store,
		DedupTTL:         cfg.Engine.DedupTTL,
		MaxAttempts:      cfg.Engine.MaxAttempts,
		OperationTimeout: cfg.Engine.OperationTimeout,
		Metrics:          syncMetrics,
		Logger:           log,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Engine:        engine,
			APIKey:        cfg.Stripe.APIKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Metrics:       billingMetrics,
			Logger:        log,
			OnRecordChange: func(ctx context.Context, event billing.RecordChange) error {
				logger.Info().
					Str("userId", event.UserID).
					Str("previousTier", event.PreviousTier).
					Str("newTier", event.NewTier).
					Msg("plan tier changed")
				return nil
			},
		},
		WebhookTolerance: cfg.Stripe.WebhookTolerance,
		BackendURL:       cfg.Stripe.BackendURL,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	service, err := billing.NewService(billing.ServiceConfig{
		Engine:     engine,
		Processor:  provider,
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
		Metrics:    billingMetrics,
		Logger:     log,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	handler, err := api.NewHandler(api.Config{
		Engine:    engine,
		Service:   service,
		Webhook:   provider.WebhookHandler(),
		GetUserID: api.FromHeader(cfg.HTTP.UserIDHeader),
		Logger:    log,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	return &App{
		server: &http.Server{
			Addr:         cfg.HTTP.Address,
			Handler:      routes(handler, reg, logger),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		},
		logger:   logger,
		engine:   engine,
		shutdown: cfg.HTTP.ShutdownTimeout,
		close:    closeStore,
	}, nil
}

func routes(handler *api.Handler, reg *prometheus.Registry, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, requestLogger(logger))

	r.Mount("/billing", handler.Routes())
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// requestLogger logs one line per request, skipping probes and scrapes.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("requestId", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Engine returns the reconciliation engine.
func (a *App) Engine() *billsync.Engine {
	return a.engine
}

// Run serves until ctx is canceled, then drains in-flight requests and closes storage.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		_ = a.close()
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("address", ln.Addr().String()).Msg("HTTP server starting")
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		timeoutCtx, cancel := context.WithTimeout(context.Background(), a.shutdown)
		defer cancel()
		a.logger.Info().Msg("shutting down HTTP server gracefully")
		return a.server.Shutdown(timeoutCtx)
	})

	err := g.Wait()
	if cerr := a.close(); cerr != nil {
		a.logger.Error().Err(cerr).Msg("closing storage")
	}
	return err
}

// ParseLevel maps a config level name onto zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
