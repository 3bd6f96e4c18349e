// Package app wires configuration, storage, the dispatch core, and the HTTP
// server into a running service.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/fitbite/restaurant-dispatch/internal/domain/dispatch"
	"github.com/fitbite/restaurant-dispatch/internal/handler"
	"github.com/fitbite/restaurant-dispatch/internal/storage/postgres"
	"github.com/fitbite/restaurant-dispatch/pkg/health"
	"github.com/fitbite/restaurant-dispatch/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the background
// reaper, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.DatabaseCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Storage.
	orderRepo := postgres.NewOrderRepository(pool)
	assignmentRepo := postgres.NewAssignmentRepository(pool)
	finder := postgres.NewRestaurantFinder(pool)

	// Dispatch core.
	broadcaster := dispatch.NewBroadcaster(assignmentRepo, orderRepo, cfg.Dispatch.OfferWindow)
	resolver := dispatch.NewResolver(assignmentRepo, orderRepo)
	reaper, err := dispatch.NewReaper(assignmentRepo, orderRepo, m.MeterProvider().Meter("dispatch"))
	if err != nil {
		return errors.Wrap(err, "create reaper")
	}
	coordinator := dispatch.NewCoordinator(finder, broadcaster, resolver, reaper, assignmentRepo,
		dispatch.CoordinatorConfig{
			MaxCandidates: cfg.Dispatch.MaxCandidates,
			MaxRadiusKm:   decimal.NewFromFloat(cfg.Dispatch.MaxRadiusKm),
		},
		m.TracerProvider(),
	)

	// Background reaper sweeps in addition to on-demand check_expired calls.
	go reaper.Run(zctx.Base(ctx, lg.Named("reaper")), cfg.Dispatch.ReapInterval)

	// HTTP surface: health endpoints + the order webhook on one server.
	webhook, err := handler.NewHandler(coordinator, m.MeterProvider().Meter("dispatch.webhook"))
	if err != nil {
		return errors.Wrap(err, "create webhook handler")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/webhook/orders", otelhttp.NewHandler(
		http.HandlerFunc(webhook.Webhook), "webhook.orders",
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins: cfg.CORS.Origins,
				AllowHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:       86400,
			}),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
