package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/branch-queue/internal/config"
	"qms/branch-queue/internal/events"
	"qms/branch-queue/internal/httpapi"
	"qms/branch-queue/internal/hub"
	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/queue"
	"qms/branch-queue/internal/store/postgres"
	"qms/branch-queue/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	shutdownTelemetry := telemetry.Setup(telemetry.Config{
		ServiceName: "branch-queue",
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	store := postgres.NewStore(pool)
	if err := store.SeedCounters(ctx, cfg.Branch.CounterModels()); err != nil {
		log.Fatalf("seed counters: %v", err)
	}
	if err := store.SeedStaff(ctx, cfg.Branch.BootstrapStaff()); err != nil {
		log.Fatalf("seed staff: %v", err)
	}

	var manager *queue.Manager
	h := hub.New(cfg.RealtimeBuffer, func(deliver func(models.Snapshot)) { manager.WithSnapshot(deliver) })
	notifiers := queue.Notifiers{h}

	if cfg.NATSURL != "" {
		relay, conn, err := events.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			log.Printf("nats relay disabled: %v", err)
		} else {
			defer func() {
				if err := conn.Drain(); err != nil {
					log.Printf("nats drain error: %v", err)
				}
			}()
			notifiers = append(notifiers, relay)
			log.Printf("nats relay enabled url=%s prefix=%s", cfg.NATSURL, cfg.NATSSubjectPrefix)
		}
	}

	manager = queue.NewManager(store, notifiers, queue.Options{
		Counters:        cfg.Branch.CounterModels(),
		FallbackCounter: cfg.Branch.FallbackCounter,
		StoreTimeout:    cfg.StoreTimeout,
		Sessions:        store,
	})
	if err := manager.Initialize(ctx); err != nil {
		log.Fatalf("queue initialize: %v", err)
	}

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})
	handler := httpapi.NewHandler(manager, store, httpapi.Options{
		SessionTTL: cfg.SessionTTL,
		Realtime:   h.Handler("/realtime"),
		Limiter:    limiter,
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(handler.Routes(), "branch-queue"),
		ReadTimeout: 10 * time.Second,
		// streaming realtime transports hold the response open
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go manager.RunSweeper(ctx, cfg.SessionSweep)

	go func() {
		log.Printf("branch-queue listening on %s branch=%q counters=%d", server.Addr, cfg.Branch.Name, len(cfg.Branch.Counters))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
