// chat2graph gateway: polls assistant jobs and streams their thinking to browsers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ashureev/chat2graph-gateway/internal/api"
	"github.com/ashureev/chat2graph-gateway/internal/config"
	"github.com/ashureev/chat2graph-gateway/internal/health"
	"github.com/ashureev/chat2graph-gateway/internal/identity"
	"github.com/ashureev/chat2graph-gateway/internal/metrics"
	"github.com/ashureev/chat2graph-gateway/internal/middleware"
	"github.com/ashureev/chat2graph-gateway/internal/poller"
	"github.com/ashureev/chat2graph-gateway/internal/store"
	"github.com/ashureev/chat2graph-gateway/internal/stream"
	"github.com/ashureev/chat2graph-gateway/internal/tracker"
	"github.com/ashureev/chat2graph-gateway/internal/transcript"
	"github.com/ashureev/chat2graph-gateway/internal/upstream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting gateway", "port", cfg.Port, "upstream", cfg.UpstreamURL, "dev", cfg.IsDevelopment())

	if err := run(cfg, logger); err != nil {
		slog.Error("Gateway stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Gateway stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	client, err := upstream.New(cfg.UpstreamURL,
		upstream.WithTimeout(cfg.UpstreamTimeout),
		upstream.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		// The gateway still serves cached data; the health probe tracks recovery.
		slog.Warn("Assistant backend not reachable at startup", "error", err)
	}

	transcripts, err := transcript.New(transcript.Config{
		Enabled:       cfg.Transcript.Enabled,
		Dir:           cfg.Transcript.Dir,
		GlobalEnabled: cfg.Transcript.GlobalEnabled,
		GlobalPath:    cfg.Transcript.GlobalPath,
		QueueSize:     cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Warn("Failed to close transcript logger", "error", closeErr)
		}
	}()

	sched := poller.New(client,
		poller.WithInterval(cfg.Poll.Interval),
		poller.WithBackoff(cfg.Poll.BackoffMultiplier, cfg.Poll.MaxInterval),
		poller.WithMaxWait(cfg.Poll.MaxWait),
		poller.WithMaxConsecutiveErrors(cfg.Poll.MaxConsecutiveErr),
		poller.WithLogger(logger),
		poller.WithObserver(metrics.PollObserver{}),
	)
	jobs := tracker.New(sched,
		tracker.WithStore(repo),
		tracker.WithTranscript(transcripts),
		tracker.WithLogger(logger),
	)
	// Closed before the transcript logger and the repository.
	defer jobs.Close()

	healthSrv := health.NewServer(
		health.WithProbe(health.ServiceUpstream, client),
		health.WithProbe(health.ServiceStore, repo),
		health.WithLogger(logger),
	)

	// Initialize handlers.
	baseHandler := api.NewHandler(client, repo)
	sessionHandler := api.NewSessionHandler(baseHandler, jobs, cfg.ChatRateLimit, cfg.ChatRateWindow)
	jobHandler := api.NewJobHandler(baseHandler)
	kbHandler := api.NewKnowledgebaseHandler(baseHandler, cfg.MaxUploadSize)
	registry := stream.NewRegistry()
	wsHandler := stream.NewHandler(jobs, registry, cfg.AllowedOrigins(), cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(middleware.Metrics)
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	r.Get("/ready", healthSrv.ReadyHandler())
	r.Handle("/metrics", promhttp.Handler())

	sessionHandler.RegisterRoutes(r)
	jobHandler.RegisterRoutes(r)
	kbHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Websocket streams are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
	if err != nil {
		return err
	}

	store.StartRetentionWorker(ctx, repo, cfg.CacheRetention)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := healthSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		healthSrv.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// Wait for shutdown signal or a server failure.
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		registry.CloseAll()
		healthSrv.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	return g.Wait()
}
