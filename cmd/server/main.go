package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/loopmarket/loop-engine/internal/api"
	"github.com/loopmarket/loop-engine/internal/engine"
	"github.com/loopmarket/loop-engine/internal/metrics"
	"github.com/loopmarket/loop-engine/internal/snapshot"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Snapshot store ---
	var snaps snapshot.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		snaps = snapshot.NewPostgresStore(pool)
		slog.Info("snapshots backed by PostgreSQL")
	} else if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		snaps = snapshot.NewRedisStore(rdb, 0)
		slog.Info("snapshots backed by Redis")
	} else {
		slog.Warn("DATABASE_URL and REDIS_URL not set, graph state will not persist")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Engine configuration ---
	cfg := engine.Config{
		MaxLoopLength:    envInt("MAX_LOOP_LENGTH", 0),
		DiscoveryTimeout: time.Duration(envInt("DISCOVERY_TIMEOUT_MS", 0)) * time.Millisecond,
		LoopTTL:          time.Duration(envInt("LOOP_TTL_MS", 0)) * time.Millisecond,
	}
	if v := os.Getenv("MIN_EFFICIENCY"); v != "" {
		min, err := decimal.NewFromString(v)
		if err != nil {
			slog.Error("invalid MIN_EFFICIENCY", "err", err)
			os.Exit(1)
		}
		cfg.MinEfficiency = min
	}

	// --- Event hub ---
	hub := api.NewHub()
	go hub.Run()

	// --- Engine ---
	eng := engine.New(cfg, hub, snaps)
	defer eng.Close()

	if err := eng.Restore(context.Background()); err != nil {
		slog.Error("snapshot restore failed", "err", err)
		os.Exit(1)
	}

	svc := api.NewService(eng)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"loop-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the loop event feed.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("loop-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down loop-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("loop-engine stopped")
}

// envInt reads an integer environment variable, falling back on absence
// or parse failure.
func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid env value", "name", name, "value", v)
		return fallback
	}
	return n
}
