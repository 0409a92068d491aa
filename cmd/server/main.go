package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/cloakex/venue-engine/internal/auth"
	"github.com/cloakex/venue-engine/internal/escrow"
	"github.com/cloakex/venue-engine/internal/metrics"
	"github.com/cloakex/venue-engine/internal/orderbook"
	"github.com/cloakex/venue-engine/internal/store"
	"github.com/cloakex/venue-engine/internal/venue"
	"github.com/cloakex/venue-engine/internal/verifier"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	admin := os.Getenv("VENUE_ADMIN")
	if admin == "" {
		slog.Error("VENUE_ADMIN must be set")
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Authentication guard ---
	var guard auth.Guard
	if tokens := parseAuthTokens(os.Getenv("VENUE_AUTH_TOKENS")); len(tokens) > 0 {
		guard = auth.NewStaticTokenGuard(tokens)
	} else {
		slog.Warn("VENUE_AUTH_TOKENS not set, accepting all callers")
		guard = auth.AllowAll{}
	}

	// --- Order book + escrow ledger ---
	book := orderbook.New(st, guard, verifier.Noop{}, orderbook.Config{
		Admin:      admin,
		Registry:   os.Getenv("VENUE_REGISTRY"),
		Settlement: os.Getenv("VENUE_SETTLEMENT"),
	})
	ledger := escrow.NewLedger(st)

	// --- WebSocket hub ---
	wsHub := venue.NewWSHub()
	go wsHub.Run()

	// --- Venue service ---
	svc := venue.NewService(book, ledger, guard, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(venue.CredentialMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"venue-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("venue-engine listening", "port", port)
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

	slog.Info("shutting down venue-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("venue-engine stopped")
}

// parseAuthTokens parses VENUE_AUTH_TOKENS of the form
// "identity:token,identity:token".
func parseAuthTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		id, token, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" || token == "" {
			continue
		}
		tokens[id] = token
	}
	return tokens
}
