package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/pocketai/pocketai-gateway/internal/gateway/accounts"
	"github.com/pocketai/pocketai-gateway/internal/gateway/auth"
	"github.com/pocketai/pocketai-gateway/internal/gateway/handlers"
	"github.com/pocketai/pocketai-gateway/internal/gateway/meter"
	"github.com/pocketai/pocketai-gateway/internal/gateway/proxy"
	"github.com/pocketai/pocketai-gateway/internal/shared/config"
	"github.com/pocketai/pocketai-gateway/internal/shared/database"
	"github.com/pocketai/pocketai-gateway/internal/shared/logging"
	"github.com/pocketai/pocketai-gateway/internal/shared/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Setup(cfg.Env, cfg.LogLevel)
	log.Info().
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Stringer("cost_mode", cfg.CostMode).
		Msg("starting pocketai gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer kv.Close()
	log.Info().Msg("connected to redis")

	var db *database.DB
	if cfg.DatabaseURL != "" {
		db, err = database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("connected to postgres request log")
	}

	tok, err := meter.NewTokenizer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load tokenizer")
	}

	store := accounts.New(kv)
	authCtl := auth.NewController(store, cfg.OpenAIAPIKey)
	forwarder := proxy.New()
	usageMeter := meter.New(store, tok, cfg.CostMode, db)
	proxyHandler := handlers.NewProxyHandler(cfg, store, authCtl, forwarder, usageMeter, db)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(handlers.RequestLogger)
	r.Use(handlers.CORSMiddleware)

	r.Get("/health", handlers.NewHealthHandler(kv))

	r.Route("/api/openai", func(r chi.Router) {
		r.HandleFunc("/*", proxyHandler.HandleUpstream)
	})
	r.Route("/api/pocketai", func(r chi.Router) {
		r.HandleFunc("/*", proxyHandler.HandleBalance)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
		// No write timeout: completion streams may legitimately run for
		// minutes; the forwarder enforces its own first-response bound.
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	log.Info().Msg("server stopped")
}
