package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jason-s-yu/trivia/internal/auth"
	"github.com/jason-s-yu/trivia/internal/cache"
	"github.com/jason-s-yu/trivia/internal/config"
	"github.com/jason-s-yu/trivia/internal/coordinator"
	"github.com/jason-s-yu/trivia/internal/database"
	"github.com/jason-s-yu/trivia/internal/finalizer"
	"github.com/jason-s-yu/trivia/internal/handlers"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// serve runs the coordinator and HTTP server until ctx is canceled or either fails.
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	var verifier handlers.TokenVerifier
	if cfg.AuthPublicKey != "" {
		pub, err := auth.ParsePublicKey(cfg.AuthPublicKey)
		if err != nil {
			return fmt.Errorf("auth_public_key: %w", err)
		}
		verifier = auth.NewVerifier(pub)
		logger.Info("handshake tokens required")
	}

	var fin finalizer.Finalizer
	switch cfg.FinalizerBackend {
	case config.BackendHTTP:
		h, err := finalizer.NewHTTP(cfg.FinalizerURL, cfg.FinalizerPath, &http.Client{})
		if err != nil {
			return err
		}
		fin = h
	case config.BackendPostgres:
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		fin = finalizer.NewPostgres(pool)
	}
	logger.WithField("backend", cfg.FinalizerBackend).Info("session finalizer configured")

	var journal finalizer.Journal
	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		journal = cache.NewJournal(rdb, cfg.JournalQueue)
		logger.WithField("queue", cfg.JournalQueue).Info("result journal enabled")
	}

	coord := coordinator.New(coordinator.Config{
		RoundDuration:   cfg.RoundDuration,
		DisconnectGrace: cfg.DisconnectGrace,
		SweepInterval:   cfg.SweepInterval,
		MinPlayers:      cfg.MinPlayers,
		MaxPlayers:      cfg.MaxPlayers,
		Finalize: finalizer.Config{
			Timeout:  cfg.FinalizerTimeout,
			Attempts: cfg.FinalizeAttempts,
			Backoff:  cfg.FinalizeBackoff,
		},
	}, clockwork.NewRealClock(), fin, journal, logger)

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.NewRouter(logger, coord, verifier, handlers.WSConfig{
			AllowedOrigins: cfg.AllowedOrigins,
			OutboundBuffer: cfg.OutboundBuffer,
			PingInterval:   cfg.PingInterval,
			ReadLimit:      cfg.ReadLimit,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := coord.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", srv.Addr).Info("trivia server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited gracefully")
	return nil
}
