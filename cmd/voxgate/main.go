package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voxgate/internal/app"
	"github.com/ent0n29/voxgate/internal/config"
	"github.com/ent0n29/voxgate/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		base := logging.Base()
		base.Fatal().Err(err).Msg("config error")
	}
	logging.Configure(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logging.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build failed")
	}
	log.Info().
		Str("voice_provider", res.Voice.Provider).
		Str("voice_detail", res.Voice.Detail).
		Msg("voice providers resolved")

	// Hijacked stream connections are not tracked by Shutdown; cancelling the
	// base context ends them.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelStreams)

	g, gctx := errgroup.WithContext(ctx)
	res.StartBackground(gctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed")
			_ = httpServer.Close()
		}
		return res.Cleanup(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
