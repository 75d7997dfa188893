package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcroom/internal/adapters/httpapi"
	"github.com/dkeye/rtcroom/internal/adapters/loopback"
	"github.com/dkeye/rtcroom/internal/adapters/rtc"
	"github.com/dkeye/rtcroom/internal/config"
	"github.com/dkeye/rtcroom/internal/engine"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	hub := httpapi.NewHub()
	hub.PingPeriod = cfg.PingPeriod
	hub.ReadLimit = cfg.ReadLimit

	transport, err := rtc.NewTransport(rtc.DefaultWebRTCConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build media transport")
	}
	if err := transport.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start media transport")
	}
	defer transport.Close()

	eng := engine.New(engine.Deps{
		Backend:           loopback.New(),
		Sink:              hub,
		Transport:         transport,
		JoinTimeout:       cfg.JoinTimeout,
		PoolLowWaterMS:    cfg.PoolLowWaterMS,
		MinPlaceholderFPS: cfg.MinMuteFPS,
		MaxPlaceholderFPS: cfg.MaxMuteFPS,
	})

	ctl := &httpapi.Controller{Engine: eng, Hub: hub}
	r := httpapi.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("rtcroom server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	_ = eng.Leave()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
