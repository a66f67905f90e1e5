// Command syncbridge is the connection and synchronization daemon for
// the assistant surfaces. It keeps a websocket to the assistant
// server alive, fans inbound messages out to registered surfaces, and
// maintains the local cache of events and offers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/freelaince/syncbridge/internal/bridge"
	"github.com/freelaince/syncbridge/internal/cache"
	"github.com/freelaince/syncbridge/internal/config"
	"github.com/freelaince/syncbridge/internal/kvstore"
	"github.com/freelaince/syncbridge/internal/protocol"
	"github.com/freelaince/syncbridge/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "syncbridge:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Str("component", "syncbridge").Logger()

	kv, err := kvstore.Open(cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	defer kv.Close()

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	store, err := cache.New(kv, logger, metrics)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}

	hub := bridge.NewHub(logger, metrics)
	defer hub.Close()

	ctrl := bridge.NewController(bridge.ControllerOptions{
		Addr:               cfg.ServerURL,
		BaseDelay:          cfg.BaseDelay,
		MaxAttempts:        cfg.MaxAttempts,
		ConnectTimeout:     cfg.ConnectTimeout,
		StatusPollInterval: cfg.StatusPollInterval,
		Hub:                hub,
		Logger:             logger,
		Metrics:            metrics,
	})
	defer ctrl.Close()

	router := bridge.NewRouter(ctrl, hub, logger, metrics)
	ctrl.SetFrameHandler(router.DispatchFrame)

	for _, t := range []protocol.MessageType{
		protocol.TypeScheduleData,
		protocol.TypeOffersData,
		protocol.TypeConversationHistory,
		protocol.TypeEventAdded,
		protocol.TypeEventUpdated,
		protocol.TypeEventDeleted,
		protocol.TypeOfferStatusUpdated,
	} {
		router.Handle(t, store.HandleEnvelope)
	}
	store.SetRefetch(func(t protocol.MessageType) {
		if err := router.Send(protocol.New(t)); err != nil {
			logger.Debug().Str("type", string(t)).Err(err).Msg("refetch deferred until reconnect")
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A config edit that changes the server URL tears the channel down
	// and reconnects immediately with a fresh retry budget.
	err = config.Watch(ctx, *configPath, logger, func(next config.Config) {
		if next.ServerURL != cfg.ServerURL {
			logger.Info().Str("server_url", next.ServerURL).Msg("server address changed, reconnecting")
			ctrl.SetAddress(next.ServerURL)
		}
		cfg = next
	})
	if err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable, edits require a restart")
	}

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "state=%s attempts=%d surfaces=%d\n", ctrl.State(), ctrl.Attempts(), hub.Count())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("admin endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin endpoint failed")
		}
	}()

	logger.Info().Str("server_url", cfg.ServerURL).Msg("connecting to assistant server")
	if err := ctrl.Connect(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	ctrl.Disconnect()
	return nil
}
