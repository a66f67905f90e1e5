// Command syncbridge-server runs the reference assistant server:
// chat, job offers and calendar over a single websocket endpoint.
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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/freelaince/syncbridge/internal/assistant"
	"github.com/freelaince/syncbridge/internal/kvstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "syncbridge-server:", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "127.0.0.1:8765", "listen address")
	stateDSN := flag.String("state", "assistant-state.json", "state backend DSN or file path")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	_ = godotenv.Load()
	if v := os.Getenv("SYNCBRIDGE_SERVER_ADDR"); v != "" {
		*addr = v
	}
	if v := os.Getenv("SYNCBRIDGE_SERVER_STATE"); v != "" {
		*stateDSN = v
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Str("component", "assistant").Logger()

	kv, err := kvstore.Open(*stateDSN)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	defer kv.Close()

	server, err := assistant.NewServer(kv, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: *addr, Handler: server.Handler()}
	go func() {
		logger.Info().Str("addr", *addr).Msg("assistant server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("listener failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}
