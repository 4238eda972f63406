package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"ddcollect/internal/common/nats"
	"ddcollect/internal/notify"
)

// Config holds worker configuration
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	Stream      string `envconfig:"EVENT_STREAM" default:"DDCOLLECT"`
	Consumer    string `envconfig:"EVENT_CONSUMER" default:"ddworker"`

	NATS nats.Config
}

func main() {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	if _, err := natsClient.EnsureStream(ctx, nats.DefaultStreamConfig(cfg.Stream, []string{"events.>"})); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	consumer, err := natsClient.EnsureConsumer(ctx, nats.DefaultConsumerConfig(cfg.Consumer, cfg.Stream, "events.>"))
	if err != nil {
		logger.Error("failed to ensure consumer", "error", err)
		os.Exit(1)
	}

	dispatcher := notify.NewDispatcher(logger)
	subscriber := nats.NewSubscriber(consumer, logger)

	logger.Info("worker started",
		"stream", cfg.Stream,
		"consumer", cfg.Consumer,
		"environment", cfg.Environment,
	)

	if err := subscriber.Start(ctx, dispatcher.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("subscriber stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("worker stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
