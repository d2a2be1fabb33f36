// Package main provides the entry point for the go-mmgbridge daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/config"
	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/resident-x/go-mmgbridge/internal/pubsub"
	"github.com/resident-x/go-mmgbridge/internal/service"
	"github.com/resident-x/go-mmgbridge/internal/service/influx"
	"github.com/resident-x/go-mmgbridge/internal/validation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run(os.Args[1:])
	os.Exit(code)
}

func run(args []string) int {
	flags := flag.NewFlagSet("mmgbridge", flag.ContinueOnError)
	configFile := flags.String("config", "config.yaml", "Path to configuration file")
	showVersion := flags.Bool("version", false, "Show version information")
	validateOnly := flags.Bool("validate", false, "Validate the configuration and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Printf("go-mmgbridge %s\n", Version)
		return 0
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)

	result := validation.NewConfigValidator(log.Logger).Validate(cfg)
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Interface("value", w.Value).Msg(w.Message)
	}
	if err := result.Err(); err != nil {
		log.Error().Err(err).Str("summary", result.Summary()).Msg("Invalid configuration")
		return 1
	}
	if *validateOnly {
		fmt.Printf("configuration %s: %s\n", *configFile, result.Summary())
		return 0
	}

	log.Info().Str("version", Version).Msg("Starting go-mmgbridge")
	cfg.Print()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := service.NewBridgeServer(cfg, pubsub.NewClient(&cfg.MQTT), newResultSink(cfg))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create bridge server")
		return 1
	}

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start bridge server")
		_ = srv.Stop(context.Background())
		return 1
	}

	log.Info().Msg("Bridge server started successfully")

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping server")
		return 1
	}

	log.Info().Msg("Server stopped")
	return 0
}

// newResultSink returns the InfluxDB sink when enabled and a no-op sink otherwise.
func newResultSink(cfg *config.Config) domain.ResultSink {
	if !cfg.Influx.Enabled {
		return influx.NewNoopClient()
	}
	return influx.NewClient(influx.Config{
		URL:         cfg.Influx.URL,
		Token:       cfg.Influx.Token,
		Org:         cfg.Influx.Org,
		Bucket:      cfg.Influx.Bucket,
		Measurement: cfg.Influx.Measurement,
	}, log.Logger)
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
