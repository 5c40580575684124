package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaperf/internal/config"
	"github.com/piwi3910/rdmaperf/internal/metrics"
	"github.com/piwi3910/rdmaperf/internal/server"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	port := flag.Int("port", 0, "Control port (default 19765)")
	backend := flag.String("backend", "", "Verbs backend: simulated or verbs")
	metricsPort := flag.Int("metrics-port", 0, "Serve /metrics and /health on this port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rdmaperfd %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	metrics.Version = version

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configPath, config.Options{
		ListenPort:  *port,
		Backend:     *backend,
		MetricsPort: *metricsPort,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.LogLevel != "" {
		level, _ := zerolog.ParseLevel(cfg.LogLevel)
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("backend", cfg.Backend).
		Msg("Starting rdmaperfd")

	verbs, err := rdma.NewBackend(cfg.Backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open verbs backend")
	}

	srv, err := server.New(server.Config{
		Port:           cfg.ListenPort,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPort:    cfg.Metrics.Port,
		NodeID:         cfg.NodeID,
		BackendName:    cfg.Backend,
		Timeout:        cfg.Defaults.Timeout,
	}, verbs, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("rdmaperfd shutdown complete")
}
