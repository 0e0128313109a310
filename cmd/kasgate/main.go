package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/KasGate/server/internal/config"
	"github.com/KasGate/server/internal/logger"
	"github.com/KasGate/server/pkg/kasgate"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Optional .env for local development; env vars still win.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger config may itself be broken, so report on stderr.
		os.Stderr.WriteString("kasgate: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "kasgate",
		Version:     version,
		Environment: cfg.Logging.Environment,
	})

	engine, err := kasgate.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- engine.Start(ctx) }()

	log.Info().
		Str("network", cfg.Network.Name).
		Str("addr", cfg.Server.Address()).
		Msg("kasgate started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown finished with errors")
		os.Exit(1)
	}
	log.Info().Msg("kasgate stopped")
}
