package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/adred-codev/pixelflut/internal/monitoring"
	"github.com/adred-codev/pixelflut/internal/platform"
	"github.com/adred-codev/pixelflut/internal/server"
	"github.com/adred-codev/pixelflut/internal/types"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug   = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		workers = flag.Int("workers", -1, "IO workers, 0 = one per GOMAXPROCS (overrides PIXELFLUT_IO_WORKERS)")
		size    = flag.String("size", "", "canvas size as WIDTHxHEIGHT (overrides PIXELFLUT_WIDTH/HEIGHT)")
	)
	flag.Parse()

	// Basic logger until the configured one exists
	bootLog := log.New(os.Stdout, "[PIXELFLUT] ", log.LstdFlags)

	// automaxprocs has already aligned GOMAXPROCS with the container quota.
	bootLog.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		bootLog.Fatalf("Failed to load configuration: %v", err)
	}

	if *debug {
		cfg.LogLevel = string(types.LogLevelDebug)
	}
	if *workers >= 0 {
		cfg.IOWorkers = *workers
	}
	if *size != "" {
		w, h, err := platform.ParseSize(*size)
		if err != nil {
			bootLog.Fatalf("Invalid -size: %v", err)
		}
		cfg.Width, cfg.Height = w, h
	}
	if err := cfg.Validate(); err != nil {
		bootLog.Fatalf("Invalid configuration: %v", err)
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	srv, err := server.NewServer(cfg.ServerConfig(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	if err := srv.Start(); err != nil {
		srv.Shutdown()
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
