package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bhandras/cabin/internal/agent"
	"github.com/bhandras/cabin/internal/config"
	"github.com/bhandras/cabin/internal/input"
	"github.com/bhandras/cabin/internal/transport"
	"github.com/bhandras/cabin/pkg/logger"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := parseFlags(cfg, os.Args[1:]); err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.Debug {
		level = logger.LevelDebug
	}
	logger.SetLevel(level)

	logger.Infof("Cabin home: %s", cfg.CabinHome)
	logger.Infof("Bus: %s", cfg.BusURL)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	tr := transport.NewWebsocket(cfg.BusURL)
	defer tr.Close()

	d := agent.New(cfg, tr, func() input.Source { return input.NewStdin() })

	logger.Infof("Cabin agent started! Press Ctrl+C to exit.")
	return d.Run(ctx)
}

func parseFlags(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("cabin", flag.ContinueOnError)

	url := fs.String("url", "", "websocket URL of the ECU bus")
	logLevel := fs.String("log-level", "", "log verbosity (trace|debug|info|warn|error)")
	debug := fs.Bool("debug", false, "enable debug logging and the state dump")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *url != "" {
		cfg.BusURL = *url
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *debug {
		cfg.Debug = true
	}
	return nil
}
