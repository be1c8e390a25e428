package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/config"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "traced: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("traced", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "listen host")
	flagSet.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "listen port")
	flagSet.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level (debug, info, warn, error)")
	flagSet.StringVar(&cfg.Service.ShmBackend, "shm-backend", cfg.Service.ShmBackend, "shared memory backend (heap, memfd)")
	flagSet.BoolVar(&cfg.Probes.StatsEnabled, "stats-probe", cfg.Probes.StatsEnabled, "register the traced.service_stats data source")
	dev := flagSet.Bool("dev", false, "development mode (console logs, debug level)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
