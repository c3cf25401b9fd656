package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/acheong08/deptags/internal/app"
	"github.com/acheong08/deptags/internal/config"
	"github.com/acheong08/deptags/internal/ctxlog"
	"github.com/acheong08/deptags/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Config file (default: <user config dir>/deptags/config.yaml)")
	listen := flag.String("listen", "", "Listen address (default from config or DEPTAGS_LISTEN)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := ctxlog.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	srv := server.New(ctx, app.New(cfg))
	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil {
		logger.Error("server failed", "error", err)
		stop()
		os.Exit(1)
	}
}
