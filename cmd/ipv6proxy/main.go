package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/app"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/config"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ipv6proxy start failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		fmt.Print(config.Usage("ipv6proxy"))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.Init(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	logger.InfoObj("ipv6proxy starting", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := app.NewGateway(ctx, cfg, log)
	if err != nil {
		logger.ErrorObj("failed to initialize gateway", "error", err)
		return err
	}

	if err := gateway.Run(ctx); err != nil {
		return fmt.Errorf("gateway run: %w", err)
	}

	return nil
}
