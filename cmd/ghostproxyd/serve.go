package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ghostproxy/ghostproxy/pkg/config"
	"github.com/ghostproxy/ghostproxy/pkg/events"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
	"github.com/ghostproxy/ghostproxy/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the proxy until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "ghostproxy.yaml", "path to the YAML config file")
	return cmd
}

func runServe(configPath string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	bus := events.New(logger)
	store := rules.NewStore()
	if _, err := store.SetFallback("default-passthrough", rules.PassThroughHandler{
		Config: rules.PassThroughConfig{NoProxySuffixes: cfg.RawPassthroughHosts},
	}); err != nil {
		return err
	}

	serverCfg, err := cfg.BuildServerConfig(store, bus)
	if err != nil {
		return err
	}
	serverCfg.Logger = logger

	srv := server.New(serverCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx)
}
