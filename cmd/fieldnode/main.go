package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ioannis-ag/IoT-emergency/internal/config"
	"github.com/ioannis-ag/IoT-emergency/internal/logger"
	"github.com/ioannis-ag/IoT-emergency/internal/node"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "fieldnode",
		Short: "Firefighter field sensor node",
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	n, err := node.New(cfg, log)
	if err != nil {
		return fmt.Errorf("building node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		log.Error("node exited with error", zap.Error(err))
		return err
	}
	log.Info("node stopped")
	return nil
}
