package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ovaladares/orca"
)

func main() {
	configPath := flag.String("config", "orca.yaml", "path to the YAML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "orcad: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}

	logg := initLogger(&cfg)

	factory, err := balancerFactory(cfg.Balancer)
	if err != nil {
		return err
	}

	cluster, err := orca.NewCluster(cfg.BindAddr, cfg.SeedNodes, cfg.Databases, &orca.Config{
		Logger:     logg,
		NodeID:     cfg.NodeID,
		Workers:    cfg.Workers,
		Balancer:   factory,
		Durability: cfg.Durability,
		StatePath:  cfg.StatePath,
		LockConfig: &orca.LockConfig{
			AcquireTimeout: cfg.Lock.AcquireTimeout,
			MinBackoff:     cfg.Lock.MinBackoff,
			MaxBackoff:     cfg.Lock.MaxBackoff,
		},
		DispatcherConfig: &orca.DispatcherConfig{
			Timeout: cfg.Dispatcher.Timeout,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}

	if err := cluster.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	server := NewServer(cluster, cfg.HTTPPort, logg)
	if err := server.Start(); err != nil {
		return err
	}

	logg.Info("orcad started", "node_id", cluster.GetNodeID(), "bind_addr", cfg.BindAddr)

	<-ctx.Done()

	logg.Info("Gracefully shutting down")

	if err := server.Stop(); err != nil {
		logg.Warn("Failed to stop HTTP server", "error", err)
	}

	return cluster.Disconnect()
}
