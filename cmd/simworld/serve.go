package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/runtime"
)

// ServeCmd starts the simulation server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`

	// Store options for zero-config startup.
	Storage   string `help:"Storage backend: memory, sqlite, postgres, mysql (default: memory)." placeholder:"BACKEND"`
	StorageDB string `name:"storage-db" help:"Storage database path or DSN." placeholder:"PATH"`

	GatewayURL string `name:"gateway-url" help:"LM gateway base URL (overrides config)." placeholder:"URL"`

	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Stop()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.GatewayURL != "" {
		cfg.Gateway.BaseURL = c.GatewayURL
	}
	if _, err := config.ProcessConfigPipeline(cfg); err != nil {
		return err
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	fmt.Printf("\nsimworld server ready\n")
	fmt.Printf("   API:       http://%s:%d/worlds\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Health:    http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.Observability.MetricsEnabled {
		fmt.Printf("   Metrics:   http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	}
	fmt.Printf("   Websocket: ws://%s:%d/worlds/{id}/ws\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.Store.Backend == "sql" {
		fmt.Printf("   Storage:   %s (%s)\n", cfg.Store.Database.Driver, cfg.Store.Database.Database)
	} else {
		fmt.Printf("   Storage:   in-memory (not persisted)\n")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return rt.Serve(ctx)
}

// loadConfig loads configuration from file or builds a zero-config default.
func (c *ServeCmd) loadConfig(ctx context.Context, configPath string) (*config.Config, *config.Loader, error) {
	if configPath == "" {
		cfg := config.Default()
		c.applyStorageFlags(cfg)
		slog.Info("Using zero-config mode")
		return cfg, nil, nil
	}

	loader, err := config.NewLoader(config.LoaderOptions{
		Type:  config.SourceTypeFile,
		Path:  configPath,
		Watch: c.Watch,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	c.applyStorageFlags(cfg)
	slog.Info("Loaded configuration", "path", configPath)
	return cfg, loader, nil
}

func (c *ServeCmd) applyStorageFlags(cfg *config.Config) {
	switch c.Storage {
	case "", "memory":
		if c.Storage == "memory" {
			cfg.Store.Backend = "memory"
		}
	case "sqlite", "sqlite3":
		cfg.Store.Backend = "sql"
		cfg.Store.Database.Driver = "sqlite"
		if c.StorageDB != "" {
			cfg.Store.Database.Database = c.StorageDB
		}
	case "postgres", "mysql":
		cfg.Store.Backend = "sql"
		cfg.Store.Database.Driver = c.Storage
		if c.StorageDB != "" {
			cfg.Store.Database.Database = c.StorageDB
		}
	default:
		slog.Warn("Unknown storage backend, keeping config value", "storage", c.Storage)
	}
}
