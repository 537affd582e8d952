package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-oidc-keys/issuer"
	"github.com/tinywideclouds/go-oidc-keys/issuerservice"
	"github.com/tinywideclouds/go-oidc-keys/issuerservice/config"
)

//go:embed local.yaml
var configFile []byte

type CLI struct {
	Config  string `type:"existingfile" help:"YAML config file. The embedded local.yaml is used when unset."`
	EnvFile string `name:"env-file" help:"File of KEY=value pairs loaded before environment overrides. Defaults to .env when present."`

	Serve ServeCmd `cmd:"" default:"1" help:"Serve the discovery documents and token API."`
	Prune PruneCmd `cmd:"" help:"Prune expired keys in every namespace once and exit."`
}

type ServeCmd struct{}

func (cmd *ServeCmd) Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize key store: %w", err)
	}
	defer closeStore()

	// The base server exposes the default registry on /metrics.
	metrics, err := issuer.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	registry, err := newRegistry(cfg, store, metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to build issuers: %w", err)
	}

	authMiddleware, err := newAuthMiddleware(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize authentication middleware: %w", err)
	}

	service := issuerservice.New(cfg, registry, authMiddleware, nil, logger)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "address", cfg.HTTPListenAddr, "namespaces", len(cfg.Namespaces))
		errChan <- service.Start()
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("service failed: %w", err)
	case <-ctx.Done():
		logger.Info("OS signal received, initiating shutdown.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("service shutdown failed: %w", err)
	}
	logger.Info("Service shutdown complete")
	return nil
}

type PruneCmd struct{}

func (cmd *PruneCmd) Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize key store: %w", err)
	}
	defer closeStore()

	registry, err := newRegistry(cfg, store, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to build issuers: %w", err)
	}

	dropped, err := issuer.NewPruner(registry, cfg.PruneInterval, logger).PruneAll(ctx)
	logger.Info("Prune complete", "dropped", dropped)
	return err
}

// loadConfig runs both configuration stages: YAML, then .env and environment.
func loadConfig(cli *CLI, logger *slog.Logger) (*config.Config, error) {
	data := configFile
	if cli.Config != "" {
		var err error
		if data, err = os.ReadFile(cli.Config); err != nil {
			return nil, fmt.Errorf("failed to read config file at %s: %w", cli.Config, err)
		}
	}

	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration from YAML: %w", err)
	}

	if err := config.LoadEnvFile(cli.EnvFile, logger); err != nil {
		return nil, err
	}
	return config.UpdateConfigWithEnvOverrides(baseCfg, logger)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	cliCtx := kong.Parse(&cli,
		kong.Name("oidc-keys"),
		kong.Description("Signing-key lifecycle service for an OIDC-style token issuer."),
	)

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(&cli, logger)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)
	logger.Info("Configuration loaded", "run_mode", cfg.RunMode, "backend", cfg.Storage.Backend)

	cliCtx.BindTo(ctx, (*context.Context)(nil))
	cliCtx.Bind(cfg)
	cliCtx.Bind(logger)

	if err := cliCtx.Run(); err != nil {
		logger.Error("Command failed", "err", err)
		os.Exit(1)
	}
}
