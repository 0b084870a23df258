// Package main provides the gridflex binary entry point.
// Gridflex runs the flexibility trading coordinators on a semstreams
// platform: grid operators, aggregators, balance-responsible parties,
// metering companies, and the common reference registry, all exchanging
// protocol documents over NATS JetStream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/componentregistry"
	"github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/service"
	"github.com/c360studio/semstreams/types"
	"github.com/spf13/cobra"

	"github.com/c360studio/gridflex/coordinator/agr"
	"github.com/c360studio/gridflex/coordinator/brp"
	"github.com/c360studio/gridflex/coordinator/cro"
	"github.com/c360studio/gridflex/coordinator/dso"
	"github.com/c360studio/gridflex/coordinator/mdc"
	"github.com/c360studio/gridflex/protocol"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "gridflex"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "gridflex",
		Short: "Flexibility trading engine",
		Long: `Gridflex runs the coordinators of a flexibility trading market:

- dso: grades grid forecasts, procures flexibility, settles periods
- agr: answers flex requests with offers, keeps prognoses current
- brp: submits energy plans before gate closure
- mdc: serves metered readings for settlement
- cro: serves the participant registry

All coordinators communicate via NATS JetStream using the semstreams
framework. Without a config file a single-node demo topology with one
participant of each role is started.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML/JSON)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	if err := ensureStreams(ctx, cfg, natsClient, logger); err != nil {
		return err
	}

	slog.Info("Gridflex ready", "version", Version)

	metricsRegistry := metric.NewMetricsRegistry()
	platform := extractPlatformMeta(cfg)

	configManager, err := config.NewConfigManager(cfg, natsClient, logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := configManager.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer configManager.Stop(5 * time.Second)

	slog.Info("Platform identity configured",
		"org", platform.Org,
		"platform", platform.Platform)

	componentRegistry := component.NewRegistry()

	slog.Debug("Registering semstreams component factories")
	if err := componentregistry.Register(componentRegistry); err != nil {
		return fmt.Errorf("register semstreams components: %w", err)
	}

	slog.Debug("Registering coordinator factories")
	if err := dso.Register(componentRegistry); err != nil {
		return fmt.Errorf("register dso-coordinator: %w", err)
	}
	if err := agr.Register(componentRegistry); err != nil {
		return fmt.Errorf("register agr-coordinator: %w", err)
	}
	if err := brp.Register(componentRegistry); err != nil {
		return fmt.Errorf("register brp-coordinator: %w", err)
	}
	if err := mdc.Register(componentRegistry); err != nil {
		return fmt.Errorf("register mdc-coordinator: %w", err)
	}
	if err := cro.Register(componentRegistry); err != nil {
		return fmt.Errorf("register cro-coordinator: %w", err)
	}

	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	serviceRegistry := service.NewServiceRegistry()
	if err := service.RegisterAll(serviceRegistry); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	manager := service.NewServiceManager(serviceRegistry)
	ensureServiceManagerConfig(cfg)

	svcDeps := &service.Dependencies{
		NATSClient:        natsClient,
		MetricsRegistry:   metricsRegistry,
		Logger:            logger,
		Platform:          platform,
		Manager:           configManager,
		ComponentRegistry: componentRegistry,
		PayloadRegistry:   protocol.Registry(),
	}

	if err := configureAndCreateServices(cfg, manager, svcDeps); err != nil {
		return err
	}

	slog.Info("All services configured")

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("Starting all services")
	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("All services started successfully")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownTimeout := 30 * time.Second
	if err := manager.StopAll(shutdownTimeout); err != nil {
		slog.Error("Error stopping services", "error", err)
	}

	slog.Info("Gridflex shutdown complete")
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return loadConfigWithEnvSubstitution(configPath)
	}
	return buildDemoConfig()
}

// loadConfigWithEnvSubstitution reads a config file and expands environment
// variables before parsing. Supports ${VAR} and $VAR syntax.
func loadConfigWithEnvSubstitution(configPath string) (*config.Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := config.ExpandEnvWithDefaults(string(data))

	loader := config.NewLoader()
	return loader.LoadFromBytes([]byte(expanded))
}

// buildDemoConfig wires a single-node market: one participant per role,
// all trading the cp-north congestion point, with compressed delays so the
// day-ahead cycle is observable in minutes.
func buildDemoConfig() (*config.Config, error) {
	const (
		dsoDomain = "dso.gridflex.local"
		agrDomain = "agr.gridflex.local"
		brpDomain = "brp.gridflex.local"
		mdcDomain = "mdc.gridflex.local"
		croDomain = "cro.gridflex.local"
		group     = "cp-north"
	)

	dsoConfig, _ := json.Marshal(map[string]any{
		"participant_domain": dsoDomain,
		"grid_limits":        map[string]int64{group: 1_500_000},
		"time_factor":        60,
		"contracts": []map[string]any{
			{"domain": agrDomain, "role": "agr", "connection_groups": []string{group}},
			{"domain": brpDomain, "role": "brp", "connection_groups": []string{group}},
			{"domain": mdcDomain, "role": "mdc"},
		},
	})
	agrConfig, _ := json.Marshal(map[string]any{
		"participant_domain": agrDomain,
		"time_factor":        60,
		"contracts": []map[string]any{
			{"domain": dsoDomain, "role": "dso", "connection_groups": []string{group}},
			{"domain": croDomain, "role": "cro"},
		},
	})
	brpConfig, _ := json.Marshal(map[string]any{
		"participant_domain": brpDomain,
		"time_factor":        60,
		"contracts": []map[string]any{
			{"domain": dsoDomain, "role": "dso", "connection_groups": []string{group}},
		},
	})
	mdcConfig, _ := json.Marshal(map[string]any{
		"participant_domain": mdcDomain,
		"contracts": []map[string]any{
			{"domain": dsoDomain, "role": "dso"},
		},
	})
	croConfig, _ := json.Marshal(map[string]any{
		"participant_domain": croDomain,
		"entries": []map[string]any{
			{"domain": dsoDomain, "role": "dso", "connection_group": group},
			{"domain": agrDomain, "role": "agr", "connection_group": group},
			{"domain": brpDomain, "role": "brp", "connection_group": group},
		},
	})

	return &config.Config{
		Version: "1.0.0",
		Platform: config.PlatformConfig{
			Org:         "gridflex",
			ID:          "gridflex-local",
			Environment: "dev",
		},
		NATS: config.NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: config.JetStreamConfig{
				Enabled: true,
			},
		},
		Services: types.ServiceConfigs{},
		Components: config.ComponentConfigs{
			"dso-coordinator": types.ComponentConfig{
				Name:    "dso-coordinator",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  dsoConfig,
			},
			"agr-coordinator": types.ComponentConfig{
				Name:    "agr-coordinator",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  agrConfig,
			},
			"brp-coordinator": types.ComponentConfig{
				Name:    "brp-coordinator",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  brpConfig,
			},
			"mdc-coordinator": types.ComponentConfig{
				Name:    "mdc-coordinator",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  mdcConfig,
			},
			"cro-coordinator": types.ComponentConfig{
				Name:    "cro-coordinator",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  croConfig,
			},
		},
		Streams: config.StreamConfigs{
			protocol.StreamName: config.StreamConfig{
				Subjects: []string{protocol.StreamSubjects},
				MaxAge:   "168h",
				Storage:  "file",
				Replicas: 1,
			},
		},
	}, nil
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURLs := "nats://localhost:4222"

	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURLs = envURL
	} else if envURL := os.Getenv("GRIDFLEX_NATS_URL"); envURL != "" {
		natsURLs = envURL
	} else if len(cfg.NATS.URLs) > 0 {
		natsURLs = strings.Join(cfg.NATS.URLs, ",")
	}

	logger.Info("Connecting to NATS", "url", natsURLs)

	client, err := natsclient.NewClient(natsURLs,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	logger.Info("Connected to NATS", "url", natsURLs)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Debug("Creating JetStream streams")
	streamsManager := config.NewStreamsManager(natsClient, logger)

	if err := streamsManager.EnsureStreams(ctx, cfg); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}

func extractPlatformMeta(cfg *config.Config) types.PlatformMeta {
	platformID := cfg.Platform.InstanceID
	if platformID == "" {
		platformID = cfg.Platform.ID
	}

	return types.PlatformMeta{
		Org:      cfg.Platform.Org,
		Platform: platformID,
	}
}

// ensureServiceManagerConfig ensures service-manager config exists with defaults
func ensureServiceManagerConfig(cfg *config.Config) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}

	if _, exists := cfg.Services["service-manager"]; !exists {
		slog.Debug("Adding default service-manager config")
		defaultConfig := map[string]any{
			"http_port":  8080,
			"swagger_ui": false,
			"server_info": map[string]string{
				"title":       "Gridflex API",
				"description": "flexibility trading engine - coordinators over NATS JetStream",
				"version":     Version,
			},
		}
		defaultConfigJSON, _ := json.Marshal(defaultConfig)
		cfg.Services["service-manager"] = types.ServiceConfig{
			Name:    "service-manager",
			Enabled: true,
			Config:  defaultConfigJSON,
		}
		slog.Debug("Service-manager config added", "enabled", true)
	}
}

// configureAndCreateServices configures the manager and creates all services
func configureAndCreateServices(
	cfg *config.Config,
	manager *service.Manager,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Configuring Manager")
	if err := manager.ConfigureFromServices(cfg.Services, svcDeps); err != nil {
		return fmt.Errorf("configure service manager: %w", err)
	}

	slog.Debug("Creating services from config", "count", len(cfg.Services))
	for name, svcConfig := range cfg.Services {
		if name == "service-manager" {
			slog.Debug("Skipping service-manager (configured directly)")
			continue
		}
		if err := createServiceIfEnabled(manager, name, svcConfig, svcDeps); err != nil {
			return err
		}
	}

	return nil
}

// createServiceIfEnabled creates a service if it's enabled and registered
func createServiceIfEnabled(
	manager *service.Manager,
	name string,
	svcConfig types.ServiceConfig,
	svcDeps *service.Dependencies,
) error {
	if !svcConfig.Enabled {
		slog.Info("Service disabled in config", "name", name)
		return nil
	}

	if !manager.HasConstructor(name) {
		slog.Warn("Service configured but not registered",
			"key", name, "available_constructors", manager.ListConstructors())
		return nil
	}

	if _, err := manager.CreateService(name, svcConfig.Config, svcDeps); err != nil {
		return fmt.Errorf("create service %s: %w", name, err)
	}

	slog.Info("Created service", "name", name, "config_name", svcConfig.Name)
	return nil
}
