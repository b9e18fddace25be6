package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/mintlane/relay/config"
	"github.com/mintlane/relay/relay"
	"gopkg.in/yaml.v3"
)

func main() {
	var configPath string
	var generateConfig bool
	var debug bool

	flag.StringVar(&configPath, "config", "relay.yaml", "Path to the relay configuration file")
	flag.BoolVar(&generateConfig, "generate-config", false, "Write a default configuration file and exit")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if generateConfig {
		if _, err := os.Stat(configPath); err == nil {
			logger.Error("Refusing to overwrite existing config file", "path", configPath)
			os.Exit(1)
		}
		data, err := yaml.Marshal(config.GenerateConfig())
		if err != nil {
			logger.Error("Failed to marshal default config", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(configPath, data, 0o600); err != nil {
			logger.Error("Failed to write default config", "path", configPath, "error", err)
			os.Exit(1)
		}
		color.HiGreen("Wrote default configuration to %s", configPath)
		color.HiYellow("Change relaySecret before exposing the relay to anything.")
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := relay.NewRegistry(logger)

	core, err := relay.New(ctx, logger, cfg, registry)
	if err != nil {
		logger.Error("Failed to initialize relay core", "error", err)
		os.Exit(1)
	}

	core.Run()
}
