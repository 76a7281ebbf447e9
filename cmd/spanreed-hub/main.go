// Main package for the Spanreed message hub server
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sessamekesh/spanreed-message-hub/pkg/config"
	"github.com/sessamekesh/spanreed-message-hub/pkg/hub"
	"go.uber.org/zap"
)

func main() {
	//
	// Flags
	configPath := flag.String("config", "", "Path to a YAML config file. SPANREED_* environment variables override it")
	useWebsockets := flag.Bool("websockets", true, "Set to false to disable WebSocket support")
	wsAddress := flag.String("ws-address", "", "Address on which the WebSocket server should listen")
	wsEndpoint := flag.String("ws-endpoint", "", "HTTP endpoint that listens for WebSocket connections")
	useUdp := flag.Bool("udp", false, "Set to true to enable UDP datagram clients")
	useNats := flag.Bool("nats", false, "Set to true to accept clients over NATS")
	natsUrl := flag.String("nats-url", "", "NATS server URL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags only win when explicitly set
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "websockets":
			cfg.WebSocket.Enabled = *useWebsockets
		case "ws-address":
			cfg.WebSocket.ListenAddress = *wsAddress
		case "ws-endpoint":
			cfg.WebSocket.Endpoint = *wsEndpoint
		case "udp":
			cfg.Udp.Enabled = *useUdp
		case "nats":
			cfg.Nats.Enabled = *useNats
		case "nats-url":
			cfg.Nats.Url = *natsUrl
		}
	})

	level, _ := cfg.LogLevel()
	zapConfig := zap.NewProductionConfig()
	if os.Getenv("APP_ENV") != "production" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	logger := zap.Must(zapConfig.Build())
	defer logger.Sync()

	spanreedHub, err := hub.CreateHub(hub.HubParams{
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		logger.Error("Failed to create hub", zap.Error(err))
		os.Exit(1)
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer shutdownRelease()

	if err := spanreedHub.Start(shutdownCtx); err != nil {
		logger.Error("Hub exited with an error", zap.Error(err))
		os.Exit(1)
	}
}
