package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vocera-labs/voicebridge/pkg/bridge"
	"github.com/vocera-labs/voicebridge/pkg/configutil"
	"github.com/vocera-labs/voicebridge/pkg/transports"
	mocktransport "github.com/vocera-labs/voicebridge/pkg/transports/mock"
	twiliotransport "github.com/vocera-labs/voicebridge/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "", "optional config file; environment variables override")
	flag.Parse()

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "transport error:", err)
		os.Exit(1)
	}

	providers := bridge.NewProviderRegistry()
	bridge.RegisterDefaultProviders(providers)

	engine := bridge.NewEngine(bridge.EngineOptions{
		Config:    cfg,
		Providers: providers,
		Transport: transport,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		slog.Error("engine_start_failed", "error", err.Error())
		os.Exit(1)
	}

	<-ctx.Done()
	if err := engine.Stop(); err != nil {
		slog.Warn("engine_stop", "error", err.Error())
	}
}

func buildTransport(cfg bridge.Config) (transports.Transport, error) {
	switch cfg.Transports.Provider {
	case "twilio":
		var settings twiliotransport.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		return twiliotransport.New(settings), nil
	case "mock":
		return mocktransport.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport provider: %s", cfg.Transports.Provider)
	}
}
