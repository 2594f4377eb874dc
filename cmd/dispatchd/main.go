package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetvoice/dispatchd/internal/api"
	"github.com/fleetvoice/dispatchd/internal/config"
	"github.com/fleetvoice/dispatchd/internal/events"
	"github.com/fleetvoice/dispatchd/internal/reconcile"
	"github.com/fleetvoice/dispatchd/internal/store"
	"github.com/fleetvoice/dispatchd/internal/vendor"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("dispatchd starting", "port", cfg.Port, "vendor", cfg.VoiceVendor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL, cfg.Tables)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	slog.Info("database ready")

	// NATS (optional — dispatchd works without it, just no bus delivery path)
	var bus *events.Client
	if cfg.NatsURL != "" {
		bus, err = events.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer bus.Close()
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS not configured — analytics events accepted over HTTP only")
	}

	// Reconciliation service
	var pub reconcile.Publisher
	if bus != nil {
		pub = bus
	}
	rec := reconcile.New(db, pub, slog.Default())

	// Analytics events delivered over the bus feed the same merge path as
	// the HTTP event endpoint.
	if bus != nil {
		err := bus.Subscribe(events.SubjectCallEvent, func(_ string, data []byte) {
			var ev events.CallEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				slog.Warn("dropping malformed call event", "error", err)
				return
			}
			if _, err := rec.MergeEvent(ctx, ev.ProviderCallID, ev.EventType, ev.Data); err != nil {
				slog.Warn("bus event merge failed", "provider_call_id", ev.ProviderCallID, "error", err)
			}
		})
		if err != nil {
			slog.Error("failed to subscribe to call events", "error", err)
			os.Exit(1)
		}
	}

	// Voice vendors
	vendors := map[string]vendor.Vendor{
		"retell": vendor.NewRetell(cfg.RetellAPIKey, cfg.RetellBaseURL, cfg.RetellAgentID,
			cfg.RetellAgentVersion, cfg.FromNumber, rec, slog.Default()),
		"pipecat": vendor.NewPipecat(cfg.PipecatClientURL, rec),
	}
	if _, ok := vendors[cfg.VoiceVendor]; !ok {
		slog.Error("unknown voice vendor", "vendor", cfg.VoiceVendor)
		os.Exit(1)
	}

	// HTTP API
	srv := api.NewServer(api.Options{
		Port:          cfg.Port,
		Logger:        slog.Default(),
		Reconciler:    rec,
		Metrics:       db,
		Vendors:       vendors,
		DefaultVendor: cfg.VoiceVendor,
		WebhookSecret: cfg.RetellWebhookSecret,
	})
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("dispatchd ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("dispatchd stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
