// cmd/gateway/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tamzrod/plc-cloud-gateway/internal/cloudsync"
	"github.com/tamzrod/plc-cloud-gateway/internal/command"
	"github.com/tamzrod/plc-cloud-gateway/internal/config"
	"github.com/tamzrod/plc-cloud-gateway/internal/gateway"
	"github.com/tamzrod/plc-cloud-gateway/internal/metrics"
	"github.com/tamzrod/plc-cloud-gateway/internal/mirror"
	"github.com/tamzrod/plc-cloud-gateway/internal/plc"
	plcmodbus "github.com/tamzrod/plc-cloud-gateway/internal/plc/modbus"
	"github.com/tamzrod/plc-cloud-gateway/internal/plc/sim"
	"github.com/tamzrod/plc-cloud-gateway/internal/store"
	"github.com/tamzrod/plc-cloud-gateway/internal/store/dynamo"
	"github.com/tamzrod/plc-cloud-gateway/internal/store/postgres"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: gateway <config.yaml>")
	}

	cfgPath := os.Args[1]

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if err := config.Validate(cfg); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}
	config.Normalize(cfg)

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()

	// --------------------
	// Store (+ optional mirror)
	// --------------------

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var mir cloudsync.Mirror
	if cfg.Mirror.NATSURL != "" {
		pub, err := mirror.Connect(mirror.Config{
			URL:       cfg.Mirror.NATSURL,
			Prefix:    cfg.Mirror.SubjectPrefix,
			GatewayID: cfg.Gateway.ID,
		})
		if err != nil {
			// the mirror is best effort; run without it
			logger.Warn("nats mirror disabled", "url", cfg.Mirror.NATSURL, "err", err)
		} else {
			defer pub.Close()
			mir = pub
		}
	}

	cs, err := cloudsync.New(st, cloudsync.Options{
		Mirror:        mir,
		OnMirrorError: func(string, error) { m.MirrorError() },
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := cs.Close(); err != nil {
			logger.Warn("store close failed", "err", err)
		}
	}()

	// --------------------
	// Controller side
	// --------------------

	link := openLink(cfg.PLC)

	sampler, err := telemetry.NewSampler(telemetry.Config{MerkerSize: cfg.PLC.MerkerSize})
	if err != nil {
		return fmt.Errorf("sampler: %w", err)
	}

	disp, err := command.NewDispatcher(command.Config{SettleDelay: cfg.Gateway.SettleDelay()}, cs)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		Endpoint: plc.Endpoint{
			Address: cfg.PLC.Address,
			Rack:    cfg.PLC.Rack,
			Slot:    cfg.PLC.Slot,
		},
		PollInterval:     cfg.Gateway.PollInterval(),
		ReconnectBackoff: cfg.Gateway.ReconnectBackoff(),
		CleanupEvery:     cfg.Gateway.CleanupEvery,
		Retention:        cfg.Gateway.Retention(),
	}, link, sampler, disp, cs, gateway.Options{
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	// --------------------
	// Metrics endpoint
	// --------------------

	if cfg.Metrics.Listen != "" {
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, m.Handler(gw.Healthy)); err != nil {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	logger.Info("gateway configured",
		"id", cfg.Gateway.ID,
		"driver", cfg.PLC.Driver,
		"store", cfg.Store.Backend,
		"mirror", mir != nil,
	)

	return gw.Run(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	cols := store.Collections{
		Telemetry: cfg.Store.Collections.Telemetry,
		Commands:  cfg.Store.Collections.Commands,
		Events:    cfg.Store.Collections.Events,
		Status:    cfg.Store.Collections.Status,
	}

	switch cfg.Store.Backend {
	case "dynamodb":
		ddb, err := dynamo.New(dynamo.Config{
			Region:       cfg.Store.Region,
			Endpoint:     cfg.Store.Endpoint,
			GatewayID:    cfg.Gateway.ID,
			TelemetryTTL: time.Duration(cfg.Store.TelemetryTTLHours) * time.Hour,
			Tables:       cols,
			PendingIndex: cfg.Store.PendingIndex,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return ddb, nil

	case "postgres":
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		pg, err := postgres.Open(openCtx, cfg.Store.DSN, postgres.WithTables(cols))
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(openCtx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil

	case "memory":
		return store.NewMemory(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openLink(p config.PLCConfig) plc.Link {
	if p.Driver == "sim" {
		return sim.New(p.MerkerSize, telemetry.InputSize, telemetry.OutputSize)
	}
	return plcmodbus.New(plcmodbus.Config{
		Timeout:    p.Timeout(),
		MerkerBase: p.MerkerBase,
		InputBase:  p.InputBase,
		OutputBase: p.OutputBase,
	})
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
