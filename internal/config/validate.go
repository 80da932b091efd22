// internal/config/validate.go
package config

import (
	"fmt"

	"github.com/tamzrod/plc-cloud-gateway/internal/codec"
	"github.com/tamzrod/plc-cloud-gateway/internal/command"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
// Zero values are allowed wherever Normalize supplies a default.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// ------------------------------------------------------------
	// GATEWAY LOOP
	// ------------------------------------------------------------

	g := cfg.Gateway
	for _, f := range []struct {
		name string
		v    int
	}{
		{"gateway.poll_interval_ms", g.PollIntervalMs},
		{"gateway.reconnect_backoff_ms", g.ReconnectBackoffMs},
		{"gateway.settle_delay_ms", g.SettleDelayMs},
		{"gateway.cleanup_every", g.CleanupEvery},
		{"gateway.retention_hours", g.RetentionHours},
		{"plc.timeout_ms", cfg.PLC.TimeoutMs},
		{"store.telemetry_ttl_hours", cfg.Store.TelemetryTTLHours},
	} {
		if f.v < 0 {
			return fmt.Errorf("%s must be >= 0, got %d", f.name, f.v)
		}
	}

	// ------------------------------------------------------------
	// CONTROLLER
	// ------------------------------------------------------------

	p := cfg.PLC
	switch p.Driver {
	case "", "modbus":
		if p.Address == "" {
			return fmt.Errorf("plc.address is required for the modbus driver")
		}
		if p.Rack != 0 {
			return fmt.Errorf("plc.rack must be 0 for the modbus driver, got %d", p.Rack)
		}
		if p.Slot < 0 || p.Slot > 247 {
			return fmt.Errorf("plc.slot must be a unit id in 0..247, got %d", p.Slot)
		}
	case "sim":
	default:
		return fmt.Errorf("plc.driver %q is not supported (modbus, sim)", p.Driver)
	}

	// the layout table and the command window must fit the marker read
	if p.MerkerSize < 0 {
		return fmt.Errorf("plc.merker_size must be >= 0, got %d", p.MerkerSize)
	}
	if p.MerkerSize > 0 {
		if err := codec.CheckSpan("plc.merker_size", p.MerkerSize, 0, telemetry.MinMerkerSize); err != nil {
			return err
		}
		if err := codec.CheckSpan("plc.merker_size", p.MerkerSize, command.WindowStart, command.WindowLen); err != nil {
			return err
		}
	}

	// ------------------------------------------------------------
	// STORE
	// ------------------------------------------------------------

	s := cfg.Store
	switch s.Backend {
	case "":
		return fmt.Errorf("store.backend is required (dynamodb, postgres; memory with plc.driver sim)")
	case "memory":
		// nothing outside the process would ever see the data
		if cfg.PLC.Driver != "sim" {
			return fmt.Errorf("store.backend memory is only allowed with plc.driver sim")
		}
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	case "dynamodb":
		if s.Region == "" && s.Endpoint == "" {
			return fmt.Errorf("store.region (or %s) is required for the dynamodb backend", EnvAWSRegion)
		}
	default:
		return fmt.Errorf("store.backend %q is not supported (memory, dynamodb, postgres)", s.Backend)
	}

	// ------------------------------------------------------------
	// LOGGING
	// ------------------------------------------------------------

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (text, json)", cfg.Logging.Format)
	}

	return nil
}
