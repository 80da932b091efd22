// internal/config/normalize.go
package config

import (
	"os"

	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// Defaults applied by Normalize.
const (
	DefaultPollIntervalMs     = 1000
	DefaultReconnectBackoffMs = 5000
	DefaultSettleDelayMs      = 300
	DefaultCleanupEvery       = 1000
	DefaultRetentionHours     = 7 * 24
	DefaultTimeoutMs          = 2000
	DefaultSubjectPrefix      = "plcgw"
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	g := &cfg.Gateway
	if g.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			g.ID = host
		} else {
			g.ID = "gateway"
		}
	}
	setDefault(&g.PollIntervalMs, DefaultPollIntervalMs)
	setDefault(&g.ReconnectBackoffMs, DefaultReconnectBackoffMs)
	setDefault(&g.SettleDelayMs, DefaultSettleDelayMs)
	setDefault(&g.CleanupEvery, DefaultCleanupEvery)
	setDefault(&g.RetentionHours, DefaultRetentionHours)

	p := &cfg.PLC
	if p.Driver == "" {
		p.Driver = "modbus"
	}
	setDefault(&p.TimeoutMs, DefaultTimeoutMs)
	setDefault(&p.MerkerSize, telemetry.DefaultMerkerSize)

	if cfg.Mirror.SubjectPrefix == "" {
		cfg.Mirror.SubjectPrefix = DefaultSubjectPrefix
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
