// internal/config/config.go
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	PLC     PLCConfig     `yaml:"plc"`
	Store   StoreConfig   `yaml:"store"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ---- GATEWAY LOOP ----

type GatewayConfig struct {
	ID                 string `yaml:"id"`
	PollIntervalMs     int    `yaml:"poll_interval_ms"`
	ReconnectBackoffMs int    `yaml:"reconnect_backoff_ms"`
	SettleDelayMs      int    `yaml:"settle_delay_ms"`
	CleanupEvery       int    `yaml:"cleanup_every"`
	RetentionHours     int    `yaml:"retention_hours"`
}

func (g GatewayConfig) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalMs) * time.Millisecond
}

func (g GatewayConfig) ReconnectBackoff() time.Duration {
	return time.Duration(g.ReconnectBackoffMs) * time.Millisecond
}

func (g GatewayConfig) SettleDelay() time.Duration {
	return time.Duration(g.SettleDelayMs) * time.Millisecond
}

func (g GatewayConfig) Retention() time.Duration {
	return time.Duration(g.RetentionHours) * time.Hour
}

// ---- CONTROLLER ----

type PLCConfig struct {
	Driver    string `yaml:"driver"` // modbus | sim
	Address   string `yaml:"address"`
	Rack      int    `yaml:"rack"`
	Slot      int    `yaml:"slot"`
	TimeoutMs int    `yaml:"timeout_ms"`

	// Modbus base addresses of the three regions
	MerkerBase uint16 `yaml:"merker_base"`
	InputBase  uint16 `yaml:"input_base"`
	OutputBase uint16 `yaml:"output_base"`

	MerkerSize int `yaml:"merker_size"`
}

func (p PLCConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// ---- STORE ----

type StoreConfig struct {
	Backend  string `yaml:"backend"` // memory | dynamodb | postgres
	DSN      string `yaml:"dsn"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// PendingIndex is an optional DynamoDB sparse GSI over pending commands.
	PendingIndex string `yaml:"pending_index"`

	// DynamoDB only; 0 disables the ttl attribute
	TelemetryTTLHours int `yaml:"telemetry_ttl_hours"`

	Collections CollectionsConfig `yaml:"collections"`
}

type CollectionsConfig struct {
	Telemetry string `yaml:"telemetry"`
	Commands  string `yaml:"commands"`
	Events    string `yaml:"events"`
	Status    string `yaml:"status"`
}

// ---- AMBIENT ----

type MirrorConfig struct {
	NATSURL       string `yaml:"nats_url"` // empty disables the mirror
	SubjectPrefix string `yaml:"subject_prefix"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the HTTP server
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---- LOAD ----

// Environment overrides applied by Load.
const (
	EnvPLCAddress = "PLCGW_PLC_ADDRESS"
	EnvStoreDSN   = "PLCGW_STORE_DSN"
	EnvNATSURL    = "PLCGW_NATS_URL"
	EnvAWSRegion  = "AWS_REGION"
)

// Load reads a YAML file and applies environment overrides.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPLCAddress); v != "" {
		cfg.PLC.Address = v
	}
	if v := os.Getenv(EnvStoreDSN); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.Mirror.NATSURL = v
	}
	if cfg.Store.Region == "" {
		cfg.Store.Region = os.Getenv(EnvAWSRegion)
	}
}
