// internal/mirror/mirror.go

// Package mirror fans gateway records out to NATS subjects for live consumers.
// It is best effort: the remote store stays the system of record.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tamzrod/plc-cloud-gateway/internal/status"
	"github.com/tamzrod/plc-cloud-gateway/internal/store"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "plcgw"

var ErrNotConnected = errors.New("mirror: not connected")

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
}

type Config struct {
	URL       string
	Prefix    string
	GatewayID string
	Timeout   time.Duration
}

// Publisher writes JSON records to <prefix>.telemetry, .status and .events.
type Publisher struct {
	nc        conn
	prefix    string
	gatewayID string
}

// Connect dials NATS and returns a Publisher.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("mirror: url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("plc-cloud-gateway"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("mirror: connect %s: %w", cfg.URL, err)
	}
	return newPublisher(nc, cfg), nil
}

func newPublisher(nc conn, cfg Config) *Publisher {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{nc: nc, prefix: prefix, gatewayID: cfg.GatewayID}
}

// Subject returns the full subject for a record kind.
func (p *Publisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

// ---- wire records ----

type telemetryMsg struct {
	GatewayID   string    `json:"gateway_id,omitempty"`
	Timestamp   time.Time `json:"ts"`
	LevelCM     float64   `json:"level_cm"`
	LevelRaw    int       `json:"level_raw"`
	VFDRPM      int       `json:"vfd_rpm"`
	VFDSpeedCmd int       `json:"vfd_speed_cmd"`
	Setpoint    int       `json:"setpoint"`
	Blink2Hz    bool      `json:"blink_2hz"`
	ReachedSP   bool      `json:"reached_sp"`
	LowLevel    bool      `json:"low_level"`
	HighLevel   bool      `json:"high_level"`
	Error       int       `json:"error"`
}

type statusMsg struct {
	GatewayID         string     `json:"gateway_id,omitempty"`
	LastUpdate        time.Time  `json:"last_update"`
	LevelCM           float64    `json:"level_cm"`
	VFDRPM            int        `json:"vfd_rpm"`
	Setpoint          int        `json:"setpoint"`
	SystemRunning     bool       `json:"system_running"`
	AlarmLow          bool       `json:"alarm_low"`
	AlarmHigh         bool       `json:"alarm_high"`
	ReachedSP         bool       `json:"reached_sp"`
	Error             int        `json:"error"`
	Health            string     `json:"health"`
	LastErrorCode     uint16     `json:"last_error_code"`
	DisconnectedSince *time.Time `json:"disconnected_since,omitempty"`
}

type eventMsg struct {
	GatewayID string    `json:"gateway_id,omitempty"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"event_type"`
	Details   string    `json:"details"`
}

// ---- publish ----

func (p *Publisher) PublishTelemetry(ctx context.Context, s telemetry.Snapshot) error {
	return p.publish(ctx, "telemetry", telemetryMsg{
		GatewayID:   p.gatewayID,
		Timestamp:   s.Timestamp.UTC(),
		LevelCM:     store.RoundLevel(s.LevelCM),
		LevelRaw:    s.LevelRaw,
		VFDRPM:      s.VFDRPM,
		VFDSpeedCmd: s.VFDSpeedCmd,
		Setpoint:    s.Setpoint,
		Blink2Hz:    s.Blink2Hz,
		ReachedSP:   s.ReachedSP,
		LowLevel:    s.LowLevel,
		HighLevel:   s.HighLevel,
		Error:       s.Error,
	})
}

func (p *Publisher) PublishStatus(ctx context.Context, s status.Summary) error {
	msg := statusMsg{
		GatewayID:     p.gatewayID,
		LastUpdate:    s.LastUpdate.UTC(),
		LevelCM:       store.RoundLevel(s.LevelCM),
		VFDRPM:        s.VFDRPM,
		Setpoint:      s.Setpoint,
		SystemRunning: s.SystemRunning,
		AlarmLow:      s.AlarmLow,
		AlarmHigh:     s.AlarmHigh,
		ReachedSP:     s.ReachedSP,
		Error:         s.Error,
		Health:        status.HealthName(s.Health),
		LastErrorCode: s.LastErrorCode,
	}
	if !s.DisconnectedSince.IsZero() {
		t := s.DisconnectedSince.UTC()
		msg.DisconnectedSince = &t
	}
	return p.publish(ctx, "status", msg)
}

func (p *Publisher) PublishEvent(ctx context.Context, ev store.Event) error {
	return p.publish(ctx, "events", eventMsg{
		GatewayID: p.gatewayID,
		ID:        ev.ID,
		Timestamp: ev.Timestamp.UTC(),
		Type:      ev.Type,
		Details:   ev.Details,
	})
}

func (p *Publisher) publish(ctx context.Context, kind string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc == nil || !p.nc.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mirror: encode %s: %w", kind, err)
	}
	if err := p.nc.Publish(p.Subject(kind), data); err != nil {
		return fmt.Errorf("mirror: publish %s: %w", p.Subject(kind), err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
