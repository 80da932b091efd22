// internal/cloudsync/sync.go

// Package cloudsync is the gateway's single entry point into the remote store.
//
// It wraps a store.Store, stamps event records, and copies every published
// record to an optional live mirror. Mirror failures never fail a publish.
package cloudsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tamzrod/plc-cloud-gateway/internal/command"
	"github.com/tamzrod/plc-cloud-gateway/internal/status"
	"github.com/tamzrod/plc-cloud-gateway/internal/store"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// Event types written to the event log.
const (
	EventPLCConnected     = "PLC_CONNECTED"
	EventPLCDisconnected  = "PLC_DISCONNECTED"
	EventCommandApplied   = "COMMAND_APPLIED"
	EventCommandRejected  = "COMMAND_REJECTED"
	EventAlarmLowLevel    = "ALARM_LOW_LEVEL"
	EventAlarmHighLevel   = "ALARM_HIGH_LEVEL"
	EventRetentionCleanup = "RETENTION_CLEANUP"
)

// Mirror receives a copy of every published record.
type Mirror interface {
	PublishTelemetry(ctx context.Context, s telemetry.Snapshot) error
	PublishStatus(ctx context.Context, s status.Summary) error
	PublishEvent(ctx context.Context, ev store.Event) error
}

// MirrorErrorFunc is called for every failed mirror publish.
type MirrorErrorFunc func(kind string, err error)

type Options struct {
	Mirror        Mirror
	OnMirrorError MirrorErrorFunc
	Logger        *slog.Logger
	Now           func() time.Time
}

// Sync publishes gateway records.
type Sync struct {
	st  store.Store
	opt Options
}

func New(st store.Store, opt Options) (*Sync, error) {
	if st == nil {
		return nil, errors.New("cloudsync: store required")
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Sync{st: st, opt: opt}, nil
}

// Store returns the wrapped backend.
func (s *Sync) Store() store.Store { return s.st }

// PublishTelemetry appends one snapshot.
func (s *Sync) PublishTelemetry(ctx context.Context, snap telemetry.Snapshot) error {
	if err := s.st.AppendTelemetry(ctx, snap); err != nil {
		return store.Wrap("append", store.DefaultTelemetryCollection, err)
	}
	if s.opt.Mirror != nil {
		s.mirrored("telemetry", s.opt.Mirror.PublishTelemetry(ctx, snap))
	}
	return nil
}

// PublishStatus upserts the current-status record.
func (s *Sync) PublishStatus(ctx context.Context, sum status.Summary) error {
	if err := s.st.UpsertStatus(ctx, sum); err != nil {
		return store.Wrap("upsert", store.DefaultStatusCollection, err)
	}
	if s.opt.Mirror != nil {
		s.mirrored("status", s.opt.Mirror.PublishStatus(ctx, sum))
	}
	return nil
}

// CleanupOlderThan deletes telemetry older than now - retention.
func (s *Sync) CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, store.Wrap("delete", store.DefaultTelemetryCollection, errors.New("retention must be > 0"))
	}
	cutoff := s.opt.Now().Add(-retention)
	n, err := s.st.DeleteTelemetryBefore(ctx, cutoff)
	if err != nil {
		return n, store.Wrap("delete", store.DefaultTelemetryCollection, err)
	}
	return n, nil
}

// LogEvent appends one event_log entry stamped now.
// The id is assigned here so the stored and mirrored copies match.
func (s *Sync) LogEvent(ctx context.Context, typ, details string) error {
	ev := store.Event{
		ID:        uuid.NewString(),
		Timestamp: s.opt.Now(),
		Type:      typ,
		Details:   details,
	}
	if err := s.st.AppendEvent(ctx, ev); err != nil {
		return store.Wrap("append", store.DefaultEventsCollection, err)
	}
	if s.opt.Mirror != nil {
		s.mirrored("events", s.opt.Mirror.PublishEvent(ctx, ev))
	}
	return nil
}

// ---- command source ----

// PendingCommands and MarkProcessed make Sync a command.Source.
func (s *Sync) PendingCommands(ctx context.Context, limit int) ([]command.Command, error) {
	cmds, err := s.st.PendingCommands(ctx, limit)
	if err != nil {
		return nil, store.Wrap("query", store.DefaultCommandsCollection, err)
	}
	return cmds, nil
}

func (s *Sync) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return store.Wrap("update", store.DefaultCommandsCollection, s.st.MarkProcessed(ctx, id, at))
}

func (s *Sync) Close() error { return s.st.Close() }

func (s *Sync) mirrored(kind string, err error) {
	if err == nil {
		return
	}
	s.opt.Logger.Warn("mirror publish failed", "kind", kind, "err", err)
	if s.opt.OnMirrorError != nil {
		s.opt.OnMirrorError(kind, err)
	}
}
