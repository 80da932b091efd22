// internal/store/store.go

// Package store is the remote document store contract shared by every backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tamzrod/plc-cloud-gateway/internal/command"
	"github.com/tamzrod/plc-cloud-gateway/internal/status"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// Default logical collection names.
const (
	DefaultTelemetryCollection = "telemetry_samples"
	DefaultCommandsCollection  = "control_commands"
	DefaultEventsCollection    = "event_log"
	DefaultStatusCollection    = "current_status"
)

// Collections names the four logical collections.
type Collections struct {
	Telemetry string
	Commands  string
	Events    string
	Status    string
}

// WithDefaults fills empty names.
func (c Collections) WithDefaults() Collections {
	if c.Telemetry == "" {
		c.Telemetry = DefaultTelemetryCollection
	}
	if c.Commands == "" {
		c.Commands = DefaultCommandsCollection
	}
	if c.Events == "" {
		c.Events = DefaultEventsCollection
	}
	if c.Status == "" {
		c.Status = DefaultStatusCollection
	}
	return c
}

// Event is one append-only event_log entry.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      string
	Details   string
}

// Store is the exact contract the gateway needs from the remote store.
type Store interface {
	// AppendTelemetry appends one record; prior records are never touched.
	AppendTelemetry(ctx context.Context, snap telemetry.Snapshot) error
	// UpsertStatus replaces the single current-status record.
	UpsertStatus(ctx context.Context, s status.Summary) error
	// PendingCommands returns processed == false, oldest first, at most limit.
	PendingCommands(ctx context.Context, limit int) ([]command.Command, error)
	// MarkProcessed flips processed once; a second call yields command.ErrAlreadyProcessed.
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	AppendEvent(ctx context.Context, ev Event) error
	// DeleteTelemetryBefore deletes records with timestamp strictly before cutoff.
	DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

var (
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyProcessed aliases the command sentinel so callers can test either.
	ErrAlreadyProcessed = command.ErrAlreadyProcessed
)

// StoreError is every failure surfaced by a backend.
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Wrap returns err as a *StoreError unless it already is one.
func Wrap(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Collection: collection, Err: err}
}

// IsStoreError reports whether err came from a store backend.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// RoundLevel rounds level_cm to two decimals for publication.
func RoundLevel(v float64) float64 {
	return math.Round(v*100) / 100
}
