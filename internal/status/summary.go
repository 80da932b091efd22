// internal/status/summary.go
package status

import (
	"time"

	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// Summary is the single upserted "current status" record.
// It contains no logic and no memory of the past beyond current state.
type Summary struct {
	LastUpdate time.Time

	LevelCM  float64
	VFDRPM   int
	Setpoint int

	SystemRunning bool
	AlarmLow      bool
	AlarmHigh     bool
	ReachedSP     bool
	Error         int

	Health        uint16
	LastErrorCode uint16

	// DisconnectedSince is zero while healthy.
	DisconnectedSince time.Time
}

// FromSnapshot derives a healthy summary from the latest snapshot.
// No IO. No side effects.
func FromSnapshot(s telemetry.Snapshot) Summary {
	return Summary{
		LastUpdate:    s.Timestamp,
		LevelCM:       s.LevelCM,
		VFDRPM:        s.VFDRPM,
		Setpoint:      s.Setpoint,
		SystemRunning: s.Running(),
		AlarmLow:      s.LowLevel,
		AlarmHigh:     s.HighLevel,
		ReachedSP:     s.ReachedSP,
		Error:         s.Error,
		Health:        HealthOK,
	}
}

// Degraded returns a copy marked as link error, keeping the last known values.
func (s Summary) Degraded(code uint16, since time.Time) Summary {
	s.Health = HealthError
	s.LastErrorCode = code
	s.DisconnectedSince = since
	return s
}
