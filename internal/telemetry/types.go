// internal/telemetry/types.go
package telemetry

import "time"

// Snapshot is one telemetry record produced per poll cycle.
// It is a value: once returned by Sample it is never mutated.
type Snapshot struct {
	Timestamp time.Time

	LevelCM     float64 // normalized level, unrounded
	LevelRaw    int
	VFDRPM      int
	VFDSpeedCmd int
	Setpoint    int

	Blink2Hz  bool
	ReachedSP bool
	LowLevel  bool
	HighLevel bool

	Error int
}

// Running reports whether the plant is running (2 Hz clock marker active).
func (s Snapshot) Running() bool { return s.Blink2Hz }
