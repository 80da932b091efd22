// internal/command/types.go
package command

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Command is one dashboard request read from the commands collection.
// The gateway mutates it exactly once (processed flag) and never deletes it.
type Command struct {
	ID string // store-assigned

	CmdStart bool
	CmdStop  bool
	CmdEstop bool

	SPRefCM *float64 // optional setpoint in cm

	// Malformed is set by stores when a field could not be decoded.
	// The dispatcher rejects such a command without touching the PLC.
	Malformed string

	Processed   bool
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

var (
	// ErrAlreadyProcessed is returned by stores when the processed flag is already set.
	ErrAlreadyProcessed = errors.New("command already processed")

	// ErrInvalidCommand marks a command that can never be applied.
	ErrInvalidCommand = errors.New("invalid command")
)

// HasPulse reports whether any momentary bit must be pulsed.
func (c Command) HasPulse() bool {
	return c.CmdStart || c.CmdStop || c.CmdEstop
}

// String renders the command for logs and event details.
func (c Command) String() string {
	var parts []string
	if c.CmdStart {
		parts = append(parts, "START")
	}
	if c.CmdStop {
		parts = append(parts, "STOP")
	}
	if c.CmdEstop {
		parts = append(parts, "ESTOP")
	}
	if c.SPRefCM != nil {
		parts = append(parts, fmt.Sprintf("sp_ref_cm=%g", *c.SPRefCM))
	}
	if len(parts) == 0 {
		parts = append(parts, "NOOP")
	}
	return fmt.Sprintf("id=%s %s", c.ID, strings.Join(parts, " "))
}
