// internal/status/constants.go
package status

// Current-status record constants.
// These values define the dashboard contract and MUST NOT be configurable.

// RecordID is the well-known key of the single current-status record.
const RecordID = "current"

// ---- HEALTH CODES ----

// HealthUnknown represents an unknown or boot state.
const HealthUnknown uint16 = 0

// HealthOK represents a connected controller with fresh telemetry.
const HealthOK uint16 = 1

// HealthError represents a lost controller link.
const HealthError uint16 = 2

// HealthName maps a health code to the string stored in the record.
func HealthName(code uint16) string {
	switch code {
	case HealthOK:
		return "ok"
	case HealthError:
		return "error"
	default:
		return "unknown"
	}
}
