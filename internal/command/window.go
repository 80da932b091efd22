// internal/command/window.go
package command

// Command write window (%MB14..%MB19).
// Offsets inside the window are relative to WindowStart.

// WindowStart is the first marker byte of the command window.
const WindowStart = 14

// WindowLen is the number of bytes read and written back.
const WindowLen = 6

// Pulse bits live in the first window byte (%M14.x).
const (
	BitStart = 1 // %M14.1
	BitStop  = 2 // %M14.2
	BitEstop = 3 // %M14.3
)

// SetpointOffset is where sp_ref_cm is written as an Int, relative to WindowStart.
const SetpointOffset = 4

// MinMerkerSize is the smallest marker area that contains the window.
const MinMerkerSize = WindowStart + WindowLen
