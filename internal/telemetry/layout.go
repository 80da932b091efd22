// internal/telemetry/layout.go
package telemetry

// Controller memory layout.
// Offsets are bytes within a base-0 read of each region, big-endian.
// These values are fixed by the PLC program and MUST NOT be configurable.

// ---- REGION SIZES ----

// DefaultMerkerSize covers every monitored marker word (%MB0..%MB19).
const DefaultMerkerSize = 20

// InputSize and OutputSize are one byte each (%IB0, %QB0).
const InputSize = 1
const OutputSize = 1

// ---- MARKER WORDS ----

// OffLevelRaw is Nivel_Tanque, Int in %MW2.
const OffLevelRaw = 2

// OffSetpoint is the active setpoint, Int in %MW4.
const OffSetpoint = 4

// OffLevelCM is Sensor_Nivel_Norm, Real in %MD6.
const OffLevelCM = 6

// OffError is the controller error word, Int in %MW10.
const OffError = 10

// OffVFDSpeed is Velocidad_Final, Int in %MW16. It feeds both vfd_rpm and vfd_speedcmd.
const OffVFDSpeed = 16

// ---- BITS (byte, bit) ----

// Blink2Hz is the 2 Hz clock marker %M0.3, published as the running flag.
const BitBlink2HzByte, BitBlink2Hz = 0, 3

// ReachedSP is the setpoint lamp %Q0.2.
const BitReachedSPByte, BitReachedSP = 0, 2

// HighLevel is LEH %I0.3.
const BitHighLevelByte, BitHighLevel = 0, 3

// LowLevel is LEL %I0.4.
const BitLowLevelByte, BitLowLevel = 0, 4

// MinMerkerSize is the smallest marker read that covers the table above.
const MinMerkerSize = OffVFDSpeed + 2
