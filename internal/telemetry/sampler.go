// internal/telemetry/sampler.go
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/tamzrod/plc-cloud-gateway/internal/codec"
	"github.com/tamzrod/plc-cloud-gateway/internal/plc"
)

// Config is the minimal runtime config the sampler needs.
type Config struct {
	MerkerSize int
	Now        func() time.Time
}

// Sampler reads the three regions and assembles one Snapshot.
type Sampler struct {
	cfg Config
}

// NewSampler validates the marker size against the layout table.
// A too-small read is a BoundsError: it is a configuration defect.
func NewSampler(cfg Config) (*Sampler, error) {
	if cfg.MerkerSize == 0 {
		cfg.MerkerSize = DefaultMerkerSize
	}
	if err := codec.CheckSpan("sampler layout", cfg.MerkerSize, OffVFDSpeed, 2); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sampler{cfg: cfg}, nil
}

// Sample performs exactly one read cycle.
// All-or-nothing: any failed read aborts the cycle and no snapshot is produced.
// The link error is returned unmodified.
func (s *Sampler) Sample(ctx context.Context, link plc.Link) (Snapshot, error) {
	if link == nil {
		return Snapshot{}, plc.Wrap("read", 0, errors.New("nil link"))
	}

	merker, err := link.ReadRegion(ctx, plc.Merker, 0, s.cfg.MerkerSize)
	if err != nil {
		return Snapshot{}, err
	}
	inputs, err := link.ReadRegion(ctx, plc.Input, 0, InputSize)
	if err != nil {
		return Snapshot{}, err
	}
	outputs, err := link.ReadRegion(ctx, plc.Output, 0, OutputSize)
	if err != nil {
		return Snapshot{}, err
	}

	return Decode(merker, inputs, outputs, s.cfg.Now())
}

// Decode builds a Snapshot from raw region buffers. No IO.
func Decode(merker, inputs, outputs []byte, at time.Time) (Snapshot, error) {
	d := decoder{}

	levelRaw := d.i16(merker, OffLevelRaw)
	setpoint := d.i16(merker, OffSetpoint)
	levelCM := d.f32(merker, OffLevelCM)
	speed := d.i16(merker, OffVFDSpeed)
	errWord := d.i16(merker, OffError)

	snap := Snapshot{
		Timestamp:   at,
		LevelCM:     float64(levelCM),
		LevelRaw:    int(levelRaw),
		VFDRPM:      int(speed),
		VFDSpeedCmd: int(speed),
		Setpoint:    int(setpoint),
		Blink2Hz:    d.bit(merker, BitBlink2HzByte, BitBlink2Hz),
		ReachedSP:   d.bit(outputs, BitReachedSPByte, BitReachedSP),
		HighLevel:   d.bit(inputs, BitHighLevelByte, BitHighLevel),
		LowLevel:    d.bit(inputs, BitLowLevelByte, BitLowLevel),
		Error:       int(errWord),
	}

	if d.err != nil {
		return Snapshot{}, d.err
	}
	return snap, nil
}

// decoder keeps the first codec error so Decode reads as a flat table.
type decoder struct {
	err error
}

func (d *decoder) i16(buf []byte, off int) int16 {
	v, err := codec.DecodeI16(buf, off)
	d.keep(err)
	return v
}

func (d *decoder) f32(buf []byte, off int) float32 {
	v, err := codec.DecodeF32(buf, off)
	d.keep(err)
	return v
}

func (d *decoder) bit(buf []byte, off, bit int) bool {
	v, err := codec.DecodeBit(buf, off, bit)
	d.keep(err)
	return v
}

func (d *decoder) keep(err error) {
	if d.err == nil && err != nil {
		d.err = err
	}
}
