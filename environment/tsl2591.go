package environment

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/mklimuk/sensornode"
)

const tsl2591Address = 0x29

// Every register access is prefixed by a command byte: CMD bit + normal operation.
const tsl2591Command byte = 0xA0

const (
	tslRegEnable  byte = 0x00
	tslRegConfig  byte = 0x01
	tslRegC0DataL byte = 0x14

	tslEnablePowerOn byte = 0x01
	tslEnableALS     byte = 0x02
	tslIntegration   byte = 0x01 // 200 ms ATIME field value, 100 ms step
	tslIntegrationMS      = 100
)

// Gain is the analog gain setting of the TSL2591.
type Gain byte

const (
	GainLow  Gain = 0x00
	GainMed  Gain = 0x10
	GainHigh Gain = 0x20
	GainMax  Gain = 0x30
)

// Multiplier returns the nominal gain factor.
func (g Gain) Multiplier() float64 {
	switch g {
	case GainLow:
		return 1
	case GainMed:
		return 25
	case GainHigh:
		return 428
	default:
		return 9876
	}
}

func (g Gain) String() string {
	switch g {
	case GainLow:
		return "low"
	case GainMed:
		return "medium"
	case GainHigh:
		return "high"
	default:
		return "max"
	}
}

func (g Gain) down() Gain {
	if g == GainLow {
		return GainLow
	}
	return g - 0x10
}

func (g Gain) up() Gain {
	if g == GainMax {
		return GainMax
	}
	return g + 0x10
}

const (
	tslUpperThreshold = 60000
	tslLowerThreshold = 500
	// luminous counts per lux coefficient
	tslLuxCoefficient = 408.0
	// discarded samples after Init while auto-ranging settles
	tslWarmupSamples = 4
)

var _ sensornode.Sensor = &TSL2591{}

type TSL2591Opt func(*TSL2591)

// WithWarmupSamples sets how many readings after Init are discarded.
func WithWarmupSamples(n int) TSL2591Opt {
	return func(s *TSL2591) {
		s.warmup = n
	}
}

// WithGain sets the starting gain.
func WithGain(g Gain) TSL2591Opt {
	return func(s *TSL2591) {
		s.initialGain = g
	}
}

// TSL2591 is an ambient light sensor with auto-ranging gain. A reading that
// saturates or underflows the visible+IR channel moves the gain one step and
// returns ErrBusy; the next read uses the new gain.
type TSL2591 struct {
	presence    sensornode.Presence
	transport   sensornode.I2CBus
	initialGain Gain
	gain        Gain
	warmup      int

	warmupSamplesRemaining int
	on                     bool
	valid                  bool
	lux                    float64
}

func NewTSL2591(trans sensornode.I2CBus, opts ...TSL2591Opt) *TSL2591 {
	s := &TSL2591{transport: trans, initialGain: GainMed, warmup: tslWarmupSamples}
	for _, opt := range opts {
		opt(s)
	}
	s.gain = s.initialGain
	return s
}

func (s *TSL2591) Name() string { return "tsl2591" }

func (s *TSL2591) Is(ctx context.Context, tryInit bool) bool {
	return s.presence.Is(ctx, tryInit, s.Init)
}

// Init resets the gain and arms the warm-up counter; the discarded samples
// are consumed by subsequent Read calls.
func (s *TSL2591) Init(ctx context.Context) error {
	if err := sensornode.Probe(ctx, s.transport, tsl2591Address); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("tsl2591: %w", err)
	}
	s.presence.Set(true)
	s.gain = s.initialGain
	s.warmupSamplesRemaining = s.warmup
	if err := s.On(ctx); err != nil {
		return err
	}
	return s.Off(ctx)
}

func (s *TSL2591) writeReg(ctx context.Context, reg, value byte) error {
	return s.transport.WriteToAddr(ctx, tsl2591Address, []byte{tsl2591Command | reg, value})
}

func (s *TSL2591) On(ctx context.Context) error {
	if err := s.writeReg(ctx, tslRegEnable, tslEnablePowerOn|tslEnableALS); err != nil {
		return fmt.Errorf("tsl2591: enable failed: %w", err)
	}
	if err := s.writeReg(ctx, tslRegConfig, byte(s.gain)|tslIntegration); err != nil {
		return fmt.Errorf("tsl2591: config failed: %w", err)
	}
	s.on = true
	return nil
}

func (s *TSL2591) Off(ctx context.Context) error {
	if err := s.writeReg(ctx, tslRegEnable, 0x00); err != nil {
		return fmt.Errorf("tsl2591: disable failed: %w", err)
	}
	s.on = false
	return nil
}

func (s *TSL2591) IsOn(ctx context.Context) (bool, error) {
	buf := make([]byte, 1)
	if err := sensornode.ReadRegister(ctx, s.transport, tsl2591Address, []byte{tsl2591Command | tslRegEnable}, buf); err != nil {
		return false, fmt.Errorf("tsl2591: read enable failed: %w", err)
	}
	return buf[0]&(tslEnablePowerOn|tslEnableALS) == tslEnablePowerOn|tslEnableALS, nil
}

func (s *TSL2591) Read(ctx context.Context) error {
	if !s.on {
		return fmt.Errorf("tsl2591: %w", sensornode.ErrTimeout)
	}
	buf := make([]byte, 4)
	if err := sensornode.ReadRegister(ctx, s.transport, tsl2591Address, []byte{tsl2591Command | tslRegC0DataL}, buf); err != nil {
		return fmt.Errorf("tsl2591: read channels failed: %w", err)
	}
	ch0 := binary.LittleEndian.Uint16(buf[0:2])
	ch1 := binary.LittleEndian.Uint16(buf[2:4])

	busy := false
	switch {
	case ch0 > tslUpperThreshold && s.gain != GainLow:
		s.gain = s.gain.down()
		busy = true
	case ch0 < tslLowerThreshold && s.gain != GainMax:
		s.gain = s.gain.up()
		busy = true
	case ch0 > tslUpperThreshold || ch0 < tslLowerThreshold:
		// already at the gain limit
		busy = true
	}
	if busy {
		if err := s.writeReg(ctx, tslRegConfig, byte(s.gain)|tslIntegration); err != nil {
			return fmt.Errorf("tsl2591: gain change failed: %w", err)
		}
		return fmt.Errorf("tsl2591: ranging to %s gain: %w", s.gain, sensornode.ErrBusy)
	}
	if s.warmupSamplesRemaining > 0 {
		s.warmupSamplesRemaining--
		return fmt.Errorf("tsl2591: warming up: %w", sensornode.ErrBusy)
	}

	cpl := tslIntegrationMS * s.gain.Multiplier() / tslLuxCoefficient
	s.lux = max((float64(ch0)-2*float64(ch1))/cpl, 0)
	s.valid = true
	return nil
}

func (s *TSL2591) Gain() Gain {
	return s.gain
}

func (s *TSL2591) WarmupRemaining() int {
	return s.warmupSamplesRemaining
}

func (s *TSL2591) Lux() (float64, bool) {
	return s.lux, s.valid
}

func (s *TSL2591) Fields() []sensornode.Field {
	if !s.valid {
		return nil
	}
	return []sensornode.Field{sensornode.Fixed("lux", s.lux)}
}
