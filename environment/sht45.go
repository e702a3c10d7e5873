package environment

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mklimuk/sensornode"
)

// SHT45 I2C address (7-bit)
const sht45Address = 0x44

// Measure T & RH with high repeatability
const sht45CmdMeasureHigh byte = 0xFD

var _ sensornode.Sensor = &SHT45{}

type SHT45Opts struct {
	MeasureDelay time.Duration
}

type SHT45Opt func(*SHT45Opts)

func WithMeasureDelay(delay time.Duration) SHT45Opt {
	return func(o *SHT45Opts) {
		o.MeasureDelay = delay
	}
}

// SHT45 represents Sensirion SHT45 Temperature/Humidity sensor.
// The chip idles at minimum power between single-shot measurements and has
// no power register, so On/Off only check it still answers and keep a flag.
type SHT45 struct {
	presence  sensornode.Presence
	config    SHT45Opts
	transport sensornode.I2CBus
	on        bool
	valid     bool
	temp      float64
	hum       float64
}

func NewSHT45(trans sensornode.I2CBus, opts ...SHT45Opt) *SHT45 {
	config := SHT45Opts{MeasureDelay: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&config)
	}
	return &SHT45{transport: trans, config: config}
}

func (s *SHT45) Name() string { return "sht45" }

func (s *SHT45) Is(ctx context.Context, tryInit bool) bool {
	return s.presence.Is(ctx, tryInit, s.Init)
}

func (s *SHT45) Init(ctx context.Context) error {
	if err := sensornode.Probe(ctx, s.transport, sht45Address); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("sht45: %w", err)
	}
	s.presence.Set(true)
	if err := s.On(ctx); err != nil {
		return err
	}
	return s.Off(ctx)
}

func (s *SHT45) On(ctx context.Context) error {
	if err := sensornode.Probe(ctx, s.transport, sht45Address); err != nil {
		return fmt.Errorf("sht45: on failed: %w", err)
	}
	s.on = true
	return nil
}

func (s *SHT45) Off(ctx context.Context) error {
	s.on = false
	return nil
}

func (s *SHT45) IsOn(ctx context.Context) (bool, error) {
	return s.on, nil
}

// Read performs a single high repeatability measurement.
func (s *SHT45) Read(ctx context.Context) error {
	if !s.on {
		return fmt.Errorf("sht45: %w", sensornode.ErrTimeout)
	}
	if err := s.transport.WriteToAddr(ctx, sht45Address, []byte{sht45CmdMeasureHigh}); err != nil {
		return fmt.Errorf("sht45: measure command failed: %w", err)
	}
	// max 8.3 ms for high repeatability
	if err := sensornode.Wait(ctx, s.config.MeasureDelay); err != nil {
		return err
	}

	// T[0:2], CRC, RH[3:5], CRC
	buf := make([]byte, 6)
	if err := s.transport.ReadFromAddr(ctx, sht45Address, buf); err != nil {
		return fmt.Errorf("sht45: read failed: %w", err)
	}
	if sensornode.CRC8(buf[0:2]) != buf[2] {
		return fmt.Errorf("sht45: temperature: %w", sensornode.ErrChecksum)
	}
	if sensornode.CRC8(buf[3:5]) != buf[5] {
		return fmt.Errorf("sht45: humidity: %w", sensornode.ErrChecksum)
	}

	rawT := binary.BigEndian.Uint16(buf[0:2])
	rawRH := binary.BigEndian.Uint16(buf[3:5])

	// T(C) = -45 + 175 * rawT / 65535
	// RH(%) = -6 + 125 * rawRH / 65535, cropped to 0..100
	s.temp = -45.0 + 175.0*float64(rawT)/65535.0
	s.hum = min(max(-6.0+125.0*float64(rawRH)/65535.0, 0), 100)
	s.valid = true
	return nil
}

// TempAndHum returns the last measurement.
func (s *SHT45) TempAndHum() (float64, float64, bool) {
	return s.temp, s.hum, s.valid
}

func (s *SHT45) Fields() []sensornode.Field {
	if !s.valid {
		return nil
	}
	return []sensornode.Field{
		sensornode.Fixed("temp", s.temp),
		sensornode.Fixed("hum", s.hum),
	}
}
