package air

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mklimuk/sensornode"
)

const scd41Address = 0x62

const (
	scdCmdStartPeriodic uint16 = 0x21b1
	scdCmdStopPeriodic  uint16 = 0x3f86
	scdCmdReinit        uint16 = 0x3646
	scdCmdSetAltitude   uint16 = 0x2427
	scdCmdDataReady     uint16 = 0xe4b8
	scdCmdReadMeasure   uint16 = 0xec05

	// data ready when any of the 11 least significant bits is set
	scdDataReadyMask = 0x07FF
)

type SCD41Opts struct {
	// Altitude in meters above sea level, 0 leaves the chip default.
	Altitude     uint16
	StopDelay    time.Duration
	ReinitDelay  time.Duration
	CommandDelay time.Duration
	Clock        clock.Clock
}

type SCD41Opt func(*SCD41Opts)

func WithAltitude(meters uint16) SCD41Opt {
	return func(o *SCD41Opts) {
		o.Altitude = meters
	}
}

// WithStopDelay sets the idle period the chip needs after stopping periodic measurement.
func WithStopDelay(d time.Duration) SCD41Opt {
	return func(o *SCD41Opts) {
		o.StopDelay = d
	}
}

func WithReinitDelay(d time.Duration) SCD41Opt {
	return func(o *SCD41Opts) {
		o.ReinitDelay = d
	}
}

func WithCommandDelay(d time.Duration) SCD41Opt {
	return func(o *SCD41Opts) {
		o.CommandDelay = d
	}
}

// WithClock measures the stop and command delays on clk.
func WithClock(clk clock.Clock) SCD41Opt {
	return func(o *SCD41Opts) {
		o.Clock = clk
	}
}

var _ sensornode.Sensor = &SCD41{}

// SCD41 is a photoacoustic CO2 sensor with on-chip temperature and humidity.
// While on it measures every 5 s; Read returns ErrBusy until a sample is ready.
//
// Stopping periodic measurement requires 500 ms of silence. Off does not
// block on it, the next command waits for the remainder instead.
type SCD41 struct {
	mx        sync.Mutex
	presence  sensornode.Presence
	config    SCD41Opts
	transport sensornode.I2CBus
	cooldown  *sensornode.Cooldown
	on        bool
	valid     bool
	co2       uint16
	temp      float64
	hum       float64
}

func NewSCD41(trans sensornode.I2CBus, opts ...SCD41Opt) *SCD41 {
	config := SCD41Opts{
		StopDelay:    500 * time.Millisecond,
		ReinitDelay:  30 * time.Millisecond,
		CommandDelay: time.Millisecond,
		Clock:        clock.New(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &SCD41{transport: trans, config: config, cooldown: sensornode.NewCooldown(config.Clock)}
}

func (s *SCD41) Name() string { return "scd41" }

func (s *SCD41) Is(ctx context.Context, tryInit bool) bool {
	return s.presence.Is(ctx, tryInit, s.Init)
}

func (s *SCD41) command(ctx context.Context, cmd uint16, args ...uint16) error {
	if err := s.cooldown.Wait(ctx); err != nil {
		return err
	}
	buf := binary.BigEndian.AppendUint16(make([]byte, 0, 2+3*len(args)), cmd)
	for _, a := range args {
		buf = sensornode.AppendWord(buf, a)
	}
	return s.transport.WriteToAddr(ctx, scd41Address, buf)
}

// query sends cmd and reads len(buf) bytes of checksummed words.
func (s *SCD41) query(ctx context.Context, cmd uint16, buf []byte) error {
	if err := s.command(ctx, cmd); err != nil {
		return err
	}
	if err := sensornode.WaitOn(ctx, s.config.Clock, s.config.CommandDelay); err != nil {
		return err
	}
	if err := s.transport.ReadFromAddr(ctx, scd41Address, buf); err != nil {
		return err
	}
	if !sensornode.CheckCRC8(buf) {
		return sensornode.ErrChecksum
	}
	return nil
}

// Init stops any measurement left running, reloads the persisted settings
// and applies the altitude compensation.
func (s *SCD41) Init(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := sensornode.Probe(ctx, s.transport, scd41Address); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("scd41: %w", err)
	}
	if err := s.command(ctx, scdCmdStopPeriodic); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("scd41: stop failed: %w", err)
	}
	s.on = false
	s.cooldown.Start(s.config.StopDelay)
	if err := s.command(ctx, scdCmdReinit); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("scd41: reinit failed: %w", err)
	}
	s.cooldown.Start(s.config.ReinitDelay)
	if s.config.Altitude != 0 {
		if err := s.command(ctx, scdCmdSetAltitude, s.config.Altitude); err != nil {
			s.presence.Set(false)
			return fmt.Errorf("scd41: set altitude failed: %w", err)
		}
		s.cooldown.Start(s.config.CommandDelay)
	}
	s.presence.Set(true)
	return nil
}

func (s *SCD41) On(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.command(ctx, scdCmdStartPeriodic); err != nil {
		return fmt.Errorf("scd41: start periodic measurement failed: %w", err)
	}
	s.on = true
	return nil
}

func (s *SCD41) Off(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.on {
		return nil
	}
	if err := s.command(ctx, scdCmdStopPeriodic); err != nil {
		return fmt.Errorf("scd41: stop periodic measurement failed: %w", err)
	}
	s.on = false
	s.cooldown.Start(s.config.StopDelay)
	return nil
}

func (s *SCD41) IsOn(ctx context.Context) (bool, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.on, nil
}

func (s *SCD41) Read(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.on {
		return fmt.Errorf("scd41: %w", sensornode.ErrTimeout)
	}
	ready := make([]byte, 3)
	if err := s.query(ctx, scdCmdDataReady, ready); err != nil {
		return fmt.Errorf("scd41: data ready failed: %w", err)
	}
	if binary.BigEndian.Uint16(ready)&scdDataReadyMask == 0 {
		return fmt.Errorf("scd41: %w", sensornode.ErrBusy)
	}

	// CO2[0:2], CRC, T[3:5], CRC, RH[6:8], CRC
	buf := make([]byte, 9)
	if err := s.query(ctx, scdCmdReadMeasure, buf); err != nil {
		return fmt.Errorf("scd41: read measurement failed: %w", err)
	}
	s.co2 = binary.BigEndian.Uint16(buf[0:2])
	s.temp = -45.0 + 175.0*float64(binary.BigEndian.Uint16(buf[3:5]))/65536.0
	s.hum = 100.0 * float64(binary.BigEndian.Uint16(buf[6:8])) / 65536.0
	s.valid = true
	return nil
}

// Measurement returns CO2 in ppm, temperature in °C and relative humidity.
func (s *SCD41) Measurement() (uint16, float64, float64, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.co2, s.temp, s.hum, s.valid
}

func (s *SCD41) Fields() []sensornode.Field {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.valid {
		return nil
	}
	return []sensornode.Field{
		sensornode.TagField("scd41"),
		sensornode.Int("co2", int64(s.co2)),
		sensornode.Fixed("temp", s.temp),
		sensornode.Fixed("hum", s.hum),
	}
}
