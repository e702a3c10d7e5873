package air

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mklimuk/sensornode"
)

const sps30Address = 0x69

const (
	spsCmdStartMeasurement uint16 = 0x0010
	spsCmdStopMeasurement  uint16 = 0x0104
	spsCmdDataReady        uint16 = 0x0202
	spsCmdReadMeasurement  uint16 = 0x0300
	spsCmdSleep            uint16 = 0x1001
	spsCmdWakeUp           uint16 = 0x1103
	spsCmdFanCleaning      uint16 = 0x5607
	spsCmdAutoClean        uint16 = 0x8004
	spsCmdSoftReset        uint16 = 0xD304

	// big endian IEEE754 float output, second byte is a dummy
	spsFormatFloat uint16 = 0x0300
)

// AQI is the US EPA air quality category derived from PM2.5.
type AQI int

const (
	AQIGood AQI = iota
	AQIModerate
	AQIUnhealthySensitive
	AQIUnhealthy
	AQIVeryUnhealthy
	AQIHazardous
)

func (a AQI) String() string {
	switch a {
	case AQIGood:
		return "Good"
	case AQIModerate:
		return "Moderate"
	case AQIUnhealthySensitive:
		return "Unhealthy for Sensitive Groups"
	case AQIUnhealthy:
		return "Unhealthy"
	case AQIVeryUnhealthy:
		return "Very Unhealthy"
	default:
		return "Hazardous"
	}
}

// ClassifyPM25 maps a PM2.5 mass concentration in µg/m³ to its AQI category.
func ClassifyPM25(pm25 float32) AQI {
	switch {
	case pm25 <= 12.0:
		return AQIGood
	case pm25 <= 35.4:
		return AQIModerate
	case pm25 <= 55.4:
		return AQIUnhealthySensitive
	case pm25 <= 150.4:
		return AQIUnhealthy
	case pm25 <= 250.4:
		return AQIVeryUnhealthy
	default:
		return AQIHazardous
	}
}

// PMData is one SPS30 measurement. Mass concentrations are in µg/m³,
// number concentrations in #/cm³ and the typical particle size in µm.
type PMData struct {
	MassPM1   float32
	MassPM25  float32
	MassPM4   float32
	MassPM10  float32
	NumPM05   float32
	NumPM1    float32
	NumPM25   float32
	NumPM4    float32
	NumPM10   float32
	TypicalSz float32
}

type SPS30Opts struct {
	WakeDelay    time.Duration
	CommandDelay time.Duration
	ResetDelay   time.Duration
	// AutoCleanInterval is written during Init when non-zero.
	AutoCleanInterval time.Duration
}

type SPS30Opt func(*SPS30Opts)

func WithWakeDelay(d time.Duration) SPS30Opt {
	return func(o *SPS30Opts) {
		o.WakeDelay = d
	}
}

func WithSPS30CommandDelay(d time.Duration) SPS30Opt {
	return func(o *SPS30Opts) {
		o.CommandDelay = d
	}
}

func WithResetDelay(d time.Duration) SPS30Opt {
	return func(o *SPS30Opts) {
		o.ResetDelay = d
	}
}

func WithAutoCleanInterval(d time.Duration) SPS30Opt {
	return func(o *SPS30Opts) {
		o.AutoCleanInterval = d
	}
}

var _ sensornode.Sensor = &SPS30{}

// SPS30 is a laser scattering particulate matter sensor. Between cycles it
// is kept in sleep mode with the fan and laser off.
type SPS30 struct {
	mx        sync.Mutex
	presence  sensornode.Presence
	config    SPS30Opts
	transport sensornode.I2CBus
	on        bool
	valid     bool
	data      PMData
}

func NewSPS30(trans sensornode.I2CBus, opts ...SPS30Opt) *SPS30 {
	config := SPS30Opts{
		WakeDelay:    10 * time.Millisecond,
		CommandDelay: 25 * time.Millisecond,
		ResetDelay:   110 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &SPS30{transport: trans, config: config}
}

func (s *SPS30) Name() string { return "sps30" }

func (s *SPS30) Is(ctx context.Context, tryInit bool) bool {
	return s.presence.Is(ctx, tryInit, s.Init)
}

func (s *SPS30) command(ctx context.Context, cmd uint16, delay time.Duration, args ...uint16) error {
	buf := binary.BigEndian.AppendUint16(make([]byte, 0, 2+3*len(args)), cmd)
	for _, a := range args {
		buf = sensornode.AppendWord(buf, a)
	}
	if err := s.transport.WriteToAddr(ctx, sps30Address, buf); err != nil {
		return err
	}
	return sensornode.Wait(ctx, delay)
}

func (s *SPS30) query(ctx context.Context, cmd uint16, buf []byte) error {
	if err := s.command(ctx, cmd, 0); err != nil {
		return err
	}
	if err := s.transport.ReadFromAddr(ctx, sps30Address, buf); err != nil {
		return err
	}
	if !sensornode.CheckCRC8(buf) {
		return sensornode.ErrChecksum
	}
	return nil
}

// wake brings the sensor out of sleep. The first transfer only generates the
// wake-up pulse and may not be acknowledged.
func (s *SPS30) wake(ctx context.Context) error {
	_ = s.command(ctx, spsCmdWakeUp, 0)
	return s.command(ctx, spsCmdWakeUp, s.config.WakeDelay)
}

// Init wakes the sensor, soft resets it, optionally programs the auto
// cleaning interval and puts it back to sleep.
func (s *SPS30) Init(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.wake(ctx); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("sps30: wake up failed: %w", err)
	}
	if err := sensornode.Probe(ctx, s.transport, sps30Address); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("sps30: %w", err)
	}
	if err := s.command(ctx, spsCmdSoftReset, s.config.ResetDelay); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("sps30: soft reset failed: %w", err)
	}
	if s.config.AutoCleanInterval > 0 {
		if err := s.setAutoCleanInterval(ctx, s.config.AutoCleanInterval); err != nil {
			s.presence.Set(false)
			return fmt.Errorf("sps30: %w", err)
		}
	}
	if err := s.command(ctx, spsCmdSleep, s.config.WakeDelay); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("sps30: sleep failed: %w", err)
	}
	s.on = false
	s.presence.Set(true)
	return nil
}

// On wakes the sensor and starts measuring. The first sample takes about a second.
func (s *SPS30) On(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.wake(ctx); err != nil {
		return fmt.Errorf("sps30: wake up failed: %w", err)
	}
	if err := s.command(ctx, spsCmdStartMeasurement, s.config.CommandDelay, spsFormatFloat); err != nil {
		return fmt.Errorf("sps30: start measurement failed: %w", err)
	}
	s.on = true
	return nil
}

// Off stops measuring and puts the sensor to sleep.
func (s *SPS30) Off(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.on {
		return nil
	}
	if err := s.command(ctx, spsCmdStopMeasurement, s.config.CommandDelay); err != nil {
		return fmt.Errorf("sps30: stop measurement failed: %w", err)
	}
	s.on = false
	if err := s.command(ctx, spsCmdSleep, s.config.WakeDelay); err != nil {
		return fmt.Errorf("sps30: sleep failed: %w", err)
	}
	return nil
}

// IsOn infers the measurement state from the data ready flag. A sleeping
// sensor does not answer at all, which is reported as off.
func (s *SPS30) IsOn(ctx context.Context) (bool, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.on {
		return false, nil
	}
	ready, err := s.dataReady(ctx)
	if err != nil {
		return false, err
	}
	return ready, nil
}

func (s *SPS30) dataReady(ctx context.Context) (bool, error) {
	buf := make([]byte, 3)
	if err := s.query(ctx, spsCmdDataReady, buf); err != nil {
		return false, fmt.Errorf("sps30: data ready failed: %w", err)
	}
	return buf[1] == 0x01, nil
}

func (s *SPS30) Read(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.on {
		return fmt.Errorf("sps30: %w", sensornode.ErrTimeout)
	}
	ready, err := s.dataReady(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("sps30: %w", sensornode.ErrBusy)
	}
	// 10 floats, each sent as two checksummed words
	buf := make([]byte, 60)
	if err := s.query(ctx, spsCmdReadMeasurement, buf); err != nil {
		return fmt.Errorf("sps30: read measurement failed: %w", err)
	}
	values := make([]float32, 10)
	for i := range values {
		b := buf[i*6:]
		bits := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[3])<<8 | uint32(b[4])
		values[i] = math.Float32frombits(bits)
	}
	s.data = PMData{
		MassPM1: values[0], MassPM25: values[1], MassPM4: values[2], MassPM10: values[3],
		NumPM05: values[4], NumPM1: values[5], NumPM25: values[6], NumPM4: values[7], NumPM10: values[8],
		TypicalSz: values[9],
	}
	s.valid = true
	return nil
}

// Data returns the last measurement.
func (s *SPS30) Data() (PMData, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.data, s.valid
}

// StartCleaning runs the fan at full speed for 10 s. It only works while measuring.
func (s *SPS30) StartCleaning(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.on {
		return fmt.Errorf("sps30: cleaning: %w", sensornode.ErrTimeout)
	}
	if err := s.command(ctx, spsCmdFanCleaning, s.config.CommandDelay); err != nil {
		return fmt.Errorf("sps30: start cleaning failed: %w", err)
	}
	return nil
}

// AutoCleanInterval reads the fan auto cleaning interval.
func (s *SPS30) AutoCleanInterval(ctx context.Context) (time.Duration, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	buf := make([]byte, 6)
	if err := s.query(ctx, spsCmdAutoClean, buf); err != nil {
		return 0, fmt.Errorf("sps30: read auto clean interval failed: %w", err)
	}
	sec := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[3])<<8 | uint32(buf[4])
	return time.Duration(sec) * time.Second, nil
}

// SetAutoCleanInterval programs the fan auto cleaning interval. It is
// persisted by the sensor.
func (s *SPS30) SetAutoCleanInterval(ctx context.Context, d time.Duration) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.setAutoCleanInterval(ctx, d)
}

func (s *SPS30) setAutoCleanInterval(ctx context.Context, d time.Duration) error {
	sec := uint32(d / time.Second)
	if err := s.command(ctx, spsCmdAutoClean, s.config.CommandDelay, uint16(sec>>16), uint16(sec)); err != nil {
		return fmt.Errorf("set auto clean interval failed: %w", err)
	}
	return nil
}

func (s *SPS30) Fields() []sensornode.Field {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.valid {
		return nil
	}
	return []sensornode.Field{sensornode.LabelField("sps30", ClassifyPM25(s.data.MassPM25).String())}
}
