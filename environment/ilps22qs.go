package environment

import (
	"context"
	"errors"
	"fmt"

	"github.com/mklimuk/sensornode"
)

const ilps22qsAddress = 0x5C

const (
	ilpsRegWhoAmI   byte = 0x0F
	ilpsRegCtrl1    byte = 0x10
	ilpsRegPressXL  byte = 0x28
	ilpsWhoAmIValue byte = 0xB4
	// ODR 25 Hz, AVG 16
	ilpsCtrl1On   byte = 0x50
	ilpsCtrl1Mask byte = 0x50
)

var ErrWrongIdentity = errors.New("unexpected identity register value")

var _ sensornode.Sensor = &ILPS22QS{}

// ILPS22QS is an absolute pressure sensor running in continuous mode while on.
type ILPS22QS struct {
	presence  sensornode.Presence
	transport sensornode.I2CBus
	valid     bool
	pressure  float64
	temp      float64
}

func NewILPS22QS(trans sensornode.I2CBus) *ILPS22QS {
	return &ILPS22QS{transport: trans}
}

func (s *ILPS22QS) Name() string { return "ilps22qs" }

func (s *ILPS22QS) Is(ctx context.Context, tryInit bool) bool {
	return s.presence.Is(ctx, tryInit, s.Init)
}

func (s *ILPS22QS) Init(ctx context.Context) error {
	if err := sensornode.Probe(ctx, s.transport, ilps22qsAddress); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("ilps22qs: %w", err)
	}
	id := make([]byte, 1)
	if err := sensornode.ReadRegister(ctx, s.transport, ilps22qsAddress, []byte{ilpsRegWhoAmI}, id); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("ilps22qs: read identity failed: %w", err)
	}
	if id[0] != ilpsWhoAmIValue {
		s.presence.Set(false)
		return fmt.Errorf("ilps22qs: got %#x: %w", id[0], ErrWrongIdentity)
	}
	s.presence.Set(true)
	if err := s.On(ctx); err != nil {
		return err
	}
	return s.Off(ctx)
}

func (s *ILPS22QS) On(ctx context.Context) error {
	if err := s.transport.WriteToAddr(ctx, ilps22qsAddress, []byte{ilpsRegCtrl1, ilpsCtrl1On}); err != nil {
		return fmt.Errorf("ilps22qs: on failed: %w", err)
	}
	return nil
}

// Off puts the chip in power-down (one-shot idle) mode.
func (s *ILPS22QS) Off(ctx context.Context) error {
	if err := s.transport.WriteToAddr(ctx, ilps22qsAddress, []byte{ilpsRegCtrl1, 0x00}); err != nil {
		return fmt.Errorf("ilps22qs: off failed: %w", err)
	}
	return nil
}

func (s *ILPS22QS) IsOn(ctx context.Context) (bool, error) {
	buf := make([]byte, 1)
	if err := sensornode.ReadRegister(ctx, s.transport, ilps22qsAddress, []byte{ilpsRegCtrl1}, buf); err != nil {
		return false, fmt.Errorf("ilps22qs: read control failed: %w", err)
	}
	return buf[0]&ilpsCtrl1Mask == ilpsCtrl1On, nil
}

func (s *ILPS22QS) Read(ctx context.Context) error {
	on, err := s.IsOn(ctx)
	if err != nil {
		return err
	}
	if !on {
		return fmt.Errorf("ilps22qs: %w", sensornode.ErrTimeout)
	}
	// PRESS_OUT_XL, L, H, TEMP_OUT_L, H
	buf := make([]byte, 5)
	if err := sensornode.ReadRegister(ctx, s.transport, ilps22qsAddress, []byte{ilpsRegPressXL}, buf); err != nil {
		return fmt.Errorf("ilps22qs: read data failed: %w", err)
	}
	raw := int32(uint32(buf[0])<<8|uint32(buf[1])<<16|uint32(buf[2])<<24) >> 8
	s.pressure = float64(raw) / 4096.0
	s.temp = float64(int16(uint16(buf[3])|uint16(buf[4])<<8)) / 100.0
	s.valid = true
	return nil
}

// PressureAndTemp returns the last measurement in hPa and °C.
func (s *ILPS22QS) PressureAndTemp() (float64, float64, bool) {
	return s.pressure, s.temp, s.valid
}

func (s *ILPS22QS) Fields() []sensornode.Field {
	if !s.valid {
		return nil
	}
	return []sensornode.Field{
		sensornode.Fixed("pressure", s.pressure),
		sensornode.Fixed("temp", s.temp),
	}
}
