package environment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/sensornodetest"
)

func channels(ch0, ch1 uint16) []byte {
	return []byte{byte(ch0), byte(ch0 >> 8), byte(ch1), byte(ch1 >> 8)}
}

func TestTSL2591_ReadBeforeOn(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	s := NewTSL2591(bus)
	assert.ErrorIs(t, s.Read(context.Background()), sensornode.ErrTimeout)
	bus.AssertNotCalled(t, "ReadFromAddr", mock.Anything, mock.Anything, mock.Anything)
}

func TestTSL2591_AutoRanging(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(tsl2591Address), []byte{0xA0, 0x03}).Return(nil)
	bus.On("WriteToAddr", mock.Anything, byte(tsl2591Address), []byte{0xA1, 0x11}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(tsl2591Address), []byte{0xB4}).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(tsl2591Address), mock.Anything).Return(channels(61000, 0), nil).Once()
	// gain stepped down to LOW
	bus.On("WriteToAddr", mock.Anything, byte(tsl2591Address), []byte{0xA1, 0x01}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(tsl2591Address), mock.Anything).Return(channels(30000, 0), nil).Once()

	s := NewTSL2591(bus, WithWarmupSamples(0))
	ctx := context.Background()
	assert.Equal(t, GainMed, s.Gain())
	assert.NoError(t, s.On(ctx))

	err := s.Read(ctx)
	assert.ErrorIs(t, err, sensornode.ErrBusy)
	assert.Equal(t, GainLow, s.Gain())
	assert.Nil(t, s.Fields())

	assert.NoError(t, s.Read(ctx))
	lux, ok := s.Lux()
	assert.True(t, ok)
	// cpl = 100 * 1 / 408
	assert.InDelta(t, 122400.0, lux, 0.5)
	assert.Equal(t, []sensornode.Field{sensornode.Fixed("lux", lux)}, s.Fields())
	bus.AssertExpectations(t)
}

func TestTSL2591_WarmupAfterInit(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("Probe", mock.Anything, byte(tsl2591Address)).Return(nil)
	bus.On("WriteToAddr", mock.Anything, byte(tsl2591Address), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(tsl2591Address), mock.Anything).Return(channels(10000, 1000), nil)

	s := NewTSL2591(bus, WithWarmupSamples(2))
	ctx := context.Background()
	assert.NoError(t, s.Init(ctx))
	assert.Equal(t, 2, s.WarmupRemaining())
	assert.NoError(t, s.On(ctx))

	assert.ErrorIs(t, s.Read(ctx), sensornode.ErrBusy)
	assert.ErrorIs(t, s.Read(ctx), sensornode.ErrBusy)
	assert.Equal(t, 0, s.WarmupRemaining())
	assert.NoError(t, s.Read(ctx))
	lux, _ := s.Lux()
	// (10000 - 2000) / (100 * 25 / 408)
	assert.InDelta(t, 1305.6, lux, 0.1)
}

func TestTSL2591_LuxClampedAtZero(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(tsl2591Address), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(tsl2591Address), mock.Anything).Return(channels(1000, 900), nil)

	s := NewTSL2591(bus, WithWarmupSamples(0))
	ctx := context.Background()
	assert.NoError(t, s.On(ctx))
	assert.NoError(t, s.Read(ctx))
	lux, ok := s.Lux()
	assert.True(t, ok)
	assert.Equal(t, 0.0, lux)
}

func TestTSL2591_GainLimits(t *testing.T) {
	tests := []struct {
		name  string
		start Gain
		ch0   uint16
		want  Gain
	}{
		{"dark at max stays max", GainMax, 100, GainMax},
		{"saturated at low stays low", GainLow, 65000, GainLow},
		{"dark at high goes max", GainHigh, 100, GainMax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &sensornodetest.MockI2CBus{}
			bus.On("WriteToAddr", mock.Anything, byte(tsl2591Address), mock.Anything).Return(nil)
			bus.On("ReadFromAddr", mock.Anything, byte(tsl2591Address), mock.Anything).Return(channels(tt.ch0, 0), nil)

			s := NewTSL2591(bus, WithGain(tt.start), WithWarmupSamples(0))
			ctx := context.Background()
			assert.NoError(t, s.On(ctx))
			assert.ErrorIs(t, s.Read(ctx), sensornode.ErrBusy)
			assert.Equal(t, tt.want, s.Gain())
		})
	}
}

func TestTSL2591_IsOnReadsEnableRegister(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(tsl2591Address), []byte{0xA0}).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(tsl2591Address), mock.Anything).Return([]byte{0x03}, nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(tsl2591Address), mock.Anything).Return([]byte{0x00}, nil).Once()

	s := NewTSL2591(bus)
	on, err := s.IsOn(context.Background())
	assert.NoError(t, err)
	assert.True(t, on)
	on, err = s.IsOn(context.Background())
	assert.NoError(t, err)
	assert.False(t, on)
}
