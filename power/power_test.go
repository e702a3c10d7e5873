package power

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sensornode/gpio"
	"github.com/mklimuk/sensornode/sensornodetest"
)

type recordingOutput struct {
	levels []bool
	err    error
}

func (o *recordingOutput) Set(ctx context.Context, high bool) error {
	if o.err != nil {
		return o.err
	}
	o.levels = append(o.levels, high)
	return nil
}

type countingResetter struct {
	resets int
}

func (c *countingResetter) Reset(ctx context.Context) error {
	c.resets++
	return nil
}

func TestRail(t *testing.T) {
	tests := []struct {
		name   string
		opts   []RailOpt
		levels []bool
	}{
		{name: "active high", levels: []bool{true, false}},
		{name: "active low", opts: []RailOpt{WithActiveLow()}, levels: []bool{false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &recordingOutput{}
			bus := &countingResetter{}
			r := NewRail(out, append(tt.opts, WithRampDelay(0), WithBusReset(bus))...)
			ctx := context.Background()

			require.NoError(t, r.BusOn(ctx))
			assert.True(t, r.IsOn())
			require.NoError(t, r.BusOff(ctx))
			assert.False(t, r.IsOn())
			assert.Equal(t, tt.levels, out.levels)
			assert.Equal(t, 1, bus.resets)
		})
	}
}

func TestRail_OutputFailure(t *testing.T) {
	r := NewRail(&recordingOutput{err: errors.New("nack")}, WithRampDelay(0))
	assert.ErrorContains(t, r.BusOn(context.Background()), "power: rail on")
	assert.False(t, r.IsOn())
}

func TestSleepRequestIsConsumed(t *testing.T) {
	h := NewHost()
	ctx := context.Background()
	assert.False(t, h.SleepRequested())
	h.RequestLowPowerSleep(ctx)
	assert.True(t, h.SleepRequested())
	assert.False(t, h.SleepRequested(), "second read sees a cleared request")
	assert.Equal(t, 1, h.Requests())
	assert.NoError(t, h.BusOn(ctx))
	assert.NoError(t, h.BusOff(ctx))
}

func TestExpanderPin(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	// IODIRB with pin 3 as output, then OLATB
	bus.On("WriteToAddr", mock.Anything, byte(gpio.DefaultMCP23017Address), []byte{0x01, 0xF7}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(gpio.DefaultMCP23017Address), []byte{0x15, 0x08}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(gpio.DefaultMCP23017Address), []byte{0x15, 0x00}).Return(nil).Once()

	pin := NewExpanderPin(gpio.NewMCP23017(bus, gpio.DefaultMCP23017Address), gpio.PortB, 3)
	r := NewRail(pin, WithRampDelay(0))
	ctx := context.Background()
	require.NoError(t, pin.Init(ctx))
	require.NoError(t, r.BusOn(ctx))
	require.NoError(t, r.BusOff(ctx))
	bus.AssertExpectations(t)
}
