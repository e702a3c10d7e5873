package gpio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/sensornodetest"
)

func TestMCP23017_SetPinKeepsLatch(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(DefaultMCP23017Address), []byte{0x14, 0x01}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(DefaultMCP23017Address), []byte{0x14, 0x81}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(DefaultMCP23017Address), []byte{0x14, 0x80}).Return(nil).Once()

	m := NewMCP23017(bus, DefaultMCP23017Address)
	ctx := context.Background()
	assert.NoError(t, m.SetPin(ctx, PortA, 0, true))
	assert.NoError(t, m.SetPin(ctx, PortA, 7, true))
	assert.NoError(t, m.SetPin(ctx, PortA, 0, false))
	bus.AssertExpectations(t)
}

func TestMCP23017_RetriesOnBusyBus(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(0x20), []byte{0x01, 0x00}).Return(sensornode.ErrBusBusy).Once()
	bus.On("Release", mock.Anything).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(0x20), []byte{0x01, 0x00}).Return(nil).Once()

	m := NewMCP23017(bus, 0x20)
	assert.NoError(t, m.SetDirection(context.Background(), PortB, 0x00))
	bus.AssertExpectations(t)
}

func TestMCP23017_RetryLimit(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(0x20), mock.Anything).Return(sensornode.ErrBusBusy)
	bus.On("Release", mock.Anything).Return(nil)

	m := NewMCP23017(bus, 0x20, WithRetryLimit(3))
	err := m.SetPin(context.Background(), PortA, 1, true)
	assert.ErrorIs(t, err, sensornode.ErrBusBusy)
	bus.AssertNumberOfCalls(t, "WriteToAddr", 3)
}

func TestMCP23017_OtherErrorsAreNotRetried(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(0x20), mock.Anything).Return(errors.New("nack")).Once()

	m := NewMCP23017(bus, 0x20)
	assert.Error(t, m.PullUp(context.Background(), PortA, 0xFF))
	bus.AssertNotCalled(t, "Release", mock.Anything)
}

func TestMCP23017_ReadPort(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(0x20), []byte{0x13}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(0x20), mock.Anything).Return([]byte{0xA5}, nil).Once()

	m := NewMCP23017(bus, 0x20)
	v, err := m.ReadPort(context.Background(), PortB)
	assert.NoError(t, err)
	assert.Equal(t, byte(0xA5), v)
}

func TestMCP23017_InvalidPin(t *testing.T) {
	m := NewMCP23017(&sensornodetest.MockI2CBus{}, 0x20)
	assert.Error(t, m.SetPin(context.Background(), PortA, 8, true))
}
