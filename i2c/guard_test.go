package i2c

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/sensornodetest"
)

func TestGuard_BusyProbeResetsOnceAndRetries(t *testing.T) {
	bus := &sensornodetest.MockResettableBus{}
	bus.On("Probe", mock.Anything, byte(0x44)).Return(sensornode.ErrBusBusy).Once()
	bus.On("Probe", mock.Anything, byte(0x44)).Return(nil).Once()
	bus.On("Reset", mock.Anything).Return(nil).Once()

	g := NewGuard(bus, WithResetDelay(0))
	err := sensornode.Probe(context.Background(), g, 0x44)

	assert.NoError(t, err)
	assert.Equal(t, 1, g.Resets())
	bus.AssertNumberOfCalls(t, "Reset", 1)
	bus.AssertNumberOfCalls(t, "Probe", 2)
	bus.AssertExpectations(t)
}

func TestGuard_ReturnsOriginalBusyError(t *testing.T) {
	bus := &sensornodetest.MockResettableBus{}
	bus.On("Probe", mock.Anything, byte(0x29)).Return(sensornode.ErrBusBusy).Once()
	bus.On("Reset", mock.Anything).Return(errors.New("reinit failed")).Once()

	g := NewGuard(bus, WithResetDelay(0))
	err := g.Probe(context.Background(), 0x29)
	assert.ErrorIs(t, err, sensornode.ErrBusBusy)
}

func TestGuard_NoDeviceDoesNotReset(t *testing.T) {
	bus := &sensornodetest.MockResettableBus{}
	bus.On("Probe", mock.Anything, byte(0x62)).Return(sensornode.ErrNoDevice)

	g := NewGuard(bus, WithResetDelay(0))
	err := sensornode.Probe(context.Background(), g, 0x62)

	assert.ErrorIs(t, err, sensornode.ErrNoDevice)
	assert.Equal(t, 0, g.Resets())
	bus.AssertNotCalled(t, "Reset", mock.Anything)
	bus.AssertNumberOfCalls(t, "Probe", 1)
}

func TestGuard_PassesTransfersThrough(t *testing.T) {
	bus := &sensornodetest.MockResettableBus{}
	bus.On("WriteToAddr", mock.Anything, byte(0x44), []byte{0xFD}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(0x44), mock.Anything).Return([]byte{1, 2}, nil).Once()
	bus.On("Release", mock.Anything).Return(nil).Once()

	g := NewGuard(bus)
	buf := make([]byte, 2)
	assert.NoError(t, g.WriteToAddr(context.Background(), 0x44, []byte{0xFD}))
	assert.NoError(t, g.ReadFromAddr(context.Background(), 0x44, buf))
	assert.NoError(t, g.Release(context.Background()))
	assert.Equal(t, []byte{1, 2}, buf)
	bus.AssertExpectations(t)
}

func TestScan(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("Probe", mock.Anything, byte(0x44)).Return(nil)
	bus.On("Probe", mock.Anything, byte(0x62)).Return(nil)
	bus.On("Probe", mock.Anything, mock.Anything).Return(sensornode.ErrNoDevice)

	found, err := Scan(context.Background(), bus)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x44, 0x62}, found)
}
