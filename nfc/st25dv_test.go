package nfc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/sensornodetest"
)

func newTestTag(bus sensornode.I2CBus) *ST25DV {
	return NewST25DV(bus, WithRetries(5, 0), WithWriteCycle(0), WithInitDelays(0, 0))
}

func TestST25DV_Init(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("Probe", mock.Anything, byte(UserAddress)).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x00, 0x0D, 0x01}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x00, 0x0D, 0x00}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x20, 0x00, 0x00}).Return(nil).Once()

	s := newTestTag(bus)
	assert.True(t, s.Is(context.Background(), true))
	assert.True(t, s.Is(context.Background(), false))
	bus.AssertExpectations(t)
}

func TestST25DV_OnRetriesWhileRFBusy(t *testing.T) {
	nack := errors.New("nack")
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x20, 0x00, 0x95}).Return(nack).Times(3)
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x20, 0x00, 0x95}).Return(nil).Once()

	s := newTestTag(bus)
	assert.NoError(t, s.On(context.Background()))
	bus.AssertNumberOfCalls(t, "WriteToAddr", 4)
}

func TestST25DV_OnGivesUp(t *testing.T) {
	nack := errors.New("nack")
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), mock.Anything).Return(nack)

	s := newTestTag(bus)
	assert.ErrorIs(t, s.On(context.Background()), nack)
	bus.AssertNumberOfCalls(t, "WriteToAddr", 5)
}

func TestST25DV_ReadWhenOff(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x20, 0x00}).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(UserAddress), mock.Anything).Return([]byte{0x00}, nil)

	s := newTestTag(bus)
	assert.ErrorIs(t, s.Read(context.Background()), sensornode.ErrTimeout)
	assert.Nil(t, s.Fields())
}

func TestST25DV_Read(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x20, 0x00}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(UserAddress), mock.Anything).Return([]byte{0x95}, nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x00, 0x00}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(UserAddress), mock.Anything).Return([]byte{0x00, 0x00, 0x01, 0x2C}, nil).Once()

	s := newTestTag(bus)
	assert.NoError(t, s.Read(context.Background()))
	assert.Equal(t, []sensornode.Field{sensornode.Int("nfc", 300)}, s.Fields())
	bus.AssertExpectations(t)
}

func TestST25DV_WriteEEPROMChunks(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x00, 0x10, 1, 2, 3, 4}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x00, 0x14, 5, 6, 7, 8}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x00, 0x18, 9}).Return(nil).Once()

	s := newTestTag(bus)
	assert.NoError(t, s.WriteEEPROM(context.Background(), 0x10, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	bus.AssertExpectations(t)
}

func TestST25DV_WriteValueAndReset(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x2C}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x00, 0x00, 0, 0, 0, 0}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x00, 0x04, 0, 0}).Return(nil).Once()

	s := newTestTag(bus)
	ctx := context.Background()
	assert.NoError(t, s.WriteValue(ctx, 300))
	assert.NoError(t, s.ResetEEPROM(ctx, 6))
	bus.AssertExpectations(t)
}

func TestST25DV_RangeChecks(t *testing.T) {
	s := newTestTag(&sensornodetest.MockI2CBus{})
	ctx := context.Background()
	assert.ErrorIs(t, s.WriteEEPROM(ctx, EEPROMSize-2, []byte{1, 2, 3}), ErrInvalidRange)
	assert.ErrorIs(t, s.ReadEEPROM(ctx, EEPROMSize, make([]byte, 1)), ErrInvalidRange)
}

func TestST25DV_OffTwice(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x20, 0x00, 0x00}).Return(nil).Twice()
	bus.On("WriteToAddr", mock.Anything, byte(UserAddress), []byte{0x20, 0x00}).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(UserAddress), mock.Anything).Return([]byte{0x00}, nil)

	s := newTestTag(bus)
	ctx := context.Background()
	assert.NoError(t, s.Off(ctx))
	assert.NoError(t, s.Off(ctx))
	on, err := s.IsOn(ctx)
	assert.NoError(t, err)
	assert.False(t, on)
}
