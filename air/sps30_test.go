package air

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/sensornodetest"
)

func floatWords(values ...float32) []byte {
	var words []uint16
	for _, v := range values {
		bits := math.Float32bits(v)
		words = append(words, uint16(bits>>16), uint16(bits))
	}
	return sensornodetest.Words(words...)
}

func newTestSPS30(bus sensornode.I2CBus, opts ...SPS30Opt) *SPS30 {
	opts = append([]SPS30Opt{WithWakeDelay(0), WithSPS30CommandDelay(0), WithResetDelay(0)}, opts...)
	return NewSPS30(bus, opts...)
}

func TestClassifyPM25(t *testing.T) {
	tests := []struct {
		pm25 float32
		want string
	}{
		{0, "Good"},
		{12.0, "Good"},
		{12.1, "Moderate"},
		{35.4, "Moderate"},
		{40, "Unhealthy for Sensitive Groups"},
		{100, "Unhealthy"},
		{200, "Very Unhealthy"},
		{300, "Hazardous"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPM25(tt.pm25).String())
		})
	}
}

func TestSPS30_ReadBeforeOn(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	s := newTestSPS30(bus)
	assert.ErrorIs(t, s.Read(context.Background()), sensornode.ErrTimeout)
	bus.AssertNotCalled(t, "WriteToAddr", mock.Anything, mock.Anything, mock.Anything)
}

func TestSPS30_Read(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), []byte{0x11, 0x03}).Return(nil).Twice()
	start := append([]byte{0x00, 0x10}, sensornodetest.Word(0x0300)...)
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), start).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), []byte{0x02, 0x02}).Return(nil).Twice()
	bus.On("ReadFromAddr", mock.Anything, byte(sps30Address), mock.Anything).Return(sensornodetest.Word(0x0000), nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(sps30Address), mock.Anything).Return(sensornodetest.Word(0x0001), nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), []byte{0x03, 0x00}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(sps30Address), mock.Anything).
		Return(floatWords(5.5, 18.25, 20, 21, 30, 35, 36, 36.5, 37, 0.6), nil).Once()

	s := newTestSPS30(bus)
	ctx := context.Background()
	assert.NoError(t, s.On(ctx))
	assert.ErrorIs(t, s.Read(ctx), sensornode.ErrBusy)
	assert.NoError(t, s.Read(ctx))

	data, ok := s.Data()
	assert.True(t, ok)
	assert.Equal(t, float32(5.5), data.MassPM1)
	assert.Equal(t, float32(18.25), data.MassPM25)
	assert.Equal(t, float32(0.6), data.TypicalSz)
	assert.Equal(t, []sensornode.Field{sensornode.LabelField("sps30", "Moderate")}, s.Fields())
	bus.AssertExpectations(t)
}

func TestSPS30_ReadChecksumMismatch(t *testing.T) {
	data := floatWords(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	data[59] ^= 0x01

	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(sps30Address), mock.Anything).Return(sensornodetest.Word(0x0001), nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(sps30Address), mock.Anything).Return(data, nil).Once()

	s := newTestSPS30(bus)
	ctx := context.Background()
	assert.NoError(t, s.On(ctx))
	assert.ErrorIs(t, s.Read(ctx), sensornode.ErrChecksum)
	assert.Nil(t, s.Fields())
}

func TestSPS30_InitProgramsAutoClean(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), []byte{0x11, 0x03}).Return(nil)
	bus.On("Probe", mock.Anything, byte(sps30Address)).Return(nil)
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), []byte{0xD3, 0x04}).Return(nil).Once()
	// 4 days = 345600 s = 0x00054600
	interval := append([]byte{0x80, 0x04}, sensornodetest.Words(0x0005, 0x4600)...)
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), interval).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), []byte{0x10, 0x01}).Return(nil).Once()

	s := newTestSPS30(bus, WithAutoCleanInterval(96*time.Hour))
	assert.True(t, s.Is(context.Background(), true))
	bus.AssertExpectations(t)
}

func TestSPS30_AutoCleanInterval(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), []byte{0x80, 0x04}).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(sps30Address), mock.Anything).Return(sensornodetest.Words(0x0009, 0x3A80), nil)

	s := newTestSPS30(bus)
	d, err := s.AutoCleanInterval(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 168*time.Hour, d)
}

func TestSPS30_CleaningRequiresMeasurement(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), mock.Anything).Return(nil)

	s := newTestSPS30(bus)
	ctx := context.Background()
	assert.ErrorIs(t, s.StartCleaning(ctx), sensornode.ErrTimeout)
	assert.NoError(t, s.On(ctx))
	assert.NoError(t, s.StartCleaning(ctx))
	bus.AssertCalled(t, "WriteToAddr", mock.Anything, byte(sps30Address), []byte{0x56, 0x07})
}

func TestSPS30_OffTwice(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(sps30Address), mock.Anything).Return(nil)

	s := newTestSPS30(bus)
	ctx := context.Background()
	assert.NoError(t, s.On(ctx))
	assert.NoError(t, s.Off(ctx))
	assert.NoError(t, s.Off(ctx))
	on, err := s.IsOn(ctx)
	assert.NoError(t, err)
	assert.False(t, on)
	bus.AssertCalled(t, "WriteToAddr", mock.Anything, byte(sps30Address), []byte{0x01, 0x04})
	bus.AssertCalled(t, "WriteToAddr", mock.Anything, byte(sps30Address), []byte{0x10, 0x01})
}
