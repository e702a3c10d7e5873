package sensornode_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/sensornodetest"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want sensornode.Status
	}{
		{name: "ok", err: nil, want: sensornode.StatusOk},
		{name: "busy", err: sensornode.ErrBusy, want: sensornode.StatusBusy},
		{name: "wrapped busy", err: fmt.Errorf("tsl2591: %w", sensornode.ErrBusy), want: sensornode.StatusBusy},
		{name: "timeout", err: sensornode.ErrTimeout, want: sensornode.StatusTimeout},
		{name: "checksum", err: sensornode.ErrChecksum, want: sensornode.StatusError},
		{name: "bus", err: errors.New("nack"), want: sensornode.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sensornode.StatusOf(tt.err))
		})
	}
}

func TestPresence_InitOnlyWhenAsked(t *testing.T) {
	var p sensornode.Presence
	calls := 0
	init := func(ctx context.Context) error {
		calls++
		p.Set(true)
		return nil
	}
	assert.False(t, p.Is(context.Background(), false, init))
	assert.Equal(t, 0, calls)
	assert.True(t, p.Is(context.Background(), true, init))
	assert.Equal(t, 1, calls)
	assert.True(t, p.Is(context.Background(), true, init))
	assert.Equal(t, 1, calls, "known presence must not re-run init")
}

func TestPresence_FailedInitStaysAbsent(t *testing.T) {
	var p sensornode.Presence
	init := func(ctx context.Context) error { return errors.New("no ack") }
	assert.False(t, p.Is(context.Background(), true, init))
	assert.False(t, p.Known())
}

func TestProbe_RetriesOnceAfterBusy(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("Probe", mock.Anything, byte(0x44)).Return(sensornode.ErrBusBusy).Once()
	bus.On("Probe", mock.Anything, byte(0x44)).Return(nil).Once()

	err := sensornode.Probe(context.Background(), bus, 0x44)
	assert.NoError(t, err)
	bus.AssertNumberOfCalls(t, "Probe", 2)
}

func TestProbe_NoDeviceIsNotRetried(t *testing.T) {
	bus := &sensornodetest.MockI2CBus{}
	bus.On("Probe", mock.Anything, byte(0x44)).Return(sensornode.ErrNoDevice).Once()

	err := sensornode.Probe(context.Background(), bus, 0x44)
	assert.ErrorIs(t, err, sensornode.ErrNoDevice)
	bus.AssertNumberOfCalls(t, "Probe", 1)
}

func TestCRC8(t *testing.T) {
	// datasheet example: 0xBEEF -> 0x92
	assert.Equal(t, byte(0x92), sensornode.CRC8([]byte{0xBE, 0xEF}))
	assert.True(t, sensornode.CheckCRC8(sensornodetest.Words(0x1234, 0xBEEF)))
	assert.False(t, sensornode.CheckCRC8([]byte{0xBE, 0xEF, 0x00}))
}

func TestCooldown(t *testing.T) {
	c := sensornode.NewCooldown(nil)
	assert.NoError(t, c.Wait(context.Background()))

	c.Start(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.Wait(ctx))
}

func TestCooldown_MockClock(t *testing.T) {
	clk := clock.NewMock()
	c := sensornode.NewCooldown(clk)
	c.Start(500 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("cooldown ended before the clock moved")
	case <-time.After(20 * time.Millisecond):
	}
	require.Eventually(t, func() bool {
		clk.Add(100 * time.Millisecond)
		select {
		case err := <-done:
			return assert.NoError(t, err)
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWaitOn(t *testing.T) {
	clk := clock.NewMock()
	assert.NoError(t, sensornode.WaitOn(context.Background(), clk, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sensornode.WaitOn(ctx, clk, time.Hour), context.Canceled)
}
