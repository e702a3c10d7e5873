package air

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/sensornodetest"
)

func TestDrivers_PresenceAndPower(t *testing.T) {
	tests := []struct {
		name    string
		address byte
		new     func(bus sensornode.I2CBus) sensornode.Sensor
	}{
		{"scd41", scd41Address, func(bus sensornode.I2CBus) sensornode.Sensor { return newTestSCD41(bus) }},
		{"sps30", sps30Address, func(bus sensornode.I2CBus) sensornode.Sensor { return newTestSPS30(bus) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &sensornodetest.MockI2CBus{}
			bus.On("Probe", mock.Anything, tt.address).Return(nil)
			bus.On("WriteToAddr", mock.Anything, tt.address, mock.Anything).Return(nil)
			s := tt.new(bus)
			ctx := context.Background()

			require.True(t, s.Is(ctx, true))
			calls := len(bus.Calls)
			assert.True(t, s.Is(ctx, false))
			assert.True(t, s.Is(ctx, true), "known presence is not probed again")
			assert.Len(t, bus.Calls, calls, "cached presence does no bus traffic")
			bus.AssertNumberOfCalls(t, "Probe", 1)

			assert.NoError(t, s.On(ctx))
			assert.NoError(t, s.Off(ctx))
			writes := len(bus.Calls)
			assert.NoError(t, s.Off(ctx), "second off")
			assert.Len(t, bus.Calls, writes, "second off is a no-op")
			on, err := s.IsOn(ctx)
			assert.NoError(t, err)
			assert.False(t, on)
		})
	}
}
