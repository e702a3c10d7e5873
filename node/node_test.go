package node

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/environment"
	"github.com/mklimuk/sensornode/power"
	"github.com/mklimuk/sensornode/sequencer"
	"github.com/mklimuk/sensornode/transport"
)

func newSensor() *environment.Sim {
	return environment.NewSim("sht45", func(ctx context.Context) ([]sensornode.Field, error) {
		return []sensornode.Field{sensornode.Fixed("temp", 21.5)}, nil
	})
}

func build(clk clock.Clock, uplink transport.Uplink, hooks *power.Host, cycle time.Duration) (*Node, *sequencer.Sequencer) {
	gate := transport.NewGate(uplink)
	seq := sequencer.New([]sensornode.Sensor{newSensor()}, hooks, gate,
		sequencer.WithClock(clk),
		sequencer.WithSettleDelay(time.Second),
		sequencer.WithReadInterval(time.Second),
		sequencer.WithMaxReadIterations(2),
	)
	n := New(seq, gate, WithClock(clk), WithCycleInterval(cycle), WithSleeper(hooks))
	return n, seq
}

func TestNode_TickRunsCycleAndSleeps(t *testing.T) {
	clk := clock.NewMock()
	uplink := transport.NewSimulated(transport.WithJoinAfter(2))
	require.NoError(t, uplink.Connect(context.Background()))
	hooks := power.NewHost()
	n, seq := build(clk, uplink, hooks, 10*time.Second)
	ctx := context.Background()

	var slept time.Duration
	for i := 0; i < 100; i++ {
		if slept = n.Tick(ctx); slept > 0 {
			break
		}
		clk.Add(time.Second)
	}
	assert.True(t, uplink.IsJoined())
	assert.Equal(t, sequencer.Done, seq.State())
	assert.Equal(t, 4*time.Second, slept)
	assert.Equal(t, 1, n.Sleeps())
	assert.Len(t, uplink.Sent(), 2)

	clk.Add(slept + time.Second)
	n.Tick(ctx)
	assert.Equal(t, uint64(2), seq.Stats().Cycle, "next cycle starts after wake up")
}

func TestNode_CycleOverrun(t *testing.T) {
	clk := clock.NewMock()
	uplink := transport.NewSimulated()
	hooks := power.NewHost()
	n, seq := build(clk, uplink, hooks, 2*time.Second)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		n.Tick(ctx)
		clk.Add(time.Second)
	}
	require.Equal(t, uint64(1), seq.Stats().Cycle)
	for i := 0; i < 3; i++ {
		n.Tick(ctx)
		clk.Add(time.Second)
	}
	assert.Equal(t, uint64(1), seq.Stats().Cycle, "running cycle is not restarted")
}

func TestNode_Run(t *testing.T) {
	clk := clock.NewMock()
	uplink := transport.NewSimulated()
	hooks := power.NewHost()
	n, _ := build(clk, uplink, hooks, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		clk.Add(100 * time.Millisecond)
		return len(uplink.Sent()) > 0
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.False(t, uplink.IsJoined(), "uplink closed on exit")
}
