// Package node runs the cooperative control loop of the sensor node.
package node

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mklimuk/sensornode/power"
	"github.com/mklimuk/sensornode/sequencer"
	"github.com/mklimuk/sensornode/sleeper"
	"github.com/mklimuk/sensornode/transport"
)

const (
	DefaultCycleInterval = 30 * time.Second
	DefaultPollInterval  = 10 * time.Millisecond
)

type Opt func(*Node)

func WithClock(clk clock.Clock) Opt {
	return func(n *Node) {
		n.clock = clk
	}
}

// WithCycleInterval sets the time between the starts of two acquisition cycles.
func WithCycleInterval(d time.Duration) Opt {
	return func(n *Node) {
		n.cycleInterval = d
	}
}

func WithPollInterval(d time.Duration) Opt {
	return func(n *Node) {
		n.pollInterval = d
	}
}

// WithSleeper hands pending low-power sleep requests to the loop.
func WithSleeper(s power.Sleeper) Opt {
	return func(n *Node) {
		n.sleeper = s
	}
}

// Node ties the sequencer, the transport gate and the cycle cadence together.
// All of it runs on the goroutine calling Run.
type Node struct {
	seq           *sequencer.Sequencer
	gate          *transport.Gate
	sleeper       power.Sleeper
	clock         clock.Clock
	cycle         *sleeper.Timer
	cycleInterval time.Duration
	pollInterval  time.Duration
	status        string
	sleeps        int
}

func New(seq *sequencer.Sequencer, gate *transport.Gate, opts ...Opt) *Node {
	n := &Node{
		seq:           seq,
		gate:          gate,
		clock:         clock.New(),
		cycleInterval: DefaultCycleInterval,
		pollInterval:  DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.cycle = sleeper.New(n.clock, n.cycleInterval)
	return n
}

// Run joins the network and starts the first cycle right away. It returns
// nil when ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	slog.Info("node starting", "cycle", n.cycleInterval, "poll", n.pollInterval)
	n.gate.Start(ctx)
	n.startCycle()
	for {
		if d := n.Tick(ctx); d > 0 {
			if err := n.wait(ctx, d); err != nil {
				break
			}
			slog.Info("woken from low power sleep")
			continue
		}
		if err := n.wait(ctx, n.pollInterval); err != nil {
			break
		}
	}
	slog.Info("node stopping", "cycles", n.seq.Stats().Completed)
	if err := n.gate.Close(); err != nil {
		slog.Warn("uplink close failed", "error", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Tick runs one pass of the loop. A positive result is the time the node
// may sleep before the next cycle is due.
func (n *Node) Tick(ctx context.Context) time.Duration {
	if p, ok := n.gate.Uplink().(transport.Processor); ok {
		p.Process(ctx)
	}
	n.logStatus()

	n.seq.Step(ctx)

	if n.cycle.IsElapsed() {
		switch n.seq.State() {
		case sequencer.Done:
			n.seq.Rearm()
			n.startCycle()
		case sequencer.Idle:
			n.startCycle()
		default:
			slog.Warn("cycle overrun, previous cycle still running", "state", n.seq.State())
			n.cycle.Next()
		}
	}

	if n.sleeper != nil && n.sleeper.SleepRequested() {
		if d := n.cycle.Remaining(); d > 0 {
			n.sleeps++
			slog.Info("entering low power sleep", "for", d)
			return d
		}
	}
	return 0
}

// Sleeps returns how many times the loop went to sleep.
func (n *Node) Sleeps() int {
	return n.sleeps
}

func (n *Node) startCycle() {
	n.cycle.Next()
	if err := n.seq.Begin(); err != nil {
		slog.Warn("cycle not started", "error", err)
		return
	}
	slog.Debug("cycle started", "cycle", n.seq.Stats().Cycle)
}

func (n *Node) logStatus() {
	st := n.gate.Status()
	if st == n.status {
		return
	}
	n.status = st
	slog.Info("network status", "status", st)
}

func (n *Node) wait(ctx context.Context, d time.Duration) error {
	t := n.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
