package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/air"
	"github.com/mklimuk/sensornode/cmd/sensornode/console"
	"github.com/mklimuk/sensornode/environment"
	"github.com/mklimuk/sensornode/monitor"
	"github.com/mklimuk/sensornode/node"
	"github.com/mklimuk/sensornode/power"
	"github.com/mklimuk/sensornode/sequencer"
	"github.com/mklimuk/sensornode/snsctx"
	"github.com/mklimuk/sensornode/trace"
	"github.com/mklimuk/sensornode/transport"
)

var runCmd = cli.Command{
	Name:  "run",
	Usage: "run the acquisition loop on the node hardware",
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(snsctx.SetVerbose(c.Context, c.Bool("verbose")), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hw, err := openHardware(ctx, cfg)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer hw.Close()
		hooks, err := hw.hooks(ctx, cfg.Power)
		if err != nil {
			return console.Exit(1, "power setup error: %s", console.Red(err))
		}
		reg := hw.registry(cfg.Sensors)
		for name, present := range reg.Detect(ctx) {
			slog.Info("sensor detection", "sensor", name, "present", present)
		}
		return runNode(ctx, reg.Sensors(), hooks, newUplink(cfg))
	},
}

var simulateCmd = cli.Command{
	Name:  "simulate",
	Usage: "run the acquisition loop with simulated sensors and network",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "join-after", Usage: "loop passes before the simulated network joins", Value: 100},
		&cli.Float64Flag{Name: "busy", Usage: "probability that a simulated read is still busy", Value: 0.3},
	},
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(snsctx.SetVerbose(c.Context, c.Bool("verbose")), os.Interrupt, syscall.SIGTERM)
		defer stop()
		uplink := transport.NewSimulated(
			transport.WithJoinAfter(c.Int("join-after")),
			transport.WithBusyFor(cfg.Uplink.Sim.BusyFor),
		)
		return runNode(ctx, simulatedSensors(c.Float64("busy")), power.NewHost(), uplink)
	},
}

// runNode wires the loop, the optional trace store and monitor, and blocks
// until ctx is cancelled.
func runNode(ctx context.Context, sensors []sensornode.Sensor, hooks power.Hooks, uplink transport.Uplink) error {
	gate := transport.NewGate(uplink, transport.WithPort(cfg.Uplink.Port), transport.WithConfirmed(cfg.Uplink.Confirmed))
	seqOpts := []sequencer.Opt{
		sequencer.WithSettleDelay(cfg.Node.SettleDelay),
		sequencer.WithReadInterval(cfg.Node.ReadInterval),
		sequencer.WithMaxReadIterations(cfg.Node.MaxReadIterations),
		sequencer.WithObserver(sequencer.ObserverFunc(printIteration)),
	}
	var store *trace.Store
	if cfg.Trace.Enabled {
		var err error
		store, err = trace.Open(cfg.Trace.Path)
		if err != nil {
			return console.Exit(1, "trace store error: %s", console.Red(err))
		}
		defer func() { _ = store.Close() }()
		seqOpts = append(seqOpts, sequencer.WithObserver(store))
	}
	// the monitor needs the sequencer for its stats, so it is attached late
	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		seqOpts = append(seqOpts, sequencer.WithObserver(sequencer.ObserverFunc(func(ctx context.Context, it sequencer.Iteration) {
			if mon != nil {
				mon.ObserveIteration(ctx, it)
			}
		})))
	}
	seq := sequencer.New(sensors, hooks, gate, seqOpts...)
	if cfg.Monitor.Enabled {
		var monOpts []monitor.Opt
		if store != nil {
			monOpts = append(monOpts, monitor.WithTrace(store))
		}
		mon = monitor.New(seq, gate, monOpts...)
		go func() {
			if err := mon.Run(ctx, cfg.Monitor.Addr); err != nil {
				slog.Error("monitor stopped", "error", err)
			}
		}()
	}

	nodeOpts := []node.Opt{
		node.WithCycleInterval(cfg.Node.CycleInterval),
		node.WithPollInterval(cfg.Node.PollInterval),
	}
	if s, ok := hooks.(power.Sleeper); ok {
		nodeOpts = append(nodeOpts, node.WithSleeper(s))
	}
	err := node.New(seq, gate, nodeOpts...).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return console.Exit(1, "node stopped: %s", console.Red(err))
	}
	return nil
}

func printIteration(ctx context.Context, it sequencer.Iteration) {
	if it.Payload == "" {
		return
	}
	console.PInfof(console.PictoSatellite, "cycle %d/%d %s", it.Cycle, it.Number, console.White(it.Payload))
}

// simulatedSensors mirrors the hardware registry with random readings.
func simulatedSensors(busy float64) []sensornode.Sensor {
	maybeBusy := func(fields ...sensornode.Field) ([]sensornode.Field, error) {
		if rand.Float64() < busy {
			return nil, sensornode.ErrBusy
		}
		return fields, nil
	}
	around := func(base, spread float64) float64 {
		return base + (rand.Float64()-0.5)*spread
	}
	var counter int64
	return []sensornode.Sensor{
		environment.NewSim("sht45", func(ctx context.Context) ([]sensornode.Field, error) {
			return maybeBusy(sensornode.Fixed("temp", around(22, 4)), sensornode.Fixed("hum", around(50, 20)))
		}),
		environment.NewSim("tsl2591", func(ctx context.Context) ([]sensornode.Field, error) {
			return maybeBusy(sensornode.Fixed("lux", around(300, 200)))
		}),
		environment.NewSim("ilps22qs", func(ctx context.Context) ([]sensornode.Field, error) {
			return maybeBusy(sensornode.Fixed("pressure", around(1013, 10)), sensornode.Fixed("temp", around(22, 4)))
		}),
		environment.NewSim("flash", func(ctx context.Context) ([]sensornode.Field, error) {
			counter++
			return []sensornode.Field{sensornode.Int("flash", counter)}, nil
		}),
		environment.NewSim("nfc", nil, environment.WithAbsent()),
		environment.NewSim("scd41", func(ctx context.Context) ([]sensornode.Field, error) {
			return maybeBusy(sensornode.TagField("scd41"), sensornode.Int("co2", int64(around(650, 300))),
				sensornode.Fixed("temp", around(23, 4)), sensornode.Fixed("hum", around(45, 20)))
		}),
		environment.NewSim("sps30", func(ctx context.Context) ([]sensornode.Field, error) {
			pm25 := float32(around(20, 30))
			return maybeBusy(sensornode.LabelField("sps30", air.ClassifyPM25(pm25).String()))
		}),
	}
}
