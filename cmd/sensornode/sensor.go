package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/air"
	"github.com/mklimuk/sensornode/cmd/sensornode/console"
	"github.com/mklimuk/sensornode/report"
	"github.com/mklimuk/sensornode/snsctx"
)

var sensorCmd = cli.Command{
	Name:    "sensor",
	Aliases: []string{"sns"},
	Usage:   "bench operations on individual sensors",
	Subcommands: cli.Commands{
		&sensorListCmd,
		&sensorReadCmd,
		&sensorCleanCmd,
	},
}

var sensorListCmd = cli.Command{
	Name:    "list",
	Aliases: []string{"ls"},
	Usage:   "detect the enabled sensors",
	Action: func(c *cli.Context) error {
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		hw, err := openHardware(ctx, cfg)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer hw.Close()
		reg := hw.registry(cfg.Sensors)
		detected := reg.Detect(ctx)
		w := tabwriter.NewWriter(console.Writer(), 12, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "SENSOR\tPRESENT\n")
		for _, name := range reg.Names() {
			present := console.Red("no")
			if detected[name] {
				present = console.Green("yes")
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\n", name, present)
		}
		return w.Flush()
	},
}

var sensorReadCmd = cli.Command{
	Name:      "read",
	Aliases:   []string{"rd"},
	Usage:     "power a sensor on, poll it until a reading is ready and power it off",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "interval", Usage: "delay between read attempts", Value: 500 * time.Millisecond},
		&cli.IntFlag{Name: "attempts", Usage: "read attempts before giving up", Value: 20},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected exactly one sensor name")
		}
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		hw, err := openHardware(ctx, cfg)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer hw.Close()
		s, err := sensorByName(hw.registry(cfg.Sensors), c.Args().First())
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		if !s.Is(ctx, true) {
			return console.Exit(1, "%s not present", s.Name())
		}
		if err := s.On(ctx); err != nil {
			return console.Exit(1, "%s power on error: %s", s.Name(), console.Red(err))
		}
		defer func() {
			if err := s.Off(ctx); err != nil {
				console.Errorf("%s power off error: %s", s.Name(), err)
			}
		}()
		fields, err := pollSensor(ctx, s, c.Int("attempts"), c.Duration("interval"))
		if err != nil {
			return console.Exit(1, "%s read error: %s", s.Name(), console.Red(err))
		}
		var r report.Report
		if err := r.Append(fields...); err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		console.PInfof(console.PictoThermometer, "%s %s", s.Name(), console.White(r.Line()))
		return nil
	},
}

// pollSensor reads until the sensor returns something other than busy.
func pollSensor(ctx context.Context, s sensornode.Sensor, attempts int, interval time.Duration) ([]sensornode.Field, error) {
	for i := 0; i < attempts; i++ {
		err := s.Read(ctx)
		status := sensornode.StatusOf(err)
		if snsctx.IsVerbose(ctx) {
			console.Infof("attempt %d: %s", i+1, console.Status(status))
		}
		switch status {
		case sensornode.StatusOk:
			return s.Fields(), nil
		case sensornode.StatusBusy:
			if err := sensornode.Wait(ctx, interval); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("still busy after %d attempts: %w", attempts, sensornode.ErrBusy)
}

var sensorCleanCmd = cli.Command{
	Name:  "clean",
	Usage: "start an SPS30 fan cleaning cycle",
	Action: func(c *cli.Context) error {
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		hw, err := openHardware(ctx, cfg)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer hw.Close()
		s, err := sensorByName(hw.registry(cfg.Sensors), "sps30")
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		sps, ok := s.(*air.SPS30)
		if !ok || !sps.Is(ctx, true) {
			return console.Exit(1, "sps30 not present")
		}
		if err := sps.On(ctx); err != nil {
			return console.Exit(1, "sps30 power on error: %s", console.Red(err))
		}
		err = sps.StartCleaning(ctx)
		if errors.Is(err, sensornode.ErrTimeout) {
			return console.Exit(1, "sps30 is not measuring")
		}
		if err != nil {
			return console.Exit(1, "cleaning error: %s", console.Red(err))
		}
		console.Infof("cleaning started, the fan runs for about 10s")
		return nil
	},
}
