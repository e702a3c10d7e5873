package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode/cmd/sensornode/console"
	"github.com/mklimuk/sensornode/i2c"
	"github.com/mklimuk/sensornode/snsctx"
)

var scanCmd = cli.Command{
	Name:  "scan",
	Usage: "probe every 7-bit address on the configured I2C bus",
	Action: func(c *cli.Context) error {
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		hw, err := openBus(ctx, cfg.Bus)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer hw.Close()
		found, err := i2c.Scan(ctx, hw.guard)
		if err != nil {
			return console.Exit(1, "scan error: %s", console.Red(err))
		}
		if len(found) == 0 {
			console.Warnf("no devices responded")
			return nil
		}
		for _, addr := range found {
			console.PInfof(console.PictoPin, "%#02x", addr)
		}
		return nil
	},
}
