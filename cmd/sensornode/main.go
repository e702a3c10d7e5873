package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode/config"
)

var version string
var commit string
var date string

// loaded in app.Before
var cfg config.Config

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.NewApp()
	app.Name = "sensornode"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", version, date, commit)
	app.Usage = "battery sensor node acquisition and bench tooling"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "enable debug logging and raw bus dumps",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "configuration file",
			Value:   config.DefaultPath,
		},
	}
	app.Before = func(c *cli.Context) error {
		var err error
		cfg, err = config.Load(c.String("config"))
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		setupLogging(cfg.Log, c.Bool("verbose"))
		return nil
	}
	app.Commands = cli.Commands{
		&runCmd,
		&simulateCmd,
		&scanCmd,
		&sensorCmd,
		&nfcCmd,
		&flashCmd,
		&mcp2221Cmd,
		&usbCmd,
		&configCmd,
	}
	err := app.Run(os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			return exerr.ExitCode()
		}
		slog.Error("unexpected error", "error", err)
		return 1
	}
	return 0
}

var configCmd = cli.Command{
	Name:  "config",
	Usage: "print the effective configuration",
	Action: func(c *cli.Context) error {
		_, _ = fmt.Fprint(c.App.Writer, cfg.String())
		return nil
	},
}
