package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/mklimuk/sensornode/cmd/dev/cmd"
)

var debug bool

func setupLogger() {
	charm := log.NewWithOptions(os.Stdout, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Prefix:          "dev",
		Level:           log.InfoLevel,
	})
	charm.SetColorProfile(termenv.TrueColor)
	if debug {
		charm.SetLevel(log.DebugLevel)
	}
	slog.SetDefault(slog.New(charm))
}

func main() {
	root := &cobra.Command{
		Use:   "dev",
		Short: "build, test and simulation helper for sensornode",
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogger()
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.AddCommand(
		cmd.BuildCmd(),
		cmd.TestCmd(),
		cmd.LintCmd(),
		cmd.IntegrationTestCmd(),
		cmd.SimulateCmd(),
	)
	if err := root.Execute(); err != nil {
		slog.Error("unexpected error", "error", err)
		os.Exit(1)
	}
}
