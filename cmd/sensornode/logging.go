package main

import (
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/lmittmann/tint"
	"github.com/muesli/termenv"

	"github.com/mklimuk/sensornode/config"
)

// setupLogging installs the default slog handler. Validate has already
// checked the level and the format.
func setupLogging(lc config.LogConfig, verbose bool) {
	level, _ := config.ParseLevel(lc.Level)
	if verbose {
		level = slog.LevelDebug
	}
	if lc.Format == "tint" {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: time.DateTime,
		})))
		return
	}
	charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Prefix:          "node",
	})
	charm.SetColorProfile(termenv.TrueColor)
	charm.SetLevel(chlog.Level(level))
	slog.SetDefault(slog.New(charm))
}
