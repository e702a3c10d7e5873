package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// SimulateCmd runs the node against simulated sensors and network.
func SimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the acquisition loop without hardware",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("could not get config flag: %w", err)
			}
			runArgs := []string{"run", "./cmd/sensornode", "--config", config, "simulate"}
			runArgs = append(runArgs, args...)
			slog.Info("starting simulation", "args", runArgs)
			sim := exec.CommandContext(cmd.Context(), "go", runArgs...)
			sim.Stdout = os.Stdout
			sim.Stderr = os.Stderr
			sim.Stdin = os.Stdin
			if err := sim.Run(); err != nil {
				return fmt.Errorf("simulation failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("config", "sensornode.yaml", "configuration file passed to the node")
	return cmd
}
