package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gophertribe/devtool/build"
)

const (
	binary  = "dist/sensornode"
	mainPkg = "./cmd/sensornode"
	// builder image with an arm cross toolchain for the cgo deps (sqlite, hid)
	builderImage = "gophertribe/gobuild:1.25-bookworm"
)

// BuildCmd builds the node binary natively or, for another platform, inside
// the builder container since sqlite and hid need cgo.
func BuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the sensornode binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			version, _ := flags.GetString("version")
			targetOS, _ := flags.GetString("os")
			targetArch, _ := flags.GetString("arch")
			if nanopi, _ := flags.GetBool("nanopi"); nanopi {
				targetOS, targetArch = "linux", "arm"
			}
			native := targetOS == runtime.GOOS && targetArch == runtime.GOARCH
			inContainer, _ := flags.GetBool("in-container")
			if native || inContainer {
				return build.GoBuild(binary, mainPkg, build.GoBuildOpts{
					Version:       version,
					InjectVersion: true,
					ConfigPackage: "main",
					EnableCgo:     true,
					Arch:          targetArch,
					OS:            targetOS,
				})
			}
			noCache, _ := flags.GetBool("no-cache")
			err := build.Docker(cmd.Context(), fmt.Sprintf("./dev-%s-%s", targetOS, targetArch),
				[]string{"build", "--version", version, "--os", targetOS, "--arch", targetArch, "--in-container"},
				build.DockerBuildOpts{NoCache: noCache, Image: builderImage})
			if err != nil {
				return fmt.Errorf("container build for %s/%s failed: %w", targetOS, targetArch, err)
			}
			return nil
		},
	}
	cmd.Flags().String("version", "latest", "version injected into the binary")
	cmd.Flags().String("os", runtime.GOOS, "target os")
	cmd.Flags().String("arch", runtime.GOARCH, "target arch")
	cmd.Flags().Bool("nanopi", false, "shortcut for --os linux --arch arm")
	cmd.Flags().Bool("in-container", false, "build directly, used inside the builder image")
	cmd.Flags().Bool("no-cache", false, "do not use the docker build cache")
	return cmd
}
