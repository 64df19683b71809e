// Command sarus-engine is the CLI entry point for the privileged HPC
// container engine. It is deliberately thin glue: each subcommand builds
// already-validated values and calls into the internal packages, which is
// where the real behavior lives.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpc-forge/sarus-engine/internal/sylog"
)

var (
	configPath string
	verbose    bool
	debug      bool
	quiet      bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatalf("FATAL: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sarus-engine",
		Short:         "privileged OCI container engine for HPC sites",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch {
			case debug:
				sylog.SetLevel(sylog.DebugLevel)
			case verbose:
				sylog.SetLevel(sylog.VerboseLevel)
			case quiet:
				sylog.SetLevel(sylog.WarnLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to the engine configuration file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "only log warnings and errors")

	root.AddCommand(
		newPullCmd(),
		newLoadCmd(),
		newImagesCmd(),
		newRmiCmd(),
		newRunCmd(),
		newVersionCmd(),
	)
	return root
}

const defaultConfigPath = "/opt/sarus/etc/sarus.json"

func fatalf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
