package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// engineVersion is the release version of this engine build.
const engineVersion = "1.0.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the engine version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmdOut, engineVersion)
			return nil
		},
	}
}
