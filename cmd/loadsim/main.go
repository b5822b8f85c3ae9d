// Command loadsim replays page-load scenarios against the resource load
// scheduler and the frame task throttler in virtual time.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loadsim",
		Short:         "Resource load scheduling simulator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newConfigCmd(),
		newTraceCmd(),
	)
	return root
}
