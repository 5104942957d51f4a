// Command osiris is the thin CLI wrapper around the compiler and runner.
// Every subcommand's RunE body does nothing but marshal flags into a call
// to a use-case function and map its return to an exit code; it renders no
// tables, no TUI, no dashboards.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// buildVersion is set via -ldflags at release build time; it defaults to
// "dev" for local builds.
var buildVersion = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "osiris",
		Short: "Compile and run Osiris data movement pipelines",
	}
	cmd.AddCommand(newCompileCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the osiris toolchain version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
			return nil
		},
	}
}
