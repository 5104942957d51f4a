package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/osiris/internal/runner"
)

type runOptions struct {
	ManifestDir string
	SessionRoot string
	Remote      bool
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a compiled manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunCmd(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ManifestDir, "manifest-dir", "", "Directory containing manifest.json and cfg/")
	cmd.Flags().StringVar(&opts.SessionRoot, "session-root", ".", "Directory under which logs/run_<id>/ is created")
	cmd.Flags().BoolVar(&opts.Remote, "remote", false, "Run through the remote-proxy sandbox adapter instead of in-process")

	cmd.MarkFlagRequired("manifest-dir") //nolint:errcheck

	return cmd
}

func runRunCmd(cmd *cobra.Command, opts runOptions) error {
	adapterKind := runner.AdapterLocal
	if opts.Remote {
		adapterKind = runner.AdapterRemote
	}

	result, err := runner.Run(cmd.Context(), opts.ManifestDir, adapterKind, opts.SessionRoot)
	if err != nil {
		return err
	}

	if !result.Status.OK {
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s failed at step %q: %s\n", result.SessionID, result.FailedStep, result.Status.Error)
		return fmt.Errorf("E_RUNTIME: run failed: %s", result.Status.Error)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s completed: %d steps\n", result.SessionID, result.Status.StepsCompleted)
	return nil
}
