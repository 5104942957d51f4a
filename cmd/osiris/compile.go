package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/osiris/internal/compiler"
	"github.com/alexisbeaulieu97/osiris/internal/connresolve"
	"github.com/alexisbeaulieu97/osiris/internal/oml"
	"github.com/alexisbeaulieu97/osiris/internal/registry"
)

type compileOptions struct {
	OMLPath         string
	RegistryDir     string
	ConnectionsPath string
	ParamsPath      string
	Profile         string
	OutDir          string
}

func newCompileCmd() *cobra.Command {
	opts := compileOptions{}

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Validate and compile an OML document into a fingerprinted manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.OMLPath, "oml", "", "Path to the OML document")
	cmd.Flags().StringVar(&opts.RegistryDir, "registry", "", "Directory of component specification YAML files")
	cmd.Flags().StringVar(&opts.ConnectionsPath, "connections", "", "Path to the connection catalog YAML file")
	cmd.Flags().StringVar(&opts.ParamsPath, "params", "", "Optional path to a JSON file of effective parameters")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "Active profile name")
	cmd.Flags().StringVar(&opts.OutDir, "out", "", "Directory to write manifest.json, cfg/, meta.json, effective_config.json")

	cmd.MarkFlagRequired("oml")      //nolint:errcheck
	cmd.MarkFlagRequired("registry") //nolint:errcheck
	cmd.MarkFlagRequired("out")      //nolint:errcheck

	return cmd
}

func runCompile(cmd *cobra.Command, opts compileOptions) error {
	omlBytes, err := os.ReadFile(opts.OMLPath)
	if err != nil {
		return fmt.Errorf("read OML document: %w", err)
	}
	doc, err := oml.Parse(omlBytes)
	if err != nil {
		return fmt.Errorf("parse OML document: %w", err)
	}

	reg, err := registry.Load(opts.RegistryDir)
	if err != nil {
		return err
	}

	catalog := &connresolve.Catalog{Families: map[string]map[string]connresolve.Descriptor{}}
	if opts.ConnectionsPath != "" {
		catalogBytes, err := os.ReadFile(opts.ConnectionsPath)
		if err != nil {
			return fmt.Errorf("read connection catalog: %w", err)
		}
		catalog, err = connresolve.Parse(catalogBytes)
		if err != nil {
			return fmt.Errorf("parse connection catalog: %w", err)
		}
	}

	params := compiler.Params{Profile: opts.Profile}
	if opts.ParamsPath != "" {
		paramsBytes, err := os.ReadFile(opts.ParamsPath)
		if err != nil {
			return fmt.Errorf("read params file: %w", err)
		}
		if err := json.Unmarshal(paramsBytes, &params.Parameters); err != nil {
			return fmt.Errorf("parse params file: %w", err)
		}
	}

	result, err := compiler.Compile(compiler.Input{Document: doc, Registry: reg, Catalog: catalog, Params: params})
	if err != nil {
		if diags := compiler.DiagnosticsOf(err); len(diags) > 0 {
			for _, d := range diags {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %s\n", d.Code, d.Path, d.Message)
			}
		}
		return err
	}

	if err := compiler.Emit(opts.OutDir, result); err != nil {
		return fmt.Errorf("write compiled artifacts: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "compiled %s -> %s (manifest_fp=%s)\n", doc.PipelineID, opts.OutDir, result.Manifest.Fingerprints.ManifestFingerprint)
	return nil
}
