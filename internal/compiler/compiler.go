// Package compiler transforms a validated OML document plus the active
// profile/parameters into an immutable compiled artifact set: a
// fingerprinted manifest, per-step resolved configuration, and the
// effective parameter snapshot, all written atomically.
package compiler

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexisbeaulieu97/osiris/internal/canon"
	"github.com/alexisbeaulieu97/osiris/internal/connresolve"
	"github.com/alexisbeaulieu97/osiris/internal/diagnostic"
	"github.com/alexisbeaulieu97/osiris/internal/manifest"
	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
	"github.com/alexisbeaulieu97/osiris/internal/oml"
	"github.com/alexisbeaulieu97/osiris/internal/registry"
)

// compilerIdentity fingerprints the compiler's own algorithm/version
// identity. It never reflects wall-clock time; only a build changes it.
const compilerIdentity = "osiris-compiler/0.1.0"

// Params carries the active profile name and resolved parameters that
// produced a compiled manifest.
type Params struct {
	Profile    string
	Parameters map[string]any
}

// Input bundles everything Compile needs: a parsed OML document, the
// component registry it must validate against, the connection catalog, and
// the active params.
type Input struct {
	Document *oml.Document
	Registry *registry.Registry
	Catalog  *connresolve.Catalog
	Params   Params
}

// Result is a successful compilation's output, ready for Emit.
type Result struct {
	Manifest        manifest.Manifest
	Meta            manifest.Meta
	EffectiveConfig manifest.EffectiveConfig
	StepConfigs     map[string]manifest.ResolvedStepConfig
}

// Compile validates, resolves connections, and flattens a document into
// manifest + config form, returning the in-memory artifact set without
// writing anything to disk.
func Compile(in Input) (*Result, error) {
	violations := oml.Validate(in.Document, in.Registry)
	if len(violations) > 0 {
		return nil, &oerrors.CompileError{Code: "E_OML_INVALID", Message: "OML document failed validation", Diagnostics: violations}
	}

	order, err := topologicalSort(in.Document.Steps)
	if err != nil {
		return nil, err
	}

	stepConfigs := make(map[string]manifest.ResolvedStepConfig, len(order))
	entries := make([]manifest.StepEntry, 0, len(order))

	for _, step := range order {
		spec, err := in.Registry.Get(step.Component, "")
		if err != nil {
			return nil, &oerrors.CompileError{Code: "E_REG_UNKNOWN", Message: err.Error()}
		}

		resolved, resolutions, err := connresolve.Resolve(step.Config, in.Catalog)
		if err != nil {
			return nil, &oerrors.CompileError{Code: "E_CONN_RESOLVE", Message: err.Error()}
		}

		resolved = stripUnderscoreKeys(resolved)

		if violations := in.Registry.ValidateConfig(step.Component, registry.Mode(step.Mode), resolved); len(violations) > 0 {
			return nil, &oerrors.CompileError{Code: "E_OML_INVALID", Message: "resolved configuration failed schema validation", Diagnostics: violations}
		}

		if err := checkConnectionRequiredFields(spec, resolved, resolutions); err != nil {
			return nil, &oerrors.CompileError{Code: "E_CONN_MISSING_FIELD", Message: err.Error()}
		}

		inputs := make(map[string]manifest.InputRef, len(step.Inputs))
		for key, ref := range step.Inputs {
			inputs[key] = manifest.InputRef{FromStep: ref.FromStep, Key: ref.Key}
		}

		var retry *manifest.RetryPolicy
		if step.Retry != nil {
			retry = &manifest.RetryPolicy{
				Max:     step.Retry.Max,
				Backoff: manifest.Backoff(step.Retry.Backoff),
				DelayMS: step.Retry.DelayMS,
			}
		}

		entries = append(entries, manifest.StepEntry{
			ID:         step.ID,
			Component:  step.Component,
			Mode:       step.Mode,
			Driver:     spec.DriverRef(),
			ConfigPath: filepath.Join("cfg", step.ID+".json"),
			Needs:      step.Needs,
			Inputs:     inputs,
			TimeoutMS:  step.TimeoutMS,
			Retry:      retry,
		})
		stepConfigs[step.ID] = manifest.ResolvedStepConfig(resolved)
	}

	omlFP, err := fingerprintDocument(in.Document)
	if err != nil {
		return nil, &oerrors.CompileError{Code: "E_CANON_UNSUPPORTED", Message: err.Error()}
	}
	registryFP, err := in.Registry.SpecFingerprint()
	if err != nil {
		return nil, &oerrors.CompileError{Code: "E_CANON_UNSUPPORTED", Message: err.Error()}
	}
	paramsFP, err := canon.Fingerprint(paramsTree(in.Params))
	if err != nil {
		return nil, &oerrors.CompileError{Code: "E_CANON_UNSUPPORTED", Message: err.Error()}
	}
	compilerFP := canon.FingerprintBytes([]byte(compilerIdentity))

	m := manifest.Manifest{
		PipelineID: in.Document.PipelineID,
		Steps:      entries,
		Fingerprints: manifest.Fingerprints{
			OMLFingerprint:      omlFP,
			RegistryFingerprint: registryFP,
			CompilerFingerprint: compilerFP,
			ParamsFingerprint:   paramsFP,
			ManifestFingerprint: manifest.PlaceholderManifestFingerprint,
		},
	}

	manifestFP, err := fingerprintManifest(m)
	if err != nil {
		return nil, &oerrors.CompileError{Code: "E_CANON_UNSUPPORTED", Message: err.Error()}
	}
	m.Fingerprints.ManifestFingerprint = manifestFP

	meta := manifest.Meta{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Toolchain:    compilerIdentity,
		Fingerprints: m.Fingerprints,
	}

	effective := manifest.EffectiveConfig{
		Profile:    in.Params.Profile,
		Parameters: in.Params.Parameters,
	}

	return &Result{Manifest: m, Meta: meta, EffectiveConfig: effective, StepConfigs: stepConfigs}, nil
}

// topologicalSort orders steps by their needs dependency, breaking ties by
// authoring order: Kahn's algorithm over a stable priority queue keyed on
// original index.
func topologicalSort(steps []oml.Step) ([]oml.Step, error) {
	indexOf := make(map[string]int, len(steps))
	for i, step := range steps {
		indexOf[step.ID] = i
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		if _, ok := indegree[step.ID]; !ok {
			indegree[step.ID] = 0
		}
		for _, dep := range step.Needs {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	ready := make([]string, 0, len(steps))
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return indexOf[ready[i]] < indexOf[ready[j]] })

	var orderedIDs []string
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		orderedIDs = append(orderedIDs, next)

		children := append([]string(nil), dependents[next]...)
		sort.Slice(children, func(i, j int) bool { return indexOf[children[i]] < indexOf[children[j]] })
		for _, child := range children {
			indegree[child]--
			if indegree[child] == 0 {
				insertSorted(&ready, child, indexOf)
			}
		}
	}

	if len(orderedIDs) != len(steps) {
		return nil, &oerrors.CompileError{Code: "E_OML_INVALID", Message: "dependency graph is not acyclic"}
	}

	byID := oml.StepMap(steps)
	out := make([]oml.Step, len(orderedIDs))
	for i, id := range orderedIDs {
		out[i] = byID[id]
	}
	return out, nil
}

func insertSorted(ready *[]string, id string, indexOf map[string]int) {
	list := *ready
	pos := len(list)
	for i, existing := range list {
		if indexOf[id] < indexOf[existing] {
			pos = i
			break
		}
	}
	list = append(list, "")
	copy(list[pos+1:], list[pos:])
	list[pos] = id
	*ready = list
}

func stripUnderscoreKeys(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}

func checkConnectionRequiredFields(spec registry.ComponentSpec, resolved map[string]any, resolutions []connresolve.Resolution) error {
	if len(resolutions) == 0 {
		return nil
	}
	raw, ok := spec.AuthoringHints["connection_required_fields"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	required := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			required = append(required, s)
		}
	}

	rc, _ := resolved["resolved_connection"].(map[string]any)
	for _, resolution := range resolutions {
		if err := connresolve.CheckRequiredFields(resolution.Family, resolution.Alias, rc, required); err != nil {
			return err
		}
	}
	return nil
}

func fingerprintDocument(doc *oml.Document) (string, error) {
	stepTrees := make([]any, 0, len(doc.Steps))
	for _, step := range doc.Steps {
		needs := make([]any, len(step.Needs))
		for i, n := range step.Needs {
			needs[i] = n
		}
		inputs := make(map[string]any, len(step.Inputs))
		for k, ref := range step.Inputs {
			inputs[k] = map[string]any{"from_step": ref.FromStep, "key": ref.Key}
		}
		tree := map[string]any{
			"id":         step.ID,
			"component":  step.Component,
			"mode":       step.Mode,
			"config":     jsonRoundTrip(step.Config),
			"needs":      needs,
			"inputs":     inputs,
			"timeout_ms": step.TimeoutMS,
		}
		if step.Retry != nil {
			tree["retry"] = map[string]any{"max": step.Retry.Max, "backoff": step.Retry.Backoff, "delay_ms": step.Retry.DelayMS}
		}
		stepTrees = append(stepTrees, tree)
	}
	return canon.Fingerprint(map[string]any{
		"oml_version": doc.OMLVersion,
		"pipeline_id": doc.PipelineID,
		"steps":       stepTrees,
	})
}

// jsonRoundTrip converts YAML-decoded values (which may contain
// map[any]any-free but mixed numeric types) into the map[string]any/[]any
// shape canon.Canonicalize expects, by marshaling through encoding/json.
func jsonRoundTrip(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	tree, err := canon.ToTree(data)
	if err != nil {
		return v
	}
	return tree
}

func paramsTree(p Params) map[string]any {
	return map[string]any{
		"profile":    p.Profile,
		"parameters": jsonRoundTrip(p.Parameters),
	}
}

func fingerprintManifest(m manifest.Manifest) (string, error) {
	return canon.Fingerprint(jsonRoundTrip(m))
}

// Emit writes every compiled artifact into dir as a single all-or-nothing
// batch: manifest.json, cfg/<step_id>.json for each step, meta.json, and
// effective_config.json are all written into a scratch staging directory
// first, and only once every artifact has been generated successfully is
// the staging directory swapped into place for dir — generalizing
// internal/registry/registry.go's Save() temp-file-then-atomic-rename
// pattern from a single file to a multi-file batch, per spec.md §4.6 item 6
// ("All failures leave no partially-written artifacts on disk"). Any
// failure during staging leaves dir completely untouched.
func Emit(dir string, result *Result) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(parent, ".osiris-compile-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := stageArtifacts(staging, result); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.Rename(staging, dir)
}

func stageArtifacts(staging string, result *Result) error {
	manifestBytes, err := canon.Canonicalize(jsonRoundTrip(result.Manifest))
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, "manifest.json"), manifestBytes, 0o644); err != nil {
		return err
	}

	cfgDir := filepath.Join(staging, "cfg")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return err
	}
	for stepID, cfg := range result.StepConfigs {
		data, err := canon.Canonicalize(jsonRoundTrip(cfg))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(cfgDir, stepID+".json"), data, 0o644); err != nil {
			return err
		}
	}

	metaBytes, err := json.MarshalIndent(result.Meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, "meta.json"), metaBytes, 0o644); err != nil {
		return err
	}

	effectiveBytes, err := json.MarshalIndent(result.EffectiveConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(staging, "effective_config.json"), effectiveBytes, 0o644)
}

// DiagnosticsOf extracts the aggregated violation list from a compile
// failure, returning nil if err did not come from a failed OML validation.
func DiagnosticsOf(err error) []diagnostic.Violation {
	var compileErr *oerrors.CompileError
	if !errors.As(err, &compileErr) {
		return nil
	}
	return compileErr.Diagnostics
}
