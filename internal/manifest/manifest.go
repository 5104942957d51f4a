// Package manifest holds the on-disk data-contract types shared by
// internal/compiler (producer) and internal/runner, internal/engine/local and
// internal/engine/remote (consumers). internal/worker does not use these
// types; it decodes each per-step config file as a plain JSON mapping.
package manifest

// Backoff names a retry backoff strategy.
type Backoff string

const (
	BackoffNone   Backoff = "none"
	BackoffLinear Backoff = "linear"
	BackoffExp    Backoff = "exp"
)

// RetryPolicy bounds how many times a step's driver is re-invoked after a
// failure, and how long to wait between attempts.
type RetryPolicy struct {
	Max     int     `json:"max,omitempty"`
	Backoff Backoff `json:"backoff,omitempty"`
	DelayMS int     `json:"delay_ms,omitempty"`
}

// InputRef is a {from_step, key} reference to an upstream step's output,
// mirroring oml.InputRef in the compiled, manifest-facing shape.
type InputRef struct {
	FromStep string `json:"from_step"`
	Key      string `json:"key"`
}

// StepEntry is one step's compiled record within a manifest, in
// topologically sorted order.
type StepEntry struct {
	ID         string              `json:"id"`
	Component  string              `json:"component"`
	Mode       string              `json:"mode"`
	Driver     string              `json:"driver"`
	ConfigPath string              `json:"config_path"`
	Needs      []string            `json:"needs,omitempty"`
	Inputs     map[string]InputRef `json:"inputs,omitempty"`
	TimeoutMS  int                 `json:"timeout_ms,omitempty"`
	Retry      *RetryPolicy        `json:"retry,omitempty"`
}

// Fingerprints carries every mandatory SHA-256 fingerprint computed during
// compilation. manifest_fp covers the manifest with this field itself held
// at a fixed placeholder value during hashing, then replaced.
type Fingerprints struct {
	OMLFingerprint      string `json:"oml_fp"`
	RegistryFingerprint string `json:"registry_fp"`
	CompilerFingerprint string `json:"compiler_fp"`
	ParamsFingerprint   string `json:"params_fp"`
	ManifestFingerprint string `json:"manifest_fp"`
}

// PlaceholderManifestFingerprint is the fixed value manifest_fp holds while
// the rest of the manifest is hashed to compute the real manifest_fp.
const PlaceholderManifestFingerprint = "00000000000000000000000000000000000000000000000000000000000000"

// Manifest is the immutable compiled artifact describing a pipeline run.
// It contains no wall-clock values: generated_at lives only in Meta, which
// is never part of any fingerprint.
type Manifest struct {
	PipelineID   string        `json:"pipeline_id"`
	Steps        []StepEntry   `json:"steps"`
	Fingerprints Fingerprints  `json:"fingerprints"`
}

// Meta carries compilation provenance that must never influence a
// fingerprint: the wall-clock timestamp and toolchain identification.
type Meta struct {
	GeneratedAt   string       `json:"generated_at"`
	Toolchain     string       `json:"toolchain"`
	Fingerprints  Fingerprints `json:"fingerprints"`
}

// EffectiveConfig records the resolved parameters and profile that produced
// a compiled manifest, for audit and reproduction purposes.
type EffectiveConfig struct {
	Profile    string         `json:"profile,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResolvedStepConfig is the per-step configuration as it appears on disk
// after compilation: the authored mapping with any connection reference
// replaced by an inline resolved_connection block whose secret fields hold
// environment variable names, never secret values.
type ResolvedStepConfig map[string]any
