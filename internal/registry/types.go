// Package registry loads, validates, and indexes component specifications:
// a duplicate-name-rejecting, sorted, RWMutex-guarded in-memory collection.
package registry

import (
	"fmt"

	"github.com/alexisbeaulieu97/osiris/internal/secrets"
)

// Mode is a component capability mode. The registry accepts "read" and its
// synonym "extract" from authoring surfaces but normalizes both to "read"
// for driver dispatch.
type Mode string

const (
	ModeRead      Mode = "read"
	ModeExtract   Mode = "extract"
	ModeWrite     Mode = "write"
	ModeTransform Mode = "transform"
	ModeDiscover  Mode = "discover"
)

// Normalize collapses the read/extract synonym pair to a single driver-facing
// mode.
func (m Mode) Normalize() Mode {
	if m == ModeExtract {
		return ModeRead
	}
	return m
}

// ConfigSchema is a minimal JSON-Schema-shaped description of a component's
// configuration mapping: just enough structure (required keys, per-key
// type/enum/pattern) to drive internal/oml's structural validation. This is
// a deliberately narrow hand-rolled shape rather than the full JSON-Schema
// vocabulary — see DESIGN.md.
type ConfigSchema struct {
	Required   []string                `yaml:"required,omitempty"`
	Properties map[string]PropertySpec `yaml:"properties,omitempty"`
}

// PropertySpec describes one configuration key's expected shape.
type PropertySpec struct {
	Type    string   `yaml:"type,omitempty"` // string|number|boolean|object|array
	Enum    []string `yaml:"enum,omitempty"`
	Pattern string   `yaml:"pattern,omitempty"`
}

// RedactionPolicy mirrors secrets.Policy in its authored (YAML) shape.
type RedactionPolicy struct {
	Strategy        secrets.Strategy `yaml:"strategy,omitempty"`
	Mask            string           `yaml:"mask,omitempty"`
	AdditionalPaths []string         `yaml:"additional_paths,omitempty"`
}

// Example is a worked usage sample carried for authoring-surface hints; the
// core never executes it.
type Example struct {
	Description string         `yaml:"description,omitempty"`
	Config      map[string]any `yaml:"config,omitempty"`
}

// ComponentSpec is the declarative record describing one component.
type ComponentSpec struct {
	Name            string           `yaml:"name" validate:"required,component_name"`
	Version         string           `yaml:"version" validate:"required,semver"`
	Modes           []Mode           `yaml:"modes" validate:"required,min=1"`
	Capabilities    map[string]bool  `yaml:"capabilities,omitempty"`
	ConfigSchema    ConfigSchema     `yaml:"config_schema"`
	SecretPaths     []string         `yaml:"secret_paths,omitempty"`
	Redaction       *RedactionPolicy `yaml:"redaction,omitempty"`
	Examples        []Example        `yaml:"examples,omitempty"`
	AuthoringHints  map[string]any   `yaml:"authoring_hints,omitempty"`
}

// SecretPolicy converts the component's authored redaction policy into a
// secrets.Policy, applying the mask default when none is declared.
func (c ComponentSpec) SecretPolicy() secrets.Policy {
	p := secrets.Policy{Paths: c.SecretPaths}
	if c.Redaction != nil {
		p.Strategy = c.Redaction.Strategy
		p.MaskString = c.Redaction.Mask
		p.AdditionalPaths = c.Redaction.AdditionalPaths
	}
	return p
}

// SupportsMode reports whether the component declares support for the given
// (already-normalized) mode.
func (c ComponentSpec) SupportsMode(m Mode) bool {
	target := m.Normalize()
	for _, declared := range c.Modes {
		if declared.Normalize() == target {
			return true
		}
	}
	return false
}

// DriverRef renders the component@version identifier used in the manifest's
// driver reference field.
func (c ComponentSpec) DriverRef() string {
	return fmt.Sprintf("%s@%s", c.Name, c.Version)
}
