// Package oml defines the OML document type and validates it against the
// fixed OML schema plus each referenced component's configuration schema:
// a custom YAML unmarshal dispatch (step mode alias normalization), a
// struct-tag-then-custom-checks validation sequence, and a DFS cycle
// detector over step dependencies.
package oml

import (
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
	envRefPattern     = regexp.MustCompile(`^\$\{([A-Z_][A-Z0-9_]*)\}$`)
)

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

// validatorInstance returns the package-level validator.Validate singleton,
// registering the "identifier" and "oml_version" custom tags on first use —
// the same singleton-with-custom-tags pattern as the registry's
// validatorInstance() and the teacher's internal/config/validator.go.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			return identifierPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("oml_version", func(fl validator.FieldLevel) bool {
			return fl.Field().String() == ExpectedVersion
		})
		validatorInst = v
	})
	return validatorInst
}

// ForbiddenTopLevelKeys names the older template-style format's keys, which
// must be rejected.
var ForbiddenTopLevelKeys = []string{"version", "connectors", "tasks", "outputs"}

const ExpectedVersion = "0.1.0"

// InputRef is a {from_step, key} reference to an upstream step's output.
type InputRef struct {
	FromStep string `yaml:"from_step"`
	Key      string `yaml:"key"`
}

// Retry declares a step's opt-in retry policy: max attempts, backoff shape,
// and base delay between attempts.
type Retry struct {
	Max     int    `yaml:"max,omitempty"`
	Backoff string `yaml:"backoff,omitempty"` // none|linear|exp
	DelayMS int    `yaml:"delay_ms,omitempty"`
}

// Step is one node in an OML pipeline.
type Step struct {
	ID        string              `yaml:"id" validate:"required,identifier"`
	Component string              `yaml:"component" validate:"required"`
	Mode      string              `yaml:"mode" validate:"required,oneof=read write transform"`
	Config    map[string]any      `yaml:"config"`
	Needs     []string            `yaml:"needs,omitempty"`
	Inputs    map[string]InputRef `yaml:"inputs,omitempty"`
	TimeoutMS int                 `yaml:"timeout_ms,omitempty"`
	Retry     *Retry              `yaml:"retry,omitempty"`
}

// loadModeAlias is the authoring-surface-only synonym for "write" (spec.md
// §9's open question on "load" vs "write": the registry only ever sees
// "write"). UnmarshalYAML rewrites it before any validation or compilation
// stage observes the document.
const loadModeAlias = "load"

// UnmarshalYAML decodes a step's base shape, then normalizes its mode: the
// "load" authoring alias collapses to "write" here, the same
// decode-base-then-dispatch-on-a-discriminator shape as the teacher's
// Step.UnmarshalYAML in internal/config/types.go, generalized to a mode
// rewrite instead of a type-specific inline struct.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	type rawStep Step
	var temp rawStep
	if err := value.Decode(&temp); err != nil {
		return err
	}
	*s = Step(temp)
	if s.Mode == loadModeAlias {
		s.Mode = "write"
	}
	return nil
}

// Document is the human-authored pipeline definition.
type Document struct {
	OMLVersion string `yaml:"oml_version" validate:"required,oml_version"`
	PipelineID string `yaml:"pipeline_id" validate:"required,identifier"`
	Steps      []Step `yaml:"steps"`

	// raw retains the undecoded top-level mapping so forbidden-key checks
	// can see keys that have no corresponding Document field (e.g. the
	// legacy "version"/"connectors"/"tasks"/"outputs" keys).
	raw map[string]yaml.Node
}

// Parse decodes raw OML YAML bytes into a Document, retaining the raw
// top-level key set for the forbidden-key check in Validate.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var rawNode yaml.Node
	if err := yaml.Unmarshal(data, &rawNode); err != nil {
		return nil, err
	}
	doc.raw = topLevelKeys(&rawNode)

	return &doc, nil
}

func topLevelKeys(root *yaml.Node) map[string]yaml.Node {
	out := make(map[string]yaml.Node)
	if root == nil || len(root.Content) == 0 {
		return out
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return out
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i]
		out[key.Value] = *mapping.Content[i+1]
	}
	return out
}

// StepMap builds a lookup table for steps by ID.
func StepMap(steps []Step) map[string]Step {
	out := make(map[string]Step, len(steps))
	for _, step := range steps {
		out[step.ID] = step
	}
	return out
}

// IsEnvRef reports whether s is a ${NAME}-shaped environment variable
// reference and, if so, returns NAME.
func IsEnvRef(s string) (string, bool) {
	m := envRefPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}
