package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/alexisbeaulieu97/osiris/internal/canon"
	"github.com/alexisbeaulieu97/osiris/internal/diagnostic"
	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
)

var (
	componentNamePattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)
	semverPattern        = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[0-9A-Za-z-.]+)?(?:\+[0-9A-Za-z-.]+)?$`)

	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("component_name", func(fl validator.FieldLevel) bool {
			return componentNamePattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			return semverPattern.MatchString(fl.Field().String())
		})
		validatorInst = v
	})
	return validatorInst
}

// Registry indexes loaded component specifications by name, following the
// teacher's internal/plugin/registry_new.go shape: a mutex-guarded map, a
// sorted List(), and duplicate rejection at registration time.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]ComponentSpec
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{specs: make(map[string]ComponentSpec)}
}

// Load reads every *.yaml file directly under dir as a component
// specification, validating each against the meta-schema and rejecting
// duplicate names with E_REG_DUPLICATE.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &oerrors.RegistryError{Code: "E_REG_LOAD", Message: err.Error(), Err: err}
	}

	reg := New()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &oerrors.RegistryError{Code: "E_REG_LOAD", Name: name, Message: err.Error(), Err: err}
		}

		var spec ComponentSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, &oerrors.RegistryError{Code: "E_REG_PARSE", Name: name, Message: err.Error(), Err: err}
		}

		if err := reg.Add(spec); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

// Add validates and registers a single component spec.
func (r *Registry) Add(spec ComponentSpec) error {
	v := validatorInstance()
	if err := v.Struct(spec); err != nil {
		return &oerrors.RegistryError{Code: "E_REG_SCHEMA", Name: spec.Name, Message: err.Error(), Err: err}
	}

	for _, path := range spec.SecretPaths {
		if !pathAddressable(spec.ConfigSchema, path) {
			return &oerrors.RegistryError{Code: "E_REG_SCHEMA", Name: spec.Name, Message: fmt.Sprintf("secret path %q is not addressable in the configuration schema", path)}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Name]; exists {
		return &oerrors.RegistryError{Code: "E_REG_DUPLICATE", Name: spec.Name, Message: "duplicate component name"}
	}
	r.specs[spec.Name] = spec
	return nil
}

// pathAddressable reports whether the root segment of a secret path is a
// declared schema property. Deeper validation of nested object/array
// schemas is intentionally shallow: the spec only requires the path be
// addressable, not that every intermediate level carry its own schema.
func pathAddressable(schema ConfigSchema, path string) bool {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return false
	}
	root := segments[0]
	if _, ok := schema.Properties[root]; ok {
		return true
	}
	// Schemas with no declared properties are treated as open (accept any
	// path); only a schema that declares properties but omits this one is
	// rejected.
	return len(schema.Properties) == 0
}

// Get resolves a component by name, optionally constrained to an exact
// version. The registry holds at most one spec per name (Add rejects a
// second spec with the same name, whatever its version), so with no version
// Get returns that spec; with a version, the registered spec's version must
// match it exactly. Version ranges and semver ordering are not supported.
func (r *Registry) Get(name string, version string) (ComponentSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return ComponentSpec{}, &oerrors.RegistryError{Code: "E_REG_UNKNOWN", Name: name, Message: "component not registered"}
	}
	if version != "" && spec.Version != version {
		return ComponentSpec{}, &oerrors.RegistryError{Code: "E_REG_UNKNOWN", Name: name, Message: fmt.Sprintf("component %s has version %s, not %s", name, spec.Version, version)}
	}
	return spec, nil
}

// List returns registered component names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SpecFingerprint computes registry_fp: the fingerprint of the canonicalized
// sorted collection of accepted specs.
func (r *Registry) SpecFingerprint() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)

	tree := make([]any, 0, len(names))
	for _, name := range names {
		specTree, err := specToTree(r.specs[name])
		if err != nil {
			return "", err
		}
		tree = append(tree, specTree)
	}
	return canon.Fingerprint(tree)
}

// specToTree converts the whole spec (schema, secret paths, redaction,
// examples and hints included) into the tree form canon expects.
func specToTree(spec ComponentSpec) (any, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	return canon.ToTree(data)
}

// ValidateConfig performs structural validation (required keys, per-key
// type/enum/pattern) plus capability/mode checks against the component's
// declared modes.
func (r *Registry) ValidateConfig(name string, mode Mode, cfg map[string]any) []diagnostic.Violation {
	spec, err := r.Get(name, "")
	if err != nil {
		return []diagnostic.Violation{{Path: "/component", Code: "OML_UNKNOWN_COMPONENT", Message: err.Error()}}
	}

	var violations []diagnostic.Violation

	if !spec.SupportsMode(mode) {
		violations = append(violations, diagnostic.Violation{
			Path:    "/mode",
			Code:    "OML_BAD_MODE",
			Message: fmt.Sprintf("component %s does not support mode %q", name, mode),
		})
	}

	for _, required := range spec.ConfigSchema.Required {
		if _, ok := cfg[required]; !ok {
			violations = append(violations, diagnostic.Violation{
				Path:    "/config/" + required,
				Code:    "OML_MISSING_FIELD",
				Message: fmt.Sprintf("required field %q is missing", required),
				Suggest: fmt.Sprintf("add %q to the step configuration", required),
			})
		}
	}

	propNames := make([]string, 0, len(spec.ConfigSchema.Properties))
	for key := range spec.ConfigSchema.Properties {
		propNames = append(propNames, key)
	}
	sort.Strings(propNames)

	for _, key := range propNames {
		propSpec := spec.ConfigSchema.Properties[key]
		value, ok := cfg[key]
		if !ok {
			continue
		}
		if v := validateProperty(key, propSpec, value); v != nil {
			violations = append(violations, *v)
		}
	}

	return violations
}

func validateProperty(key string, spec PropertySpec, value any) *diagnostic.Violation {
	if spec.Type != "" {
		if !typeMatches(spec.Type, value) {
			return &diagnostic.Violation{
				Path:    "/config/" + key,
				Code:    "OML_CFG_INVALID",
				Message: fmt.Sprintf("field %q expected type %s", key, spec.Type),
			}
		}
	}

	if len(spec.Enum) > 0 {
		s, ok := value.(string)
		if !ok || !containsString(spec.Enum, s) {
			return &diagnostic.Violation{
				Path:    "/config/" + key,
				Code:    "OML_CFG_INVALID",
				Message: fmt.Sprintf("field %q must be one of %s", key, strings.Join(spec.Enum, ", ")),
			}
		}
	}

	if spec.Pattern != "" {
		s, ok := value.(string)
		if !ok {
			return &diagnostic.Violation{Path: "/config/" + key, Code: "OML_CFG_INVALID", Message: fmt.Sprintf("field %q must be a string to match pattern", key)}
		}
		matched, err := regexp.MatchString(spec.Pattern, s)
		if err != nil || !matched {
			return &diagnostic.Violation{Path: "/config/" + key, Code: "OML_CFG_INVALID", Message: fmt.Sprintf("field %q does not match pattern %s", key, spec.Pattern)}
		}
	}

	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		if s, ok := value.(string); ok {
			_, err := strconv.ParseFloat(s, 64)
			return err == nil
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
