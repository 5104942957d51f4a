package oml

import (
	"fmt"
	"sort"

	"github.com/alexisbeaulieu97/osiris/internal/diagnostic"
	"github.com/alexisbeaulieu97/osiris/internal/registry"
	"github.com/alexisbeaulieu97/osiris/internal/secrets"
)

// Validate checks doc's shape and cross-references against reg, collecting
// every violation rather than stopping at the first.
func Validate(doc *Document, reg *registry.Registry) []diagnostic.Violation {
	var violations []diagnostic.Violation

	violations = append(violations, checkForbiddenKeys(doc)...)
	violations = append(violations, checkVersion(doc)...)
	violations = append(violations, checkPipelineID(doc)...)

	if len(doc.Steps) == 0 {
		violations = append(violations, diagnostic.Violation{
			Path: "/steps", Code: "OML_MISSING_FIELD", Message: "steps must be a non-empty sequence",
		})
		return violations
	}

	violations = append(violations, checkStepIdentifiers(doc)...)
	violations = append(violations, checkComponentsAndConfig(doc, reg)...)
	violations = append(violations, checkDependencyReferences(doc)...)
	violations = append(violations, checkDependencyCycle(doc)...)
	violations = append(violations, checkInlineSecrets(doc, reg)...)

	return violations
}

func checkForbiddenKeys(doc *Document) []diagnostic.Violation {
	var violations []diagnostic.Violation
	for _, key := range ForbiddenTopLevelKeys {
		if _, present := doc.raw[key]; present {
			violations = append(violations, diagnostic.Violation{
				Path: "/" + key, Code: "OML_FORBIDDEN_KEY", Message: fmt.Sprintf("top-level key %q is forbidden (legacy template-style format)", key),
			})
		}
	}
	return violations
}

// checkVersion validates doc.OMLVersion via the package's validator/v10
// singleton's "oml_version" custom tag rather than a hand-rolled string
// comparison, mirroring the teacher's validatorInstance()-driven checks in
// internal/config/validator.go.
func checkVersion(doc *Document) []diagnostic.Violation {
	if err := validatorInstance().Var(doc.OMLVersion, "required,oml_version"); err != nil {
		return []diagnostic.Violation{{
			Path: "/oml_version", Code: "OML_BAD_PATTERN",
			Message: fmt.Sprintf("oml_version must be exactly %q, got %q", ExpectedVersion, doc.OMLVersion),
		}}
	}
	return nil
}

// checkPipelineID validates doc.PipelineID via the "identifier" custom tag.
func checkPipelineID(doc *Document) []diagnostic.Violation {
	if err := validatorInstance().Var(doc.PipelineID, "required,identifier"); err != nil {
		return []diagnostic.Violation{{
			Path: "/pipeline_id", Code: "OML_BAD_PATTERN",
			Message: fmt.Sprintf("pipeline_id %q must match %s", doc.PipelineID, identifierPattern.String()),
		}}
	}
	return nil
}

// checkStepIdentifiers validates each step's id (format via the "identifier"
// tag, plus cross-element duplicate detection the struct-tag layer cannot
// express) and each step's declared mode via the "oneof" tag on Step.Mode.
func checkStepIdentifiers(doc *Document) []diagnostic.Violation {
	var violations []diagnostic.Violation
	seen := make(map[string]bool, len(doc.Steps))
	v := validatorInstance()

	for i, step := range doc.Steps {
		idPath := fmt.Sprintf("/steps/%d/id", i)
		if err := v.Var(step.ID, "required,identifier"); err != nil {
			violations = append(violations, diagnostic.Violation{Path: idPath, Code: "OML_BAD_PATTERN", Message: fmt.Sprintf("step id %q must match %s", step.ID, identifierPattern.String())})
			continue
		}
		if seen[step.ID] {
			violations = append(violations, diagnostic.Violation{Path: idPath, Code: "OML_BAD_PATTERN", Message: fmt.Sprintf("duplicate step id %q", step.ID)})
			continue
		}
		seen[step.ID] = true

		if err := v.Var(step.Mode, "required,oneof=read write transform"); err != nil {
			violations = append(violations, diagnostic.Violation{
				Path: fmt.Sprintf("/steps/%d/mode", i), Code: "OML_BAD_MODE",
				Message: fmt.Sprintf("step %q mode %q must be one of read, write, transform", step.ID, step.Mode),
			})
		}
	}
	return violations
}

func checkComponentsAndConfig(doc *Document, reg *registry.Registry) []diagnostic.Violation {
	var violations []diagnostic.Violation

	for i, step := range doc.Steps {
		base := fmt.Sprintf("/steps/%d", i)
		spec, err := reg.Get(step.Component, "")
		if err != nil {
			violations = append(violations, diagnostic.Violation{Path: base + "/component", Code: "OML_UNKNOWN_COMPONENT", Message: err.Error()})
			continue
		}

		mode := registry.Mode(step.Mode)
		if !spec.SupportsMode(mode) {
			violations = append(violations, diagnostic.Violation{Path: base + "/mode", Code: "OML_BAD_MODE", Message: fmt.Sprintf("component %s does not support mode %q", step.Component, step.Mode)})
			continue
		}

		for _, v := range reg.ValidateConfig(step.Component, mode, step.Config) {
			v.Path = base + "/config" + trimConfigPrefix(v.Path)
			if v.Code == "OML_MISSING_FIELD" || v.Code == "OML_CFG_INVALID" {
				v.Code = "OML_CFG_INVALID"
			}
			violations = append(violations, v)
		}
	}

	return violations
}

func trimConfigPrefix(path string) string {
	const prefix = "/config"
	if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):]
	}
	return path
}

func checkDependencyReferences(doc *Document) []diagnostic.Violation {
	var violations []diagnostic.Violation
	ids := StepMap(doc.Steps)

	for i, step := range doc.Steps {
		base := fmt.Sprintf("/steps/%d", i)
		for _, dep := range step.Needs {
			if _, ok := ids[dep]; !ok {
				violations = append(violations, diagnostic.Violation{Path: base + "/needs", Code: "OML_DEP_UNKNOWN", Message: fmt.Sprintf("step %q needs unknown step %q", step.ID, dep)})
			}
		}
		keys := make([]string, 0, len(step.Inputs))
		for key := range step.Inputs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			ref := step.Inputs[key]
			if _, ok := ids[ref.FromStep]; !ok {
				violations = append(violations, diagnostic.Violation{Path: base + "/inputs/" + key + "/from_step", Code: "OML_DEP_UNKNOWN", Message: fmt.Sprintf("step %q input %q references unknown step %q", step.ID, key, ref.FromStep)})
			}
		}
	}
	return violations
}

// checkDependencyCycle runs a DFS with an explicit recursion stack over both
// edge kinds (needs + inputs.from_step), the same algorithm shape as the
// teacher's internal/config/validator.go detectCycle, generalized to two
// edge sources and sorted-id iteration for determinism.
func checkDependencyCycle(doc *Document) []diagnostic.Violation {
	graph := make(map[string][]string, len(doc.Steps))
	ids := make([]string, 0, len(doc.Steps))
	known := StepMap(doc.Steps)

	for _, step := range doc.Steps {
		ids = append(ids, step.ID)
		var deps []string
		for _, dep := range step.Needs {
			if _, ok := known[dep]; ok {
				deps = append(deps, dep)
			}
		}
		for _, ref := range step.Inputs {
			if _, ok := known[ref.FromStep]; ok {
				deps = append(deps, ref.FromStep)
			}
		}
		graph[step.ID] = deps
	}
	sort.Strings(ids)

	visiting := make(map[string]bool, len(ids))
	visited := make(map[string]bool, len(ids))
	var stack []string
	var cycle []string

	var dfs func(string) bool
	dfs = func(node string) bool {
		visiting[node] = true
		stack = append(stack, node)

		deps := append([]string(nil), graph[node]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if visited[dep] {
				continue
			}
			if visiting[dep] {
				idx := indexOf(stack, dep)
				if idx >= 0 {
					cycle = append([]string{}, stack[idx:]...)
					cycle = append(cycle, dep)
				}
				return true
			}
			if dfs(dep) {
				return true
			}
		}

		visiting[node] = false
		visited[node] = true
		stack = stack[:len(stack)-1]
		return false
	}

	for _, id := range ids {
		if visited[id] {
			continue
		}
		if dfs(id) {
			break
		}
	}

	if len(cycle) > 0 {
		return []diagnostic.Violation{{Path: "/steps", Code: "OML_DEP_CYCLE", Message: fmt.Sprintf("dependency cycle detected: %v", cycle)}}
	}
	return nil
}

func indexOf(slice []string, target string) int {
	for i, v := range slice {
		if v == target {
			return i
		}
	}
	return -1
}

// checkInlineSecrets ensures no value at a declared secret path is an
// inline literal: it must be absent or a ${NAME} environment reference.
func checkInlineSecrets(doc *Document, reg *registry.Registry) []diagnostic.Violation {
	var violations []diagnostic.Violation

	for i, step := range doc.Steps {
		spec, err := reg.Get(step.Component, "")
		if err != nil {
			continue
		}
		base := fmt.Sprintf("/steps/%d/config", i)
		for _, path := range spec.SecretPolicy().EffectivePaths() {
			segments := secrets.SplitPath(path)
			val, ok := lookupConfigPath(step.Config, segments)
			if !ok {
				continue
			}
			s, isString := val.(string)
			if !isString {
				violations = append(violations, diagnostic.Violation{Path: base + "/" + path, Code: "OML_INLINE_SECRET", Message: "secret field holds an inline non-string literal"})
				continue
			}
			if _, isEnv := IsEnvRef(s); !isEnv {
				violations = append(violations, diagnostic.Violation{Path: base + "/" + path, Code: "OML_INLINE_SECRET", Message: "secret field must be absent or an environment reference ${NAME}"})
			}
		}
	}

	return violations
}

func lookupConfigPath(cfg map[string]any, segments []string) (any, bool) {
	var cur any = cfg
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
