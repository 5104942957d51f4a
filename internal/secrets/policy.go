// Package secrets implements the secret policy engine: given a component's
// declared secret paths and a configuration value, it masks sensitive
// fields for output and asserts their absence from anything written to
// disk. Paths are slash-separated segments with numeric sequence indices,
// using the same ~0/~1 escaping JSON Pointer uses; path splitting and
// escaping is hand-rolled the same way internal/canon hand-rolls its
// encoder rather than pulling in a JSON Pointer library for this alone.
package secrets

import (
	"strconv"
	"strings"

	"github.com/alexisbeaulieu97/osiris/internal/canon"
	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
)

// Strategy names the redaction strategy applied to a secret path.
type Strategy string

const (
	StrategyMask Strategy = "mask"
	StrategyDrop Strategy = "drop"
	StrategyHash Strategy = "hash"
)

const defaultMaskToken = "***"

// Policy describes how a single component redacts its secret fields.
type Policy struct {
	Paths         []string
	Strategy      Strategy
	MaskString    string
	AdditionalPaths []string
}

// EffectivePaths returns the declared secret paths plus any additional paths
// the redaction policy adds.
func (p Policy) EffectivePaths() []string {
	if len(p.AdditionalPaths) == 0 {
		return p.Paths
	}
	out := make([]string, 0, len(p.Paths)+len(p.AdditionalPaths))
	out = append(out, p.Paths...)
	out = append(out, p.AdditionalPaths...)
	return out
}

func (p Policy) strategy() Strategy {
	if p.Strategy == "" {
		return StrategyMask
	}
	return p.Strategy
}

func (p Policy) maskToken() string {
	if p.MaskString == "" {
		return defaultMaskToken
	}
	return p.MaskString
}

// Mask returns a deep copy of value with every path in the policy replaced
// according to its redaction strategy, plus whether any masking occurred.
func Mask(policy Policy, value any) (any, bool, error) {
	masked := deepCopy(value)
	didMask := false

	for _, rawPath := range policy.EffectivePaths() {
		segments := SplitPath(rawPath)
		if _, present := get(masked, segments); !present {
			continue
		}
		masked = maskPath(masked, segments, policy)
		didMask = true
	}

	return masked, didMask, nil
}

// AssertNoLeak scans value for any non-masked, non-env-reference content at
// a declared secret path: a secret-declared path holding anything other than
// the mask token, a "sha256:"-prefixed hash token, an environment-variable
// reference accepted by isEnvRef, or null is E_SECRET_LEAK.
func AssertNoLeak(policy Policy, value any, isEnvRef func(string) bool) error {
	for _, rawPath := range policy.EffectivePaths() {
		segments := SplitPath(rawPath)
		v, ok := get(value, segments)
		if !ok {
			continue
		}
		if err := assertMaskedOrEnvRef(policy, rawPath, v, isEnvRef); err != nil {
			return err
		}
	}
	return nil
}

func assertMaskedOrEnvRef(policy Policy, path string, v any, isEnvRef func(string) bool) error {
	switch val := v.(type) {
	case string:
		if val == policy.maskToken() {
			return nil
		}
		if strings.HasPrefix(val, "sha256:") {
			return nil
		}
		if isEnvRef != nil && isEnvRef(val) {
			return nil
		}
		return &oerrors.SecretError{Code: "E_SECRET_LEAK", Path: path, Message: "secret path holds an unmasked value"}
	case nil:
		return nil
	default:
		return &oerrors.SecretError{Code: "E_SECRET_LEAK", Path: path, Message: "secret path holds an unmasked non-string value"}
	}
}

func maskPath(root any, segments []string, policy Policy) any {
	if len(segments) == 0 {
		return redact(policy, root)
	}

	switch node := root.(type) {
	case map[string]any:
		key := segments[0]
		child, ok := node[key]
		if !ok {
			return root
		}
		if len(segments) == 1 {
			if policy.strategy() == StrategyDrop {
				out := make(map[string]any, len(node))
				for k, v := range node {
					if k == key {
						continue
					}
					out[k] = v
				}
				return out
			}
			node[key] = redact(policy, child)
			return node
		}
		node[key] = maskPath(child, segments[1:], policy)
		return node
	case []any:
		idx, err := strconv.Atoi(segments[0])
		if err != nil || idx < 0 || idx >= len(node) {
			return root
		}
		if len(segments) == 1 {
			if policy.strategy() == StrategyDrop {
				out := make([]any, 0, len(node)-1)
				out = append(out, node[:idx]...)
				out = append(out, node[idx+1:]...)
				return out
			}
			node[idx] = redact(policy, node[idx])
			return node
		}
		node[idx] = maskPath(node[idx], segments[1:], policy)
		return node
	default:
		return root
	}
}

func redact(policy Policy, v any) any {
	switch policy.strategy() {
	case StrategyHash:
		fp, err := canon.Fingerprint(v)
		if err != nil {
			return policy.maskToken()
		}
		if len(fp) > 16 {
			fp = fp[:16]
		}
		return "sha256:" + fp
	default:
		return policy.maskToken()
	}
}

func get(root any, segments []string) (any, bool) {
	cur := root
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SplitPath splits a slash-separated secret path into segments, unescaping
// ~1 (→ /) and ~0 (→ ~) in that order, per JSON Pointer escaping rules.
func SplitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	raw := strings.Split(path, "/")
	out := make([]string, len(raw))
	for i, seg := range raw {
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")
		out[i] = seg
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return val
	}
}
