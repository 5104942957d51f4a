// Package connresolve expands symbolic @family.alias connection references
// inside step configurations into inline resolved_connection blocks, using
// a pre-compiled regexp the same way other validators in this codebase
// precompile their patterns once at package init.
package connresolve

import (
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
)

var connRefPattern = regexp.MustCompile(`^@([a-z0-9_-]+)\.([a-z0-9_-]*)$`)

// Descriptor is one connection's field mapping within a family/alias slot.
// Fields whose value is a ${NAME} reference are recorded as environment
// variable names only; the resolver never reads the environment.
type Descriptor struct {
	Default bool
	Fields  map[string]any
}

// Catalog is a family -> alias -> descriptor mapping, authored as YAML.
type Catalog struct {
	Families map[string]map[string]Descriptor `yaml:"-"`
}

// rawCatalog mirrors the authored YAML shape: a bare mapping of families to
// aliases to descriptors, with "default" handled as an ordinary field on the
// descriptor rather than a top-level wrapper key.
type rawCatalog map[string]map[string]rawDescriptor

type rawDescriptor map[string]any

// Parse decodes a connection catalog document.
func Parse(data []byte) (*Catalog, error) {
	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	cat := &Catalog{Families: make(map[string]map[string]Descriptor, len(raw))}
	for family, aliases := range raw {
		out := make(map[string]Descriptor, len(aliases))
		for alias, fields := range aliases {
			desc := Descriptor{Fields: make(map[string]any, len(fields))}
			for k, v := range fields {
				if k == "default" {
					if b, ok := v.(bool); ok {
						desc.Default = b
					}
					continue
				}
				desc.Fields[k] = v
			}
			out[alias] = desc
		}
		cat.Families[family] = out
	}
	return cat, nil
}

// ParseRef splits a "@family.alias" string into its family and alias parts.
// The alias may be empty, signalling default-alias selection.
func ParseRef(s string) (family, alias string, ok bool) {
	m := connRefPattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Select resolves the alias to use for family, applying this precedence:
// an explicit alias; else the descriptor marked default: true; else the
// alias literally named "default"; else E_CONN_NO_DEFAULT. The receiver
// must not be nil.
func (c *Catalog) Select(family, alias string) (Descriptor, string, error) {
	aliases, ok := c.Families[family]
	if !ok {
		return Descriptor{}, "", &oerrors.ConnectionError{Code: "E_CONN_UNKNOWN_FAMILY", Family: family, Message: "connection family not found in catalog"}
	}

	if alias != "" {
		desc, ok := aliases[alias]
		if !ok {
			return Descriptor{}, "", &oerrors.ConnectionError{Code: "E_CONN_UNKNOWN_ALIAS", Family: family, Alias: alias, Message: "connection alias not found in family"}
		}
		return desc, alias, nil
	}

	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if aliases[name].Default {
			return aliases[name], name, nil
		}
	}
	if desc, ok := aliases["default"]; ok {
		return desc, "default", nil
	}

	return Descriptor{}, "", &oerrors.ConnectionError{Code: "E_CONN_NO_DEFAULT", Family: family, Message: "no alias is marked default and no alias named \"default\" exists"}
}

// Resolution records which family/alias a step's connection reference
// resolved to, so callers can apply component-specific required-field
// checks without reparsing the resolved configuration.
type Resolution struct {
	Key    string
	Family string
	Alias  string
}

// Resolve expands every top-level config key whose scalar value is an
// @family.alias reference into a resolved_connection block, leaving all
// other keys untouched. Fields are copied verbatim: ${NAME} references are
// recorded as literal strings, never read.
func Resolve(cfg map[string]any, cat *Catalog) (map[string]any, []Resolution, error) {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}

	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var resolutions []Resolution
	for _, key := range keys {
		s, ok := out[key].(string)
		if !ok {
			continue
		}
		family, alias, ok := ParseRef(s)
		if !ok {
			continue
		}

		desc, resolvedAlias, err := cat.Select(family, alias)
		if err != nil {
			return nil, nil, err
		}

		delete(out, key)
		out["resolved_connection"] = cloneFields(desc.Fields)
		resolutions = append(resolutions, Resolution{Key: key, Family: family, Alias: resolvedAlias})
	}

	return out, resolutions, nil
}

// CheckRequiredFields reports E_CONN_MISSING_FIELD for any name in required
// that is absent from a resolved connection's fields, letting callers apply
// a component's own required-field list to the descriptor it received.
func CheckRequiredFields(family, alias string, resolved map[string]any, required []string) error {
	for _, name := range required {
		if _, ok := resolved[name]; !ok {
			return &oerrors.ConnectionError{Code: "E_CONN_MISSING_FIELD", Family: family, Alias: alias, Message: "connection descriptor is missing required field " + name}
		}
	}
	return nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
