// Package envsubst resolves ${NAME}-shaped environment variable references
// inside a resolved step configuration tree. It is shared by
// internal/engine/local and internal/worker so both execution adapters
// substitute identically.
package envsubst

import (
	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
	"github.com/alexisbeaulieu97/osiris/internal/oml"
)

// Getenv resolves an environment variable by name.
type Getenv func(name string) (string, bool)

// Substitute walks v, replacing every ${NAME}-shaped string with the value
// Getenv returns for NAME. A missing variable fails the whole substitution
// with E_ENV_MISSING (oerrors.EnvError), attributed to stepID.
func Substitute(v any, getenv Getenv, stepID string) (any, error) {
	switch val := v.(type) {
	case string:
		name, ok := oml.IsEnvRef(val)
		if !ok {
			return val, nil
		}
		value, present := getenv(name)
		if !present {
			return nil, &oerrors.EnvError{StepID: stepID, Name: name}
		}
		return value, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			substituted, err := Substitute(item, getenv, stepID)
			if err != nil {
				return nil, err
			}
			out[k] = substituted
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			substituted, err := Substitute(item, getenv, stepID)
			if err != nil {
				return nil, err
			}
			out[i] = substituted
		}
		return out, nil
	default:
		return val, nil
	}
}
