// Package canon implements the single canonical serialization used
// everywhere Osiris requires determinism: manifests, per-step configuration,
// component specs, and cache keys are all fingerprinted over the byte
// sequence this package produces.
//
// Canonical form: UTF-8 JSON, mapping keys sorted lexicographically, no
// insignificant whitespace, shortest round-trip numeric form, sequences in
// input order, binary blobs base64-encoded. No third-party RFC 8785-style
// JSON canonicalizer is worth the dependency for an algorithm this small and
// exact, so the encoder is hand-written against the standard library.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
)

// Canonicalize renders v (any JSON-compatible tree of map[string]any,
// []any, string, bool, nil, float64/json.Number, or []byte) as its unique
// canonical byte sequence.
func Canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 256)
	buf, err = encode(buf, normalized)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of v's canonical
// serialization.
func Fingerprint(v any) (string, error) {
	bytes, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return FingerprintBytes(bytes), nil
}

// FingerprintBytes hashes an already-canonical byte sequence. Exposed so
// callers that concatenate multiple fingerprints into a cache key can hash
// without round-tripping through JSON.
func FingerprintBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

// ToTree decodes arbitrary JSON bytes into the map[string]any/[]any tree
// Canonicalize expects, preserving numbers as json.Number so integer
// precision is never lost on the round trip.
func ToTree(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalize walks v, converting struct-shaped Go values produced by
// encoding/json (map[string]any, []any, string, bool, nil, float64,
// json.Number) into a form encode can handle directly, rejecting floats
// that cannot round-trip.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string:
		return val, nil
	case json.Number:
		// Integer literals keep their exact digits; decimal and exponent
		// literals are re-rendered in shortest round-trip form.
		if !strings.ContainsAny(string(val), ".eE") {
			return val, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, &oerrors.CanonError{Code: "E_CANON_FLOAT", Message: fmt.Sprintf("number %s cannot be parsed as a float", val)}
		}
		return normalizeFloat(f)
	case int:
		return json.Number(strconv.Itoa(val)), nil
	case int64:
		return json.Number(strconv.FormatInt(val, 10)), nil
	case float64:
		return normalizeFloat(val)
	case []byte:
		return base64.StdEncoding.EncodeToString(val), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		return nil, &oerrors.CanonError{Code: "E_CANON_UNSUPPORTED", Message: fmt.Sprintf("unsupported value of type %T", v)}
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &oerrors.CanonError{Code: "E_CANON_FLOAT", Message: "float is NaN or infinite"}
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	parsed, err := strconv.ParseFloat(s, 64)
	if err != nil || parsed != f {
		return nil, &oerrors.CanonError{Code: "E_CANON_FLOAT", Message: fmt.Sprintf("value %v cannot round-trip through shortest decimal form", f)}
	}
	return json.Number(s), nil
}

func encode(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return append(buf, val.String()...), nil
	case string:
		return appendJSONString(buf, val), nil
	case []any:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = encode(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendJSONString(buf, k)
			buf = append(buf, ':')
			var err error
			buf, err = encode(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, &oerrors.CanonError{Code: "E_CANON_UNSUPPORTED", Message: fmt.Sprintf("unsupported normalized value of type %T", v)}
	}
}

func appendJSONString(buf []byte, s string) []byte {
	marshaled, _ := json.Marshal(s)
	return append(buf, marshaled...)
}

// WriteFileAtomic writes data to a temporary file in the same directory as
// path and renames it into place, so a reader never observes a partially
// written artifact and a crash mid-write leaves the original file (or no
// file) rather than a truncated one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
