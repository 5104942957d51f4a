// Package oerrors defines the tagged error taxonomy shared by every layer of
// Osiris. Each family carries a stable machine code (the E_* identifiers from
// the system specification) so callers can dispatch with errors.As instead of
// string matching, and so diagnostics surfaced to an authoring surface remain
// stable across refactors.
package oerrors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexisbeaulieu97/osiris/internal/diagnostic"
)

// Exit codes: 0 success, 2 OML validation failure, 3 compilation failure,
// 4 runtime failure, 5 configuration/resolver failure — spec.md §6.
const (
	ExitSuccess              = 0
	ExitOMLInvalid           = 2
	ExitCompileFailure       = 3
	ExitRuntimeFailure       = 4
	ExitConfigResolveFailure = 5
)

// ExitCodeFor classifies an error into one of the informative exit codes a
// scripted caller can branch on, and is the single source of truth both for
// cmd/osiris's process exit code and for the value persisted into
// session.Status.ExitCode by the local and remote-proxy adapters — so an
// out-of-process consumer reading status.json on disk sees the same
// classification a CLI caller's own exit code would report.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		switch {
		case compileErr.Code == "E_OML_INVALID":
			return ExitOMLInvalid
		case strings.HasPrefix(compileErr.Code, "E_CONN_") || strings.HasPrefix(compileErr.Code, "E_REG_"):
			return ExitConfigResolveFailure
		default:
			return ExitCompileFailure
		}
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ExitConfigResolveFailure
	}
	var regErr *RegistryError
	if errors.As(err, &regErr) {
		return ExitConfigResolveFailure
	}

	return ExitRuntimeFailure
}

// OMLError reports a single authoring-surface violation detected while
// validating an OML document. Multiple OMLErrors are collected and returned
// together; validation never stops at the first one.
type OMLError struct {
	Code    string
	Path    string
	Message string
	Suggest string
}

func (e *OMLError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RegistryError reports a component registry load or lookup failure.
type RegistryError struct {
	Code    string
	Name    string
	Message string
	Err     error
}

func (e *RegistryError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// ConnectionError reports a connection-resolver failure.
type ConnectionError struct {
	Code    string
	Family  string
	Alias   string
	Message string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s.%s: %s", e.Code, e.Family, e.Alias, e.Message)
}

// SecretError reports a secret-policy violation. E_SECRET_LEAK is always
// fatal regardless of the stage at which it is detected.
type SecretError struct {
	Code    string
	Path    string
	Message string
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Message)
}

// CanonError reports a canonicalization failure, e.g. a float with no
// round-trippable decimal representation.
type CanonError struct {
	Code    string
	Message string
}

func (e *CanonError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InputError reports a missing or mistyped step input at execution time.
type InputError struct {
	Code   string
	StepID string
	Key    string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: step %s: input %q", e.Code, e.StepID, e.Key)
}

// EnvError reports a missing environment variable required to resolve a
// sensitive configuration field at execution time.
type EnvError struct {
	StepID string
	Name   string
}

func (e *EnvError) Error() string {
	return fmt.Sprintf("E_ENV_MISSING: step %s: environment variable %q not set", e.StepID, e.Name)
}

// TimeoutError reports a step that exceeded its declared timeout.
type TimeoutError struct {
	StepID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("E_STEP_TIMEOUT: step %s exceeded its timeout", e.StepID)
}

// DriverError wraps an error raised from within a driver's Run method,
// preserving the reported error type alongside the underlying error.
type DriverError struct {
	StepID    string
	ErrorType string
	Err       error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("step %s failed (%s): %v", e.StepID, e.ErrorType, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// CompileError aggregates a failed compilation attempt, carrying the stage
// at which it failed plus any collected OML diagnostics.
type CompileError struct {
	Code        string
	Message     string
	Diagnostics []diagnostic.Violation
}

func (e *CompileError) Error() string {
	if len(e.Diagnostics) > 0 {
		return fmt.Sprintf("%s: %s (%d diagnostics)", e.Code, e.Message, len(e.Diagnostics))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
