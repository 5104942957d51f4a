// Package local implements the in-process execution adapter: strictly
// single-threaded, it walks the manifest's already-flattened step order in
// a plain for loop (no goroutine fan-out), evaluating and running each
// step's driver in sequence with a per-step context.WithTimeout and
// errors.As dispatch over a small closed set of error kinds.
package local

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexisbeaulieu97/osiris/internal/canon"
	"github.com/alexisbeaulieu97/osiris/internal/driver"
	"github.com/alexisbeaulieu97/osiris/internal/envsubst"
	"github.com/alexisbeaulieu97/osiris/internal/manifest"
	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
	"github.com/alexisbeaulieu97/osiris/internal/session"
)

// Clock abstracts time.Now so tests can pin durations; production callers
// pass RealClock.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time     { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// Adapter executes a compiled manifest in-process, one step at a time.
type Adapter struct {
	Session *session.Context
	Drivers *driver.Registry
	Clock   Clock
	Getenv  func(string) (string, bool)
}

func (a *Adapter) clock() Clock {
	if a.Clock != nil {
		return a.Clock
	}
	return RealClock{}
}

func (a *Adapter) getenv() func(string) (string, bool) {
	if a.Getenv != nil {
		return a.Getenv
	}
	return os.LookupEnv
}

// Prepare verifies each referenced config file exists, copies the manifest
// and every cfg/<step>.json into the session directory, and emits
// cfg_materialized per file plus manifest_materialized.
func (a *Adapter) Prepare(compiledDir string, m manifest.Manifest) error {
	now := a.clock().Now()

	manifestBytes, err := os.ReadFile(filepath.Join(compiledDir, "manifest.json"))
	if err != nil {
		return err
	}
	if err := canon.WriteFileAtomic(filepath.Join(a.Session.Dir(), "manifest.json"), manifestBytes, 0o644); err != nil {
		return err
	}
	if err := a.Session.LogEvent("", "manifest_materialized", map[string]any{
		"sha256": sha256Hex(manifestBytes),
		"size":   len(manifestBytes),
	}, now); err != nil {
		return err
	}

	for _, step := range m.Steps {
		src := filepath.Join(compiledDir, step.ConfigPath)
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("E_CFG_MISSING: step %s: %w", step.ID, err)
		}
		dst := filepath.Join(a.Session.Dir(), step.ConfigPath)
		if err := canon.WriteFileAtomic(dst, data, 0o644); err != nil {
			return err
		}
		if err := a.Session.LogEvent(step.ID, "cfg_materialized", map[string]any{
			"path":   step.ConfigPath,
			"sha256": sha256Hex(data),
			"size":   len(data),
		}, a.clock().Now()); err != nil {
			return err
		}
	}

	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// driverContext adapts *session.Context to the driver.Context interface for
// one step invocation.
type driverContext struct {
	session *session.Context
	stepID  string
	getenv  func(string) (string, bool)
	clock   Clock
}

func (d driverContext) LogEvent(name string, fields map[string]any) {
	_ = d.session.LogEvent(d.stepID, name, fields, d.clock.Now())
}

func (d driverContext) LogMetric(name string, value float64, unit string, tags map[string]string) {
	_ = d.session.LogMetric(d.stepID, name, value, unit, tags, d.clock.Now())
}

func (d driverContext) ArtifactsDir(stepID string) (string, error) {
	return d.session.ArtifactsDir(stepID)
}

func (d driverContext) Env(name string) (string, bool) {
	return d.getenv(name)
}

// Execute runs every step of m in topological order (the manifest's
// already-flattened order), sequentially. It returns the final status
// without writing status.json; callers call Session.Close with the result.
func (a *Adapter) Execute(ctx context.Context, m manifest.Manifest, configs map[string]manifest.ResolvedStepConfig) session.Status {
	outputs := make(map[string]driver.Outputs, len(m.Steps))
	stepsCompleted := 0

	for _, step := range m.Steps {
		if err := a.runStepWithRetry(ctx, step, configs[step.ID], outputs); err != nil {
			return session.Status{
				OK:             false,
				StepsCompleted: stepsCompleted,
				ExitCode:       oerrors.ExitCodeFor(err),
				FailedStep:     step.ID,
				Error:          err.Error(),
			}
		}
		stepsCompleted++
	}

	return session.Status{OK: true, StepsCompleted: stepsCompleted, ExitCode: 0}
}

func (a *Adapter) runStepWithRetry(ctx context.Context, step manifest.StepEntry, cfg manifest.ResolvedStepConfig, outputs map[string]driver.Outputs) error {
	policy := step.Retry
	maxAttempts := 1
	if policy != nil && policy.Max > 0 {
		maxAttempts = policy.Max
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := a.runStepOnce(ctx, step, cfg, outputs, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < maxAttempts {
			a.clock().Sleep(backoffDelay(policy, attempt))
		}
	}
	return lastErr
}

func backoffDelay(policy *manifest.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.DelayMS <= 0 {
		return 0
	}
	base := time.Duration(policy.DelayMS) * time.Millisecond
	switch policy.Backoff {
	case manifest.BackoffLinear:
		return base * time.Duration(attempt)
	case manifest.BackoffExp:
		delay := base
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		return delay
	default:
		return base
	}
}

func (a *Adapter) runStepOnce(ctx context.Context, step manifest.StepEntry, cfg manifest.ResolvedStepConfig, outputs map[string]driver.Outputs, attempt int) error {
	start := a.clock().Now()

	substituted, err := envsubst.Substitute(map[string]any(cfg), envsubst.Getenv(a.getenv()), step.ID)
	if err != nil {
		a.emitStepFailed(step, err, attempt)
		return err
	}

	inputs, err := resolveInputs(step, outputs)
	if err != nil {
		a.emitStepFailed(step, err, attempt)
		return err
	}

	d, err := a.Drivers.New(step.Driver)
	if err != nil {
		a.emitStepFailed(step, err, attempt)
		return err
	}

	_ = a.Session.LogEvent(step.ID, "step_start", map[string]any{"step_id": step.ID, "driver": step.Driver, "attempt": attempt}, start)

	runCtx := ctx
	var cancel context.CancelFunc
	if step.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	dctx := driverContext{session: a.Session, stepID: step.ID, getenv: a.getenv(), clock: a.clock()}
	result, runErr := d.Run(runCtx, step.ID, substituted.(map[string]any), inputs, dctx)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runErr = &oerrors.TimeoutError{StepID: step.ID}
	}
	if runErr != nil {
		a.emitStepFailed(step, runErr, attempt)
		return runErr
	}

	outputs[step.ID] = result
	duration := a.clock().Now().Sub(start)
	_ = a.Session.LogEvent(step.ID, "step_complete", map[string]any{
		"step_id":     step.ID,
		"duration_ms": duration.Milliseconds(),
		"attempt":     attempt,
	}, a.clock().Now())

	return nil
}

func (a *Adapter) emitStepFailed(step manifest.StepEntry, err error, attempt int) {
	var errorType string
	var timeoutErr *oerrors.TimeoutError
	var envErr *oerrors.EnvError
	var inputErr *oerrors.InputError
	switch {
	case errors.As(err, &timeoutErr):
		errorType = "E_STEP_TIMEOUT"
	case errors.As(err, &envErr):
		errorType = "E_ENV_MISSING"
	case errors.As(err, &inputErr):
		errorType = inputErr.Code
	default:
		errorType = "E_DRIVER_ERROR"
	}

	_ = a.Session.LogEvent(step.ID, "step_failed", map[string]any{
		"step_id":    step.ID,
		"driver":     step.Driver,
		"error":      err.Error(),
		"error_type": errorType,
		"attempt":    attempt,
	}, a.clock().Now())
}

// resolveInputs resolves a step's manifest-declared inputs against the
// in-memory step-output store, keyed by producing step id.
func resolveInputs(step manifest.StepEntry, outputs map[string]driver.Outputs) (driver.Inputs, error) {
	inputs := make(driver.Inputs, len(step.Inputs))
	for key, ref := range step.Inputs {
		produced, ok := outputs[ref.FromStep]
		if !ok {
			return nil, &oerrors.InputError{Code: "E_INPUT_MISSING", StepID: step.ID, Key: key}
		}
		value, ok := produced[ref.Key]
		if !ok {
			return nil, &oerrors.InputError{Code: "E_INPUT_MISSING", StepID: step.ID, Key: key}
		}
		inputs[key] = value
	}
	return inputs, nil
}

