package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alexisbeaulieu97/osiris/internal/manifest"
	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
	"github.com/alexisbeaulieu97/osiris/internal/rpcenvelope"
	"github.com/alexisbeaulieu97/osiris/internal/session"
)

// statusContractViolationError marks a sendAndAwaitResponse failure caused
// by the worker process exiting without a terminal response, as opposed to
// an ordinary step failure reported through a well-formed response. Execute
// dispatches on this type to run the host-side fallback described by
// spec.md §4.10 point 4 instead of just surfacing the raw error.
type statusContractViolationError struct {
	stepID string
	reason string
}

func (e *statusContractViolationError) Error() string { return e.reason }

// runState is the sandbox lifecycle state machine:
// IDLE → PREPARING → RUNNING → (CLEANUP | FAILED) → SEALED. transition
// panics on an illegal move: reaching one means the adapter itself has a
// bug, not that the sandbox misbehaved.
type runState int

const (
	stateIdle runState = iota
	statePreparing
	stateRunning
	stateCleanup
	stateFailed
	stateSealed
)

var legalTransitions = map[runState][]runState{
	stateIdle:      {statePreparing},
	statePreparing: {stateRunning, stateFailed},
	stateRunning:   {stateCleanup, stateFailed},
	stateCleanup:   {stateSealed},
	stateFailed:    {stateSealed},
}

func (s *runState) transition(to runState) {
	for _, allowed := range legalTransitions[*s] {
		if allowed == to {
			*s = to
			return
		}
	}
	panic(fmt.Sprintf("illegal sandbox state transition from %d to %d", *s, to))
}

// Clock abstracts time.Now/time.Sleep for retry backoff, matching
// internal/engine/local's Clock shape so both adapters are driven
// identically in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// Adapter drives a Sandbox through the prepare/execute/collect lifecycle,
// forwarding every event and metric record the worker streams back into the
// host session sink, 1-for-1, as internal/infrastructure/events'
// LoggingPublisher forwards buffered records to its delegate.
type Adapter struct {
	Session *session.Context
	Sandbox Sandbox
	Clock   Clock

	state  runState
	stdin  io.WriteCloser
	reader *bufio.Scanner
	enc    *json.Encoder
}

func (a *Adapter) clock() Clock {
	if a.Clock != nil {
		return a.Clock
	}
	return RealClock{}
}

// Prepare uploads the manifest and every step config into the sandbox
// workspace, starts the worker process, and sends the prepare command.
func (a *Adapter) Prepare(ctx context.Context, compiledDir string, m manifest.Manifest) error {
	a.state.transition(statePreparing)

	if err := a.Sandbox.Upload(ctx, filepath.Join(compiledDir, "manifest.json"), "manifest.json"); err != nil {
		a.state.transition(stateFailed)
		return err
	}
	for _, step := range m.Steps {
		if err := a.Sandbox.Upload(ctx, filepath.Join(compiledDir, step.ConfigPath), step.ConfigPath); err != nil {
			a.state.transition(stateFailed)
			return err
		}
	}

	stdin, stdout, err := a.Sandbox.Start(ctx)
	if err != nil {
		a.state.transition(stateFailed)
		return err
	}
	a.stdin = stdin
	a.enc = json.NewEncoder(stdin)
	a.reader = bufio.NewScanner(stdout)
	a.reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	resp, err := a.sendAndAwaitResponse(rpcenvelope.Command{Type: rpcenvelope.CommandPrepare, ManifestPath: "manifest.json"}, "")
	if err != nil {
		a.state.transition(stateFailed)
		return err
	}
	if !resp.OK {
		a.state.transition(stateFailed)
		return fmt.Errorf("%s: %s", resp.ErrorCode, resp.Error)
	}

	return nil
}

// Execute runs every step through the sandbox sequentially, forwarding
// events/metrics and applying the same retry policy as the local adapter.
func (a *Adapter) Execute(ctx context.Context, m manifest.Manifest) session.Status {
	a.state.transition(stateRunning)
	stepsCompleted := 0

	for _, step := range m.Steps {
		if err := a.runStepWithRetry(step); err != nil {
			a.state.transition(stateFailed)

			var violation *statusContractViolationError
			if errors.As(err, &violation) {
				return a.recoverFromStatusContractViolation(ctx, stepsCompleted, step.ID, violation)
			}

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

	a.state.transition(stateCleanup)
	_, _ = a.sendAndAwaitResponse(rpcenvelope.Command{Type: rpcenvelope.CommandCleanup}, "")
	return session.Status{OK: true, StepsCompleted: stepsCompleted, ExitCode: 0}
}

// recoverFromStatusContractViolation implements spec.md §4.10 point 4: the
// worker exited without a terminal response for the in-flight step, so the
// host attempts to fetch status.json from the sandbox workspace as a
// best-effort recovery of whatever the worker managed to seal before dying,
// falling back to a synthesized violation status when the file is absent or
// unreadable. Either way, a status_contract_violation event is emitted —
// reaching this method at all means the worker/host parity contract was
// broken.
func (a *Adapter) recoverFromStatusContractViolation(ctx context.Context, stepsCompleted int, failedStep string, violation *statusContractViolationError) session.Status {
	status := session.Status{
		OK:             false,
		StepsCompleted: stepsCompleted,
		ExitCode:       oerrors.ExitRuntimeFailure,
		FailedStep:     failedStep,
		Error:          "status_contract_violation",
	}

	fetched := filepath.Join(a.Session.Dir(), "sandbox_status.json")
	if err := a.Sandbox.FetchFile(ctx, "status.json", fetched); err == nil {
		if data, readErr := os.ReadFile(fetched); readErr == nil {
			var sandboxStatus session.Status
			if json.Unmarshal(data, &sandboxStatus) == nil {
				status = sandboxStatus
				if status.FailedStep == "" {
					status.FailedStep = failedStep
				}
			}
		}
	}

	_ = a.Session.LogEvent("", "status_contract_violation", map[string]any{
		"reason":      violation.reason,
		"failed_step": failedStep,
	}, a.clock().Now())

	return status
}

func (a *Adapter) runStepWithRetry(step manifest.StepEntry) error {
	maxAttempts := 1
	if step.Retry != nil && step.Retry.Max > 0 {
		maxAttempts = step.Retry.Max
	}

	inputs := make(map[string]string, len(step.Inputs))
	for key, ref := range step.Inputs {
		inputs[key] = ref.FromStep + "." + ref.Key
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cmd := rpcenvelope.Command{
			Type:       rpcenvelope.CommandExecStep,
			StepID:     step.ID,
			Component:  step.Component,
			Mode:       step.Mode,
			Driver:     step.Driver,
			ConfigPath: step.ConfigPath,
			Inputs:     inputs,
			TimeoutMS:  step.TimeoutMS,
			Attempt:    attempt,
		}

		resp, err := a.sendAndAwaitResponse(cmd, step.ID)
		if err != nil {
			return err
		}
		if resp.OK {
			return nil
		}
		lastErr = fmt.Errorf("%s: %s", resp.ErrorCode, resp.Error)

		if attempt < maxAttempts {
			a.clock().Sleep(backoffDelay(step.Retry, attempt))
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

// sendAndAwaitResponse writes cmd to the worker's stdin, then reads lines
// from its stdout until the matching terminal response arrives, forwarding
// every event/metric record into the session sink as it is read. If stdout
// closes before a response for this command arrives, it synthesizes
// E_STATUS_CONTRACT_VIOLATION rather than hanging.
func (a *Adapter) sendAndAwaitResponse(cmd rpcenvelope.Command, stepID string) (*rpcenvelope.ResponsePayload, error) {
	if err := a.enc.Encode(cmd); err != nil {
		return nil, err
	}

	for a.reader.Scan() {
		var rec rpcenvelope.Record
		if err := json.Unmarshal(a.reader.Bytes(), &rec); err != nil {
			continue
		}

		switch rec.Kind {
		case rpcenvelope.RecordEvent:
			if rec.Event != nil {
				_ = a.Session.LogEvent(rec.Event.StepID, rec.Event.Name, rec.Event.Fields, a.clock().Now())
			}
		case rpcenvelope.RecordMetric:
			if rec.Metric != nil {
				_ = a.Session.LogMetric(rec.Metric.StepID, rec.Metric.Name, rec.Metric.Value, rec.Metric.Unit, rec.Metric.Tags, a.clock().Now())
			}
		case rpcenvelope.RecordResponse:
			if rec.Response != nil && rec.Response.Type == cmd.Type && rec.Response.StepID == stepID {
				return rec.Response, nil
			}
		}
	}

	violation := rpcenvelope.StatusContractViolation(cmd.Type, stepID, "worker process exited without a terminal response")
	return violation.Response, &statusContractViolationError{stepID: stepID, reason: violation.Response.Error}
}
