// Package worker implements the sandbox-side program behind cmd/osiris-worker.
// It reads rpcenvelope.Command lines from stdin and writes rpcenvelope.Record
// lines to stdout: one event/metric record per driver emission, forwarded as
// it happens (not buffered to end-of-step), plus one terminal response per
// command. The worker is the publisher; the host (internal/engine/remote) is
// the delegate that replays records into the session sink.
package worker

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

	"github.com/alexisbeaulieu97/osiris/internal/driver"
	"github.com/alexisbeaulieu97/osiris/internal/envsubst"
	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
	"github.com/alexisbeaulieu97/osiris/internal/rpcenvelope"
	"github.com/alexisbeaulieu97/osiris/internal/session"
)

// Worker runs the sandbox-side command loop.
type Worker struct {
	Drivers      *driver.Registry
	WorkspaceDir string

	outputs        map[string]driver.Outputs
	stepsCompleted int
	failed         bool
	failedStep     string
	lastError      string
}

// Run reads one Command per line from in and writes one or more Records per
// line to out, until CommandCleanup is processed or in reaches EOF. Under
// every exit path — clean cleanup, a read error, premature stdin closure, or
// an uncaught panic from a driver — a final action writes status.json into
// WorkspaceDir and ensures metrics.jsonl exists there, per spec.md §4.10
// point 3: the host's fallback recovery has nothing to fetch otherwise.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) (err error) {
	if w.outputs == nil {
		w.outputs = make(map[string]driver.Outputs)
	}

	defer func() {
		if r := recover(); r != nil {
			w.failed = true
			if w.lastError == "" {
				w.lastError = fmt.Sprintf("panic: %v", r)
			}
			err = fmt.Errorf("worker panic: %v", r)
		}
		w.sealWorkspace()
	}()

	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd rpcenvelope.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			_ = enc.Encode(rpcenvelope.Record{Kind: rpcenvelope.RecordResponse, Response: &rpcenvelope.ResponsePayload{
				OK: false, ErrorCode: "E_BAD_COMMAND", Error: err.Error(),
			}})
			continue
		}

		switch cmd.Type {
		case rpcenvelope.CommandPrepare:
			w.handlePrepare(cmd, enc)
		case rpcenvelope.CommandExecStep:
			w.handleExecStep(ctx, cmd, enc)
		case rpcenvelope.CommandCleanup:
			_ = enc.Encode(rpcenvelope.Record{Kind: rpcenvelope.RecordResponse, Response: &rpcenvelope.ResponsePayload{
				Type: rpcenvelope.CommandCleanup, OK: true,
			}})
			return nil
		default:
			_ = enc.Encode(rpcenvelope.Record{Kind: rpcenvelope.RecordResponse, Response: &rpcenvelope.ResponsePayload{
				OK: false, ErrorCode: "E_BAD_COMMAND", Error: fmt.Sprintf("unknown command type %q", cmd.Type),
			}})
		}
	}
	if err := scanner.Err(); err != nil {
		w.failed = true
		w.lastError = err.Error()
		return err
	}
	return nil
}

// sealWorkspace writes the worker's own status.json and guarantees
// metrics.jsonl exists inside WorkspaceDir. It never returns an error: a
// failure here must not mask whatever caused Run to exit, and the host's
// FetchFile call already tolerates the file being absent.
func (w *Worker) sealWorkspace() {
	status := session.Status{
		OK:             !w.failed,
		StepsCompleted: w.stepsCompleted,
		FailedStep:     w.failedStep,
		Error:          w.lastError,
	}
	if w.failed {
		status.ExitCode = oerrors.ExitRuntimeFailure
	}

	if data, err := json.MarshalIndent(status, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(w.WorkspaceDir, "status.json"), data, 0o644)
	}

	metricsPath := filepath.Join(w.WorkspaceDir, "metrics.jsonl")
	if info, statErr := os.Stat(metricsPath); statErr != nil || info.Size() == 0 {
		record := map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"name":      "session_initialized",
			"value":     0.0,
		}
		if data, err := json.Marshal(record); err == nil {
			data = append(data, '\n')
			_ = os.WriteFile(metricsPath, data, 0o644)
		}
	}
}

func (w *Worker) handlePrepare(cmd rpcenvelope.Command, enc *json.Encoder) {
	if _, err := os.Stat(w.resolvePath(cmd.ManifestPath)); err != nil {
		w.failed = true
		w.lastError = err.Error()
		_ = enc.Encode(rpcenvelope.Record{Kind: rpcenvelope.RecordResponse, Response: &rpcenvelope.ResponsePayload{
			Type: rpcenvelope.CommandPrepare, OK: false, ErrorCode: "E_CFG_MISSING", Error: err.Error(),
		}})
		return
	}
	_ = enc.Encode(rpcenvelope.Record{Kind: rpcenvelope.RecordResponse, Response: &rpcenvelope.ResponsePayload{
		Type: rpcenvelope.CommandPrepare, OK: true,
	}})
}

func (w *Worker) handleExecStep(ctx context.Context, cmd rpcenvelope.Command, enc *json.Encoder) {
	respond := func(ok bool, errorCode, errMsg string, outputs map[string]any) {
		if ok {
			w.stepsCompleted++
		} else if !w.failed {
			w.failed = true
			w.failedStep = cmd.StepID
			w.lastError = errMsg
		}
		_ = enc.Encode(rpcenvelope.Record{Kind: rpcenvelope.RecordResponse, Response: &rpcenvelope.ResponsePayload{
			Type: rpcenvelope.CommandExecStep, StepID: cmd.StepID, OK: ok, ErrorCode: errorCode, Error: errMsg, Outputs: outputs,
		}})
	}

	cfgBytes, err := os.ReadFile(w.resolvePath(cmd.ConfigPath))
	if err != nil {
		respond(false, "E_CFG_MISSING", err.Error(), nil)
		return
	}
	var cfg map[string]any
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		respond(false, "E_CFG_MISSING", err.Error(), nil)
		return
	}

	substituted, err := envsubst.Substitute(cfg, envsubst.Getenv(os.LookupEnv), cmd.StepID)
	if err != nil {
		respond(false, "E_ENV_MISSING", err.Error(), nil)
		return
	}

	inputs, err := w.resolveInputs(cmd)
	if err != nil {
		respond(false, "E_INPUT_MISSING", err.Error(), nil)
		return
	}

	d, err := w.Drivers.New(cmd.Driver)
	if err != nil {
		respond(false, "E_DRIVER_UNKNOWN", err.Error(), nil)
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	dctx := &streamingContext{stepID: cmd.StepID, enc: enc, workspaceDir: w.WorkspaceDir}
	outputs, runErr := d.Run(runCtx, cmd.StepID, substituted.(map[string]any), inputs, dctx)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		respond(false, "E_STEP_TIMEOUT", "step exceeded its timeout", nil)
		return
	}
	if runErr != nil {
		respond(false, "E_DRIVER_ERROR", runErr.Error(), nil)
		return
	}

	w.outputs[cmd.StepID] = outputs
	respond(true, "", "", map[string]any(outputs))
}

// resolveInputs parses each "<step_id>.<key>" reference in cmd.Inputs and
// looks it up in the worker's in-memory output store, mirroring
// internal/engine/local's input resolution.
func (w *Worker) resolveInputs(cmd rpcenvelope.Command) (driver.Inputs, error) {
	inputs := make(driver.Inputs, len(cmd.Inputs))
	for key, ref := range cmd.Inputs {
		stepID, outputKey, ok := splitRef(ref)
		if !ok {
			return nil, fmt.Errorf("malformed input reference %q for key %q", ref, key)
		}
		produced, ok := w.outputs[stepID]
		if !ok {
			return nil, fmt.Errorf("step %q has no recorded output (input %q)", stepID, key)
		}
		value, ok := produced[outputKey]
		if !ok {
			return nil, fmt.Errorf("step %q has no output key %q (input %q)", stepID, outputKey, key)
		}
		inputs[key] = value
	}
	return inputs, nil
}

// resolvePath joins a workspace-relative path against WorkspaceDir, or
// returns p unchanged if it is already absolute (tests may pass absolute
// paths directly).
func (w *Worker) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(w.WorkspaceDir, p)
}

func splitRef(ref string) (stepID, key string, ok bool) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}

// streamingContext adapts a JSON encoder writing to the worker's stdout into
// the driver.Context interface, forwarding every emission to the host
// immediately instead of buffering until the step completes.
type streamingContext struct {
	stepID       string
	enc          *json.Encoder
	workspaceDir string
}

func (s *streamingContext) LogEvent(name string, fields map[string]any) {
	_ = s.enc.Encode(rpcenvelope.Record{Kind: rpcenvelope.RecordEvent, Event: &rpcenvelope.EventPayload{
		Name: name, StepID: s.stepID, Fields: fields,
	}})
}

func (s *streamingContext) LogMetric(name string, value float64, unit string, tags map[string]string) {
	_ = s.enc.Encode(rpcenvelope.Record{Kind: rpcenvelope.RecordMetric, Metric: &rpcenvelope.MetricPayload{
		Name: name, StepID: s.stepID, Value: value, Unit: unit, Tags: tags,
	}})
}

func (s *streamingContext) ArtifactsDir(stepID string) (string, error) {
	dir := filepath.Join(s.workspaceDir, "artifacts", stepID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *streamingContext) Env(name string) (string, bool) {
	return os.LookupEnv(name)
}
