// Package session implements the single sink for every observability
// emission during a run: a sorted-field, mutex-guarded emission discipline
// over newline-JSON streams. Every event and metric passes through
// internal/secrets masking before serialization, and each stream is
// appended with an O_APPEND|O_CREATE|O_WRONLY file plus an explicit Sync()
// after each write.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/osiris/internal/canon"
	"github.com/alexisbeaulieu97/osiris/internal/obslog"
	"github.com/alexisbeaulieu97/osiris/internal/registry"
	"github.com/alexisbeaulieu97/osiris/internal/secrets"
)

// SecretPolicyLookup resolves the redaction policy that governs a step, so
// Context can mask step-scoped emissions without holding a reference to the
// whole registry.
type SecretPolicyLookup func(stepID string) (secrets.Policy, bool)

// Options configures a new session Context.
type Options struct {
	Root           string // parent directory under which logs/run_<unix-ms>/ is created
	HumanLogs      bool
	ResolvePolicy  SecretPolicyLookup
	RunScopePolicy secrets.Policy
}

// EventRecord is one line of events.jsonl.
type EventRecord struct {
	Timestamp string         `json:"timestamp"`
	Name      string         `json:"name"`
	StepID    string         `json:"step_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// MetricRecord is one line of metrics.jsonl.
type MetricRecord struct {
	Timestamp string            `json:"timestamp"`
	Name      string            `json:"name"`
	StepID    string            `json:"step_id,omitempty"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Status is the terminal run summary written exactly once to status.json.
type Status struct {
	OK             bool   `json:"ok"`
	StepsCompleted int    `json:"steps_completed"`
	ExitCode       int    `json:"exit_code"`
	FailedStep     string `json:"failed_step,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Context is the single sink for a run's events, metrics, artifacts, and
// human-readable logs. The session id is run_<unix-ms>; the directory is
// logs/run_<unix-ms>/.
type Context struct {
	id   string
	dir  string
	opts Options
	log  *obslog.Logger

	mu         sync.Mutex
	eventsFile *os.File
	metricsF   *os.File
	closeOnce  sync.Once
}

// New creates a session directory under opts.Root and opens its append-only
// log streams. nowUnixMS is supplied by the caller rather than read via
// time.Now() internally, so tests can pin the session id.
func New(opts Options, nowUnixMS int64) (*Context, error) {
	id := fmt.Sprintf("run_%d", nowUnixMS)
	dir := filepath.Join(opts.Root, "logs", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return nil, err
	}

	eventsFile, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	metricsFile, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		eventsFile.Close()
		return nil, err
	}

	humanLog, err := os.OpenFile(filepath.Join(dir, "osiris.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		eventsFile.Close()
		metricsFile.Close()
		return nil, err
	}

	logger := obslog.New(obslog.Options{Level: "info", HumanReadable: opts.HumanLogs, Writer: humanLog})

	return &Context{id: id, dir: dir, opts: opts, log: logger, eventsFile: eventsFile, metricsF: metricsFile}, nil
}

// ID returns the session id (run_<unix-ms>).
func (c *Context) ID() string { return c.id }

// Dir returns the session's root directory.
func (c *Context) Dir() string { return c.dir }

// ArtifactsDir returns (creating if needed) the per-step artifacts
// directory, the value driver.Context.ArtifactsDir exposes to drivers.
func (c *Context) ArtifactsDir(stepID string) (string, error) {
	dir := filepath.Join(c.dir, "artifacts", stepID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// LogEvent masks fields against the step's governing secret policy (or the
// run-scope policy when stepID is empty), then appends one record to
// events.jsonl and mirrors it to the human log.
func (c *Context) LogEvent(stepID, name string, fields map[string]any, at time.Time) error {
	masked, err := c.maskFields(stepID, fields)
	if err != nil {
		return err
	}

	record := EventRecord{Timestamp: at.UTC().Format(time.RFC3339Nano), Name: name, StepID: stepID, Fields: masked}
	if err := c.appendLine(c.eventsFile, record); err != nil {
		return err
	}

	c.log.With(masked).Info(name)
	return nil
}

// LogMetric masks tags against the step's governing secret policy, then
// appends one record to metrics.jsonl.
func (c *Context) LogMetric(stepID, name string, value float64, unit string, tags map[string]string, at time.Time) error {
	if len(tags) > 0 {
		fields := make(map[string]any, len(tags))
		for k, v := range tags {
			fields[k] = v
		}
		masked, err := c.maskFields(stepID, fields)
		if err != nil {
			return err
		}
		tags = make(map[string]string, len(masked))
		for k, v := range masked {
			tags[k] = fmt.Sprint(v)
		}
	}
	record := MetricRecord{Timestamp: at.UTC().Format(time.RFC3339Nano), Name: name, StepID: stepID, Value: value, Unit: unit, Tags: tags}
	return c.appendLine(c.metricsF, record)
}

func (c *Context) maskFields(stepID string, fields map[string]any) (map[string]any, error) {
	policy := c.opts.RunScopePolicy
	if stepID != "" && c.opts.ResolvePolicy != nil {
		if p, ok := c.opts.ResolvePolicy(stepID); ok {
			policy = p
		}
	}
	if len(policy.EffectivePaths()) == 0 {
		return fields, nil
	}
	masked, _, err := secrets.Mask(policy, map[string]any(fields))
	if err != nil {
		return nil, err
	}
	return masked.(map[string]any), nil
}

func (c *Context) appendLine(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// Close writes status.json exactly once, guarded by sync.Once so concurrent
// or repeated callers (including a deferred call on an already-explicit
// close) never double-write.
func (c *Context) Close(status Status) error {
	var closeErr error
	c.closeOnce.Do(func() {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			closeErr = err
			return
		}
		closeErr = canon.WriteFileAtomic(filepath.Join(c.dir, "status.json"), data, 0o644)

		c.eventsFile.Close()
		c.metricsF.Close()
	})
	return closeErr
}

// PolicyFromRegistry builds a SecretPolicyLookup that resolves a step's
// governing policy via its manifest-recorded component, looked up in reg.
func PolicyFromRegistry(reg *registry.Registry, stepComponent map[string]string) SecretPolicyLookup {
	return func(stepID string) (secrets.Policy, bool) {
		component, ok := stepComponent[stepID]
		if !ok {
			return secrets.Policy{}, false
		}
		spec, err := reg.Get(component, "")
		if err != nil {
			return secrets.Policy{}, false
		}
		return spec.SecretPolicy(), true
	}
}
