package local_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/osiris/internal/driver"
	"github.com/alexisbeaulieu97/osiris/internal/engine/local"
	"github.com/alexisbeaulieu97/osiris/internal/manifest"
	"github.com/alexisbeaulieu97/osiris/internal/session"
)

type fakeClock struct {
	now    time.Time
	slept  []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.slept = append(c.slept, d) }

type stubDriver struct {
	run func(ctx context.Context, stepID string, cfg map[string]any, inputs driver.Inputs, dctx driver.Context) (driver.Outputs, error)
}

func (s *stubDriver) Metadata() driver.Metadata { return driver.Metadata{Name: "stub"} }
func (s *stubDriver) Run(ctx context.Context, stepID string, cfg map[string]any, inputs driver.Inputs, dctx driver.Context) (driver.Outputs, error) {
	return s.run(ctx, stepID, cfg, inputs, dctx)
}

func newSession(t *testing.T) *session.Context {
	t.Helper()
	ctx, err := session.New(session.Options{Root: t.TempDir()}, 1700000001000)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close(session.Status{OK: true}) })
	return ctx
}

func TestExecuteRunsStepsAndRecordsOutputs(t *testing.T) {
	sess := newSession(t)
	reg := driver.NewRegistry()
	reg.Register("extract@1.0.0", func() driver.Driver {
		return &stubDriver{run: func(ctx context.Context, stepID string, cfg map[string]any, inputs driver.Inputs, dctx driver.Context) (driver.Outputs, error) {
			return driver.Outputs{"rows": []any{map[string]any{"id": "1"}}}, nil
		}}
	})
	reg.Register("write@1.0.0", func() driver.Driver {
		return &stubDriver{run: func(ctx context.Context, stepID string, cfg map[string]any, inputs driver.Inputs, dctx driver.Context) (driver.Outputs, error) {
			assert.Contains(t, inputs, "rows")
			return driver.Outputs{"path": "/tmp/out.csv"}, nil
		}}
	})

	adapter := &local.Adapter{Session: sess, Drivers: reg, Clock: &fakeClock{now: time.Unix(0, 0)}}

	m := manifest.Manifest{
		Steps: []manifest.StepEntry{
			{ID: "extract", Driver: "extract@1.0.0"},
			{ID: "write", Driver: "write@1.0.0", Inputs: map[string]manifest.InputRef{
				"rows": {FromStep: "extract", Key: "rows"},
			}},
		},
	}
	configs := map[string]manifest.ResolvedStepConfig{
		"extract": {"query": "select 1"},
		"write":   {"path": "out.csv"},
	}

	status := adapter.Execute(context.Background(), m, configs)
	assert.True(t, status.OK)
	assert.Equal(t, 2, status.StepsCompleted)
}

func TestExecuteFailsOnMissingInput(t *testing.T) {
	sess := newSession(t)
	reg := driver.NewRegistry()
	reg.Register("write@1.0.0", func() driver.Driver {
		return &stubDriver{run: func(ctx context.Context, stepID string, cfg map[string]any, inputs driver.Inputs, dctx driver.Context) (driver.Outputs, error) {
			return driver.Outputs{}, nil
		}}
	})
	adapter := &local.Adapter{Session: sess, Drivers: reg, Clock: &fakeClock{now: time.Unix(0, 0)}}

	m := manifest.Manifest{
		Steps: []manifest.StepEntry{
			{ID: "write", Driver: "write@1.0.0", Inputs: map[string]manifest.InputRef{
				"rows": {FromStep: "missing-step", Key: "rows"},
			}},
		},
	}
	status := adapter.Execute(context.Background(), m, map[string]manifest.ResolvedStepConfig{"write": {}})
	assert.False(t, status.OK)
	assert.Equal(t, 0, status.StepsCompleted)
	assert.Contains(t, status.Error, "E_INPUT_MISSING")
}

func TestExecuteFailsOnMissingEnvVar(t *testing.T) {
	sess := newSession(t)
	reg := driver.NewRegistry()
	reg.Register("extract@1.0.0", func() driver.Driver {
		return &stubDriver{run: func(ctx context.Context, stepID string, cfg map[string]any, inputs driver.Inputs, dctx driver.Context) (driver.Outputs, error) {
			t.Fatal("driver should not run when env substitution fails")
			return nil, nil
		}}
	})
	adapter := &local.Adapter{
		Session: sess,
		Drivers: reg,
		Clock:   &fakeClock{now: time.Unix(0, 0)},
		Getenv:  func(string) (string, bool) { return "", false },
	}

	m := manifest.Manifest{
		Steps: []manifest.StepEntry{{ID: "extract", Driver: "extract@1.0.0"}},
	}
	configs := map[string]manifest.ResolvedStepConfig{
		"extract": {"password": "${DB_PASSWORD}"},
	}
	status := adapter.Execute(context.Background(), m, configs)
	assert.False(t, status.OK)
	assert.Contains(t, status.Error, "E_ENV_MISSING")
}

func TestExecuteRetriesUpToMaxAttempts(t *testing.T) {
	sess := newSession(t)
	attempts := 0
	reg := driver.NewRegistry()
	reg.Register("flaky@1.0.0", func() driver.Driver {
		return &stubDriver{run: func(ctx context.Context, stepID string, cfg map[string]any, inputs driver.Inputs, dctx driver.Context) (driver.Outputs, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient failure")
			}
			return driver.Outputs{}, nil
		}}
	})
	clock := &fakeClock{now: time.Unix(0, 0)}
	adapter := &local.Adapter{Session: sess, Drivers: reg, Clock: clock}

	m := manifest.Manifest{
		Steps: []manifest.StepEntry{
			{ID: "flaky", Driver: "flaky@1.0.0", Retry: &manifest.RetryPolicy{Max: 3, Backoff: manifest.BackoffLinear, DelayMS: 10}},
		},
	}
	status := adapter.Execute(context.Background(), m, map[string]manifest.ResolvedStepConfig{"flaky": {}})
	assert.True(t, status.OK)
	assert.Equal(t, 3, attempts)
	assert.Len(t, clock.slept, 2)
}

func TestExecuteFailsAfterExhaustingRetries(t *testing.T) {
	sess := newSession(t)
	reg := driver.NewRegistry()
	reg.Register("broken@1.0.0", func() driver.Driver {
		return &stubDriver{run: func(ctx context.Context, stepID string, cfg map[string]any, inputs driver.Inputs, dctx driver.Context) (driver.Outputs, error) {
			return nil, errors.New("always fails")
		}}
	})
	adapter := &local.Adapter{Session: sess, Drivers: reg, Clock: &fakeClock{now: time.Unix(0, 0)}}

	m := manifest.Manifest{
		Steps: []manifest.StepEntry{
			{ID: "broken", Driver: "broken@1.0.0", Retry: &manifest.RetryPolicy{Max: 2}},
		},
	}
	status := adapter.Execute(context.Background(), m, map[string]manifest.ResolvedStepConfig{"broken": {}})
	assert.False(t, status.OK)
	assert.Contains(t, status.Error, "always fails")
}

func TestPrepareCopiesManifestAndConfigs(t *testing.T) {
	sess := newSession(t)
	adapter := &local.Adapter{Session: sess, Drivers: driver.NewRegistry(), Clock: &fakeClock{now: time.Unix(0, 0)}}

	compiledDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(compiledDir, "manifest.json"), []byte(`{"pipeline_id":"p1"}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(compiledDir, "cfg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(compiledDir, "cfg", "extract.json"), []byte(`{"query":"select 1"}`), 0o644))

	m := manifest.Manifest{
		PipelineID: "p1",
		Steps:      []manifest.StepEntry{{ID: "extract", ConfigPath: "cfg/extract.json"}},
	}
	require.NoError(t, adapter.Prepare(compiledDir, m))

	data, err := os.ReadFile(filepath.Join(sess.Dir(), "manifest.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "p1")

	data, err = os.ReadFile(filepath.Join(sess.Dir(), "cfg", "extract.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "select 1")
}
