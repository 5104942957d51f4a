// Package runner wires a compiled manifest to either execution adapter and
// exposes the entry point cmd/osiris's run command calls: that command body
// does nothing but marshal flags into a call here and map the result to an
// exit code.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexisbeaulieu97/osiris/internal/driver"
	"github.com/alexisbeaulieu97/osiris/internal/drivers/filewriter"
	"github.com/alexisbeaulieu97/osiris/internal/drivers/tabularextract"
	"github.com/alexisbeaulieu97/osiris/internal/engine/local"
	"github.com/alexisbeaulieu97/osiris/internal/engine/remote"
	"github.com/alexisbeaulieu97/osiris/internal/manifest"
	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
	"github.com/alexisbeaulieu97/osiris/internal/session"
)

// AdapterKind selects which execution adapter Run drives.
type AdapterKind int

const (
	AdapterLocal AdapterKind = iota
	AdapterRemote
)

// Result summarizes a completed (or failed) run for the CLI to report.
type Result struct {
	SessionID  string
	Status     session.Status
	FailedStep string
}

// WorkerBinaryPath is the command AdapterRemote runs to spawn the
// cmd/osiris-worker sandbox process; a bare name is looked up on PATH by
// os/exec.
var WorkerBinaryPath = "osiris-worker"

// Run loads a compiled manifest from manifestDir, opens a new session under
// sessionRoot, and drives the selected adapter end to end.
func Run(ctx context.Context, manifestDir string, adapterKind AdapterKind, sessionRoot string) (*Result, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(manifestDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("E_RUNTIME: read manifest: %w", err)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		return nil, fmt.Errorf("E_RUNTIME: decode manifest: %w", err)
	}

	configs, err := loadStepConfigs(manifestDir, m)
	if err != nil {
		return nil, err
	}

	sess, err := session.New(session.Options{Root: sessionRoot}, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("E_RUNTIME: open session: %w", err)
	}
	// Close writes status.json only once, so this deferred call takes effect
	// only when neither explicit Close below was reached (e.g. a panic).
	defer sess.Close(session.Status{OK: false, ExitCode: oerrors.ExitRuntimeFailure, Error: "run aborted before the session was sealed"})

	drivers := defaultDriverRegistry()

	var status session.Status
	switch adapterKind {
	case AdapterLocal:
		status, err = runLocal(ctx, sess, drivers, manifestDir, m, configs)
	case AdapterRemote:
		status, err = runRemote(ctx, sess, drivers, manifestDir, m)
	default:
		err = fmt.Errorf("E_RUNTIME: unknown adapter kind %d", adapterKind)
	}
	if err != nil {
		_ = sess.Close(session.Status{OK: false, ExitCode: oerrors.ExitCodeFor(err), Error: err.Error()})
		return nil, err
	}

	if closeErr := sess.Close(status); closeErr != nil {
		return nil, fmt.Errorf("E_RUNTIME: seal session: %w", closeErr)
	}

	result := &Result{SessionID: sess.ID(), Status: status, FailedStep: status.FailedStep}
	return result, nil
}

func runLocal(ctx context.Context, sess *session.Context, drivers *driver.Registry, manifestDir string, m manifest.Manifest, configs map[string]manifest.ResolvedStepConfig) (session.Status, error) {
	adapter := &local.Adapter{Session: sess, Drivers: drivers}
	if err := adapter.Prepare(manifestDir, m); err != nil {
		return session.Status{}, fmt.Errorf("E_RUNTIME: prepare: %w", err)
	}
	return adapter.Execute(ctx, m, configs), nil
}

func runRemote(ctx context.Context, sess *session.Context, drivers *driver.Registry, manifestDir string, m manifest.Manifest) (session.Status, error) {
	workspaceDir := filepath.Join(sess.Dir(), "sandbox")
	sandbox, err := remote.NewExecProcessSandbox(WorkerBinaryPath, workspaceDir)
	if err != nil {
		return session.Status{}, fmt.Errorf("E_RUNTIME: create sandbox: %w", err)
	}

	adapter := &remote.Adapter{Session: sess, Sandbox: sandbox}
	if err := adapter.Prepare(ctx, manifestDir, m); err != nil {
		return session.Status{}, fmt.Errorf("E_RUNTIME: prepare: %w", err)
	}
	return adapter.Execute(ctx, m), nil
}

func loadStepConfigs(manifestDir string, m manifest.Manifest) (map[string]manifest.ResolvedStepConfig, error) {
	configs := make(map[string]manifest.ResolvedStepConfig, len(m.Steps))
	for _, step := range m.Steps {
		data, err := os.ReadFile(filepath.Join(manifestDir, step.ConfigPath))
		if err != nil {
			return nil, fmt.Errorf("E_RUNTIME: read config for step %s: %w", step.ID, err)
		}
		var cfg manifest.ResolvedStepConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("E_RUNTIME: decode config for step %s: %w", step.ID, err)
		}
		configs[step.ID] = cfg
	}
	return configs, nil
}

// defaultDriverRegistry wires every reference driver this distribution
// ships. Production deployments register additional drivers the same way.
func defaultDriverRegistry() *driver.Registry {
	reg := driver.NewRegistry()
	reg.Register(tabularextract.DriverRef, func() driver.Driver { return tabularextract.New(nil) })
	reg.Register(filewriter.DriverRef, func() driver.Driver { return filewriter.New() })
	return reg
}
