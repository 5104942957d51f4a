// Package filewriter implements the filesystem.csv_writer reference driver:
// a mode write component that serializes an upstream tabular input to a
// CSV file using encoding/csv, since no third-party CSV library earns its
// keep over the standard one for this shape.
package filewriter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/alexisbeaulieu97/osiris/internal/driver"
)

const (
	ComponentName = "filesystem.csv_writer"
	Version       = "1.0.0"
	DriverRef     = ComponentName + "@" + Version
)

// Driver is the filesystem.csv_writer reference driver.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) Metadata() driver.Metadata {
	return driver.Metadata{Name: ComponentName, Version: Version, Type: "writer"}
}

func (d *Driver) Run(_ context.Context, stepID string, resolvedConfig map[string]any, inputs driver.Inputs, driverCtx driver.Context) (driver.Outputs, error) {
	path, ok := resolvedConfig["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("E_CFG_MISSING: step %s: config.path is required", stepID)
	}

	rows, err := extractRows(inputs)
	if err != nil {
		return nil, fmt.Errorf("E_INPUT_INVALID: step %s: %w", stepID, err)
	}

	artifactsDir, err := driverCtx.ArtifactsDir(stepID)
	if err != nil {
		return nil, err
	}
	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(artifactsDir, path)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := headerOf(rows)
	if len(header) > 0 {
		if err := w.Write(header); err != nil {
			return nil, err
		}
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, col := range header {
			record[i] = fmt.Sprintf("%v", row[col])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	driverCtx.LogMetric("rows_written", float64(len(rows)), "rows", map[string]string{"step_id": stepID})
	driverCtx.LogEvent("artifact_created", map[string]any{"step_id": stepID, "path": fullPath})

	return driver.Outputs{}, nil
}

// extractRows normalizes whatever tabular shape an upstream driver produced
// (e.g. tabularextract.Row, a named map type distinct from map[string]any)
// into a plain []map[string]any by round-tripping through encoding/json,
// so this driver never needs to import another driver's types.
func extractRows(inputs driver.Inputs) ([]map[string]any, error) {
	for _, v := range inputs {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		var rows []map[string]any
		if err := json.Unmarshal(data, &rows); err != nil {
			continue
		}
		return rows, nil
	}
	return nil, fmt.Errorf("no tabular input found among step inputs")
}

func headerOf(rows []map[string]any) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, row := range rows {
		for col := range row {
			if !seen[col] {
				seen[col] = true
				cols = append(cols, col)
			}
		}
	}
	sort.Strings(cols)
	return cols
}
