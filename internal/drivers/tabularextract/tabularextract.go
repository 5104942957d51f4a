// Package tabularextract implements the mysql.extractor reference driver:
// a mode read/extract component that runs a SQL query and returns its rows
// as tabular output. It operates against an injected RowSource interface
// rather than a live database connection directly, so it is testable
// without MySQL; the default implementation wraps database/sql (see
// DESIGN.md).
package tabularextract

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/alexisbeaulieu97/osiris/internal/driver"
)

const (
	ComponentName = "mysql.extractor"
	Version       = "1.0.0"
	DriverRef     = ComponentName + "@" + Version
)

// Row is one tabular record: column name to scalar value.
type Row map[string]any

// RowSource executes a query against a resolved connection and returns its
// rows. Implementations must not retain state across Query calls.
type RowSource interface {
	Query(ctx context.Context, conn ResolvedConnection, query string) ([]Row, error)
}

// ResolvedConnection is the subset of a resolved_connection block the
// reference RowSource needs to open a database/sql connection. PasswordEnv
// holds an environment variable *name*, never a secret value, as recorded by
// the compiler; Run resolves it to Password via the driver context's Env
// method immediately before invoking the RowSource, so the plaintext value
// never round-trips through a config file or log line.
type ResolvedConnection struct {
	Host        string
	Port        int
	Database    string
	User        string
	PasswordEnv string
	Password    string
}

// Driver is the mysql.extractor reference driver. It is stateless and safe
// to construct fresh for every step invocation.
type Driver struct {
	Source RowSource
}

// New constructs a fresh Driver backed by a database/sql RowSource. Passing
// a nil db is the normal production configuration: sqlRowSource opens a
// connection per query, dialed from the step's own ResolvedConnection, since
// the driver registry constructs a fresh driver instance for every step
// without a shared per-connection pool (spec.md §4.7 — "each driver instance manages
// its own lifetime"). A non-nil db overrides that and is used directly,
// which tests use to inject a fake in-process driver via sql/driver or a
// DSN pointed at a test database.
func New(db *sql.DB) *Driver {
	return &Driver{Source: &sqlRowSource{db: db}}
}

func (d *Driver) Metadata() driver.Metadata {
	return driver.Metadata{Name: ComponentName, Version: Version, Type: "extractor"}
}

func (d *Driver) Run(ctx context.Context, stepID string, resolvedConfig map[string]any, _ driver.Inputs, driverCtx driver.Context) (driver.Outputs, error) {
	query, ok := resolvedConfig["query"].(string)
	if !ok || query == "" {
		return nil, fmt.Errorf("E_CFG_MISSING: step %s: config.query is required", stepID)
	}

	conn, err := resolveConnection(resolvedConfig)
	if err != nil {
		return nil, err
	}
	if conn.PasswordEnv != "" {
		value, ok := driverCtx.Env(conn.PasswordEnv)
		if !ok {
			return nil, fmt.Errorf("E_ENV_MISSING: step %s: environment variable %q not set", stepID, conn.PasswordEnv)
		}
		conn.Password = value
	}

	rows, err := d.Source.Query(ctx, conn, query)
	if err != nil {
		return nil, fmt.Errorf("E_DRIVER_QUERY: step %s: %w", stepID, err)
	}

	driverCtx.LogMetric("rows_read", float64(len(rows)), "rows", map[string]string{"step_id": stepID})
	driverCtx.LogEvent("step_rows_read", map[string]any{"step_id": stepID, "row_count": len(rows)})

	return driver.Outputs{"rows": rows}, nil
}

func resolveConnection(cfg map[string]any) (ResolvedConnection, error) {
	rc, ok := cfg["resolved_connection"].(map[string]any)
	if !ok {
		return ResolvedConnection{}, nil
	}

	conn := ResolvedConnection{}
	if v, ok := rc["host"].(string); ok {
		conn.Host = v
	}
	if v, ok := rc["port"].(int); ok {
		conn.Port = v
	}
	if v, ok := rc["port"].(float64); ok {
		conn.Port = int(v)
	}
	if v, ok := rc["database"].(string); ok {
		conn.Database = v
	}
	if v, ok := rc["user"].(string); ok {
		conn.User = v
	}
	if v, ok := rc["password"].(string); ok {
		if name, isEnvRef := parseEnvRef(v); isEnvRef {
			conn.PasswordEnv = name
		}
	}
	return conn, nil
}

func parseEnvRef(s string) (string, bool) {
	const prefix, suffix = "${", "}"
	if len(s) < len(prefix)+len(suffix) {
		return "", false
	}
	if s[:len(prefix)] != prefix || s[len(s)-len(suffix):] != suffix {
		return "", false
	}
	return s[len(prefix) : len(s)-len(suffix)], true
}

// sqlRowSource is the database/sql-backed default RowSource.
type sqlRowSource struct {
	db *sql.DB
}

// dsnFor builds a go-sql-driver/mysql DSN from a resolved connection,
// defaulting the host/port the way a bare `mysql` CLI invocation would.
func dsnFor(conn ResolvedConnection) string {
	host := conn.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := conn.Port
	if port == 0 {
		port = 3306
	}
	cfg := mysql.Config{
		User:      conn.User,
		Passwd:    conn.Password,
		Net:       "tcp",
		Addr:      fmt.Sprintf("%s:%d", host, port),
		DBName:    conn.Database,
		ParseTime: true,
	}
	return cfg.FormatDSN()
}

func (s *sqlRowSource) Query(ctx context.Context, conn ResolvedConnection, query string) ([]Row, error) {
	db := s.db
	if db == nil {
		opened, err := sql.Open("mysql", dsnFor(conn))
		if err != nil {
			return nil, fmt.Errorf("open connection: %w", err)
		}
		defer opened.Close()
		db = opened
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
