package connectors

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/orca/pkg/schema"
)

// LibSQLConnector is an SQLConnector over a libSQL (embedded SQLite fork)
// database.
type LibSQLConnector struct {
	db     *sql.DB
	policy *ApprovalPolicy
	owned  bool
}

// OpenLibSQL opens the database at dsn, e.g. "file:/path/to/data.db".
func OpenLibSQL(dsn string, policy *ApprovalPolicy) (*LibSQLConnector, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)
	var mode string
	_ = db.QueryRow("PRAGMA busy_timeout=5000").Scan(&mode)

	c := NewLibSQLConnector(db, policy)
	c.owned = true
	return c, nil
}

// NewLibSQLConnector wraps an already-open database. The caller keeps
// ownership of db.
func NewLibSQLConnector(db *sql.DB, policy *ApprovalPolicy) *LibSQLConnector {
	if policy == nil {
		policy = DefaultPolicy("libsql")
	}
	if policy.Engine == "" {
		policy.Engine = "libsql"
	}
	return &LibSQLConnector{db: db, policy: policy}
}

func (c *LibSQLConnector) Type() string            { return "libsql" }
func (c *LibSQLConnector) Dialect() string         { return "sqlite" }
func (c *LibSQLConnector) Policy() *ApprovalPolicy { return c.policy }

// DB returns the underlying database.
func (c *LibSQLConnector) DB() *sql.DB { return c.db }

// Close closes the database if the connector opened it.
func (c *LibSQLConnector) Close() error {
	if !c.owned {
		return nil
	}
	return c.db.Close()
}

// Schema returns the CREATE statements of every user table and view.
func (c *LibSQLConnector) Schema(ctx context.Context) (string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master
		 WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' AND sql IS NOT NULL
		 ORDER BY name`)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeDataConnector, "read schema").WithCause(err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var name, ddl string
		if err := rows.Scan(&name, &ddl); err != nil {
			return "", schema.NewError(schema.ErrCodeDataConnector, "scan schema").WithCause(err)
		}
		parts = append(parts, strings.TrimSpace(ddl)+";")
	}
	if err := rows.Err(); err != nil {
		return "", schema.NewError(schema.ErrCodeDataConnector, "read schema").WithCause(err)
	}
	return strings.Join(parts, "\n"), nil
}

// Query executes sql. Read statements return their rows; other statements
// return a single row with rows_affected.
func (c *LibSQLConnector) Query(ctx context.Context, query string, params ...any) ([]map[string]any, error) {
	if c.policy.IsRisky(query) {
		res, err := c.db.ExecContext(ctx, query, params...)
		if err != nil {
			return nil, execError(query, err)
		}
		n, _ := res.RowsAffected()
		return []map[string]any{{"rows_affected": n}}, nil
	}

	rows, err := c.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, execError(query, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, execError(query, err)
	}
	out := make([]map[string]any, 0)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, execError(query, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, execError(query, err)
	}
	return out, nil
}

func execError(query string, err error) error {
	return schema.NewError(schema.ErrCodeExecution, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"sql": query})
}

// normalizeValue converts driver values to JSON-friendly scalars.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return v
}
