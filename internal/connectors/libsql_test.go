package connectors

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orca/pkg/schema"
)

func newTestConnector(t *testing.T, policy *ApprovalPolicy) *LibSQLConnector {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "data.db")
	c, err := OpenLibSQL(dsn, policy)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	for _, stmt := range []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer TEXT NOT NULL, total REAL NOT NULL)`,
		`INSERT INTO orders (id, customer, total) VALUES (1, 'acme', 10.5), (2, 'acme', 4.5), (3, 'globex', 7)`,
	} {
		_, err := c.DB().ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return c
}

func TestLibSQLConnector_Metadata(t *testing.T) {
	c := newTestConnector(t, nil)
	assert.Equal(t, "libsql", c.Type())
	assert.Equal(t, "sqlite", c.Dialect())
	require.NotNil(t, c.Policy())
	assert.True(t, c.Policy().ApprovalRequired)
	assert.False(t, c.Policy().AllowWrites)
	assert.Equal(t, "libsql", c.Policy().Engine)

	var _ SQLConnector = c
}

func TestLibSQLConnector_Schema(t *testing.T) {
	c := newTestConnector(t, nil)
	s, err := c.Schema(context.Background())
	require.NoError(t, err)
	assert.Contains(t, s, "CREATE TABLE orders")
	assert.Contains(t, s, "customer TEXT")
}

func TestLibSQLConnector_Query(t *testing.T) {
	c := newTestConnector(t, nil)
	rows, err := c.Query(context.Background(), "SELECT id, customer FROM orders WHERE customer = ? ORDER BY id", "acme")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[0]["id"])
	assert.Equal(t, "acme", rows[0]["customer"])
}

func TestLibSQLConnector_QueryEmpty(t *testing.T) {
	c := newTestConnector(t, nil)
	rows, err := c.Query(context.Background(), "SELECT id FROM orders WHERE id > 100")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestLibSQLConnector_QueryError(t *testing.T) {
	c := newTestConnector(t, nil)
	_, err := c.Query(context.Background(), "SELECT missing_column FROM orders")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestLibSQLConnector_Write(t *testing.T) {
	c := newTestConnector(t, &ApprovalPolicy{AllowWrites: true})
	rows, err := c.Query(context.Background(), "DELETE FROM orders WHERE customer = 'globex'")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0]["rows_affected"])
}
