package sqlagent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orca/internal/connectors"
	"github.com/rendis/orca/internal/llm"
	"github.com/rendis/orca/pkg/schema"
)

// fakeDB answers queries from a fixed table and fails on unknown columns.
type fakeDB struct {
	policy  *connectors.ApprovalPolicy
	rows    []map[string]any
	queries []string
}

func newFakeDB(allowWrites bool) *fakeDB {
	p := connectors.DefaultPolicy("sqlite")
	p.AllowWrites = allowWrites
	return &fakeDB{
		policy: p,
		rows: []map[string]any{
			{"id": int64(1), "total": 10.5, "region": "north"},
			{"id": int64(2), "total": 4.5, "region": "south"},
		},
	}
}

func (f *fakeDB) Type() string                       { return "fake" }
func (f *fakeDB) Dialect() string                    { return "sqlite" }
func (f *fakeDB) Policy() *connectors.ApprovalPolicy { return f.policy }

func (f *fakeDB) Schema(context.Context) (string, error) {
	return "CREATE TABLE orders (id INTEGER, total REAL, region TEXT)", nil
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) ([]map[string]any, error) {
	f.queries = append(f.queries, sql)
	if strings.Contains(sql, "nonexistent") {
		return nil, schema.NewError(schema.ErrCodeExecution, "no such column: nonexistent")
	}
	if IsAggregate(sql) {
		return []map[string]any{{"n": int64(len(f.rows))}}, nil
	}
	return f.rows, nil
}

func TestGenerateAndExecute_RetriesAfterExecutionError(t *testing.T) {
	stub := &llm.Scripted{Responses: []string{
		"SELECT nonexistent FROM orders",
		"SELECT id, total FROM orders",
	}}
	db := newFakeDB(false)
	agent := NewAgent(stub, nil)

	res, err := agent.GenerateAndExecute(context.Background(), "list order totals", db, WithMaxAttempts(2))
	require.NoError(t, err)

	require.Len(t, res.Attempts, 2)
	assert.NotEmpty(t, res.Attempts[0].Error)
	assert.Equal(t, "SELECT nonexistent FROM orders", res.Attempts[0].SQL)
	assert.Empty(t, res.Attempts[1].Error)
	assert.Equal(t, "SELECT id, total FROM orders", res.SQL)
	assert.Equal(t, db.rows, res.Rows)

	require.Len(t, stub.Prompts, 2)
	assert.NotContains(t, stub.Prompts[0], "### Previous attempt")
	assert.Contains(t, stub.Prompts[1], "### Previous attempt")
	assert.Contains(t, stub.Prompts[1], "no such column: nonexistent")
}

func TestGenerateAndExecute_CalculatorFallback(t *testing.T) {
	db := newFakeDB(false)
	agent := NewAgent(&llm.Scripted{Responses: []string{"2 + 3 * 4"}}, nil)

	res, err := agent.GenerateAndExecute(context.Background(), "what is 2 + 3 * 4?", db)
	require.NoError(t, err)

	assert.Empty(t, res.SQL)
	assert.Equal(t, "2 + 3 * 4", res.Expression)
	assert.Equal(t, []map[string]any{{"result": 14}}, res.Rows)
	assert.Empty(t, db.queries)
	assert.True(t, res.Calculated())

	shaped := res.Shape().(map[string]any)
	assert.Nil(t, shaped["sql"])
}

func TestGenerateAndExecute_WriteProtection(t *testing.T) {
	db := newFakeDB(false)
	agent := NewAgent(&llm.Scripted{Responses: []string{"DELETE FROM items"}}, nil)

	res, err := agent.GenerateAndExecute(context.Background(), "remove all items", db, WithMaxAttempts(3))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDataConnector, schema.CodeOf(err))
	assert.Empty(t, db.queries)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "DELETE FROM items", res.Attempts[0].SQL)
}

func TestGenerateAndExecute_WritesAllowed(t *testing.T) {
	db := newFakeDB(true)
	agent := NewAgent(&llm.Scripted{Responses: []string{"DELETE FROM items"}}, nil)

	_, err := agent.GenerateAndExecute(context.Background(), "remove all items", db)
	require.NoError(t, err)
	assert.Equal(t, []string{"DELETE FROM items"}, db.queries)
}

func TestGenerateAndExecute_WithoutSignOff(t *testing.T) {
	stub := &llm.Scripted{Responses: []string{"SELECT * FROM orders"}}

	gated := newFakeDB(false)
	res, err := NewAgent(stub, nil).GenerateAndExecute(context.Background(), "orders", gated, WithoutSignOff())
	assert.Equal(t, schema.ErrCodeNotApproved, schema.CodeOf(err))
	assert.Empty(t, gated.queries)
	require.Len(t, res.Attempts, 1)

	lax := newFakeDB(false)
	lax.policy.ApprovalRequired = false
	stub = &llm.Scripted{Responses: []string{"SELECT * FROM orders"}}
	res, err = NewAgent(stub, nil).GenerateAndExecute(context.Background(), "orders", lax, WithoutSignOff())
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.Equal(t, []string{"SELECT * FROM orders"}, lax.queries)
}

func TestGenerateAndExecute_ValidatorRejectionRetries(t *testing.T) {
	stub := &llm.Scripted{Responses: []string{
		"SELECT id FROM orders WHERE total > 100",
		"SELECT id, total FROM orders",
	}}
	db := newFakeDB(false)
	calls := 0
	validator := ValidatorFunc(func(rows []map[string]any) bool {
		calls++
		return calls > 1
	})

	res, err := NewAgent(stub, nil).GenerateAndExecute(context.Background(), "orders", db, WithValidator(validator))
	require.NoError(t, err)
	require.Len(t, res.Attempts, 2)
	assert.Contains(t, res.Attempts[0].Error, schema.ErrCodeValidationRejected)
	assert.Contains(t, stub.Prompts[1], "validator rejected")
	assert.Equal(t, "SELECT id, total FROM orders", res.SQL)
}

func TestGenerateAndExecute_ExhaustedAttempts(t *testing.T) {
	db := newFakeDB(false)
	agent := NewAgent(&llm.Scripted{Responses: []string{"SELECT nonexistent FROM orders"}}, nil)

	res, err := agent.GenerateAndExecute(context.Background(), "q", db, WithMaxAttempts(3))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeRetryExhausted, schema.CodeOf(err))
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
	require.NotNil(t, res)
	assert.Len(t, res.Attempts, 3)
	assert.Empty(t, res.SQL)
	assert.Len(t, db.queries, 3)
}

func TestGenerateAndExecute_AggregateKeepsRawRows(t *testing.T) {
	db := newFakeDB(false)
	var observed []string
	agent := NewAgent(&llm.Scripted{Responses: []string{"SELECT COUNT(*) AS n FROM orders WHERE region = 'north'"}}, nil)

	res, err := agent.GenerateAndExecute(context.Background(), "how many orders", db,
		WithObserver(func(sql string, _ []map[string]any) { observed = append(observed, sql) }))
	require.NoError(t, err)

	assert.Equal(t, []map[string]any{{"n": int64(2)}}, res.Rows)
	assert.Equal(t, db.rows, res.RawRows)
	require.Len(t, db.queries, 2)
	assert.Equal(t, "SELECT * FROM orders WHERE region = 'north' LIMIT 200", db.queries[1])
	assert.Equal(t, []string{"SELECT COUNT(*) AS n FROM orders WHERE region = 'north'"}, observed)
}

func TestGenerateAndExecute_CleansFencedOutput(t *testing.T) {
	db := newFakeDB(false)
	agent := NewAgent(&llm.Scripted{Responses: []string{"```sql\nSELECT id FROM orders;\n```"}}, nil)

	res, err := agent.GenerateAndExecute(context.Background(), "ids", db)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM orders", res.SQL)
}

func TestGenerateAndExecute_CompleterError(t *testing.T) {
	boom := errors.New("connection reset")
	agent := NewAgent(llm.CompleterFunc(func(context.Context, string) (string, error) { return "", boom }), nil)

	_, err := agent.GenerateAndExecute(context.Background(), "q", newFakeDB(false))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeLLM, schema.CodeOf(err))
	assert.ErrorIs(t, err, boom)
}

func TestGenerateAndExecute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAgent(&llm.Scripted{Responses: []string{"SELECT 1"}}, nil).
		GenerateAndExecute(ctx, "q", newFakeDB(false))
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
}

func TestGenerateAndExecute_PromptCarriesContext(t *testing.T) {
	stub := &llm.Scripted{Responses: []string{"SELECT id FROM orders"}}
	_, err := NewAgent(stub, nil, WithSchemaContext("totals are in EUR")).GenerateAndExecute(
		context.Background(), "ids", newFakeDB(false),
		WithFewShot(Example{Question: "count orders", SQL: "SELECT COUNT(*) FROM orders"}))
	require.NoError(t, err)

	p := stub.Prompts[0]
	assert.Contains(t, p, "CREATE TABLE orders")
	assert.Contains(t, p, "totals are in EUR")
	assert.Contains(t, p, "SQL: SELECT COUNT(*) FROM orders")
	assert.True(t, strings.HasSuffix(p, "SQL:"))
}
