// Package sqlagent turns a natural-language question into SQL, runs it
// against a connector and self-corrects from execution or validation
// failures. Bare arithmetic answers are evaluated by a sandboxed calculator
// instead of being sent to the database.
package sqlagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/orca/internal/connectors"
	"github.com/rendis/orca/internal/llm"
	"github.com/rendis/orca/internal/logging"
	"github.com/rendis/orca/pkg/schema"
)

const (
	// DefaultMaxAttempts bounds the generate/execute loop.
	DefaultMaxAttempts = 3
	// DefaultRawRowLimit caps the detail rows fetched for aggregate queries.
	DefaultRawRowLimit = 200
)

// Validator inspects the rows of a successful query. A non-nil error rejects
// them and triggers another attempt with the error fed back to the model.
type Validator interface {
	Validate(ctx context.Context, rows []map[string]any) error
}

// ValidatorFunc adapts a boolean predicate to Validator.
type ValidatorFunc func(rows []map[string]any) bool

func (f ValidatorFunc) Validate(_ context.Context, rows []map[string]any) error {
	if f(rows) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidationRejected, "validator rejected %d rows", len(rows))
}

// Observer receives every generated statement that executed successfully.
type Observer func(sql string, rows []map[string]any)

// Option tunes a single GenerateAndExecute call.
type Option func(*options)

type options struct {
	maxAttempts   int
	validator     Validator
	examples      []Example
	schemaContext string
	observer      Observer
	rawRowLimit   int
	unsigned      bool
}

// WithMaxAttempts sets the attempt bound. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithValidator installs a row validator.
func WithValidator(v Validator) Option {
	return func(o *options) { o.validator = v }
}

// WithFewShot appends few-shot examples to the prompt.
func WithFewShot(examples ...Example) Option {
	return func(o *options) { o.examples = append(o.examples, examples...) }
}

// WithSchemaContext adds free-text notes about the schema.
func WithSchemaContext(s string) Option {
	return func(o *options) { o.schemaContext = s }
}

// WithObserver installs a callback for executed statements.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithoutSignOff marks the call as running without a human sign-off.
// Statements the connector policy wants approved are then refused with
// NOT_APPROVED instead of executed.
func WithoutSignOff() Option {
	return func(o *options) { o.unsigned = true }
}

// WithRawRowLimit caps the detail query of aggregate results. Zero disables it.
func WithRawRowLimit(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.rawRowLimit = n
		}
	}
}

// Agent generates and executes SQL. Safe for concurrent use when its
// Completer is.
type Agent struct {
	llm      llm.Completer
	calc     *Calculator
	logger   *slog.Logger
	defaults []Option
}

// NewAgent creates an Agent. defaults apply to every call before per-call options.
func NewAgent(c llm.Completer, logger *slog.Logger, defaults ...Option) *Agent {
	return &Agent{
		llm:      c,
		calc:     NewCalculator(),
		logger:   logging.OrDefault(logger),
		defaults: defaults,
	}
}

func (a *Agent) options(opts []Option) options {
	o := options{maxAttempts: DefaultMaxAttempts, rawRowLimit: DefaultRawRowLimit}
	for _, opt := range a.defaults {
		opt(&o)
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// GenerateAndExecute answers question against conn.
//
// A policy violation fails immediately with DATA_CONNECTOR_ERROR and nothing
// is executed. Execution errors and validator rejections are retried up to
// the attempt bound; when every attempt fails the partial Result is returned
// together with a RETRY_EXHAUSTED error wrapping the last failure.
func (a *Agent) GenerateAndExecute(ctx context.Context, question string, conn connectors.SQLConnector, opts ...Option) (*Result, error) {
	if conn == nil {
		return nil, schema.NewError(schema.ErrCodeDataConnector, "no SQL connector")
	}
	o := a.options(opts)
	log := logging.LogWith(ctx, a.logger)

	dbSchema, err := conn.Schema(ctx)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDataConnector, "read schema").WithCause(err)
	}
	policy := conn.Policy()
	if policy == nil {
		policy = connectors.DefaultPolicy(conn.Dialect())
	}

	res := &Result{}
	var lastErr error
	for Remaining(res.Attempts, o.maxAttempts) > 0 {
		attempt := len(res.Attempts) + 1
		if err := ctx.Err(); err != nil {
			return res, schema.NewError(schema.ErrCodeCancelled, "sql agent cancelled").WithCause(err)
		}

		prompt := BuildPrompt(PromptInput{
			Dialect:       conn.Dialect(),
			Schema:        dbSchema,
			SchemaContext: o.schemaContext,
			Examples:      o.examples,
			Question:      question,
			Previous:      Feedback(res.Attempts),
		})
		raw, err := a.llm.Complete(ctx, prompt)
		if err != nil {
			var oe *schema.OrcaError
			if errors.As(err, &oe) {
				return res, err
			}
			return res, schema.NewError(schema.ErrCodeLLM, "completion failed").WithCause(err)
		}
		text := llm.CleanCompletion(raw)
		log.Debug("sql agent completion", "attempt", attempt, "text", text)

		if text == "" {
			lastErr = schema.NewError(schema.ErrCodeExecution, "model returned an empty answer")
			res.Attempts = append(res.Attempts, Attempt{Error: lastErr.Error()})
			continue
		}

		if IsArithmetic(text) {
			v, err := a.calc.Evaluate(text)
			if err != nil {
				lastErr = err
				res.Attempts = append(res.Attempts, Attempt{Expression: text, Error: err.Error()})
				continue
			}
			rows := []map[string]any{{"result": v}}
			res.Attempts = append(res.Attempts, Attempt{Expression: text, Rows: rows})
			res.Expression = text
			res.Rows = rows
			log.Info("sql agent answered with calculator", "attempt", attempt)
			return res, nil
		}

		if err := policy.Check(text); err != nil {
			res.Attempts = append(res.Attempts, Attempt{SQL: text, Error: err.Error()})
			log.Warn("sql agent statement refused by policy", "attempt", attempt, "error", err)
			return res, err
		}
		if o.unsigned && policy.ShouldRequestApproval(text) {
			err := schema.NewError(schema.ErrCodeNotApproved, "statement needs approval").
				WithDetails(map[string]any{"summary": policy.Summarize(text)})
			res.Attempts = append(res.Attempts, Attempt{SQL: text, Error: err.Error()})
			log.Warn("sql agent statement needs approval", "attempt", attempt)
			return res, err
		}

		rows, err := conn.Query(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return res, schema.NewError(schema.ErrCodeCancelled, "sql agent cancelled").WithCause(ctx.Err())
			}
			lastErr = asExecutionError(text, err)
			res.Attempts = append(res.Attempts, Attempt{SQL: text, Error: err.Error()})
			log.Info("sql agent attempt failed", "attempt", attempt, "error", err)
			continue
		}
		if o.observer != nil {
			o.observer(text, rows)
		}

		if o.validator != nil {
			if verr := o.validator.Validate(ctx, rows); verr != nil {
				lastErr = asRejection(verr)
				res.Attempts = append(res.Attempts, Attempt{SQL: text, Error: lastErr.Error(), Rows: rows})
				log.Info("sql agent rows rejected", "attempt", attempt, "error", verr)
				continue
			}
		}

		res.Attempts = append(res.Attempts, Attempt{SQL: text, Rows: rows})
		res.SQL = text
		res.Rows = rows
		if IsAggregate(text) {
			res.RawRows = a.detailRows(ctx, log, conn, text, o.rawRowLimit)
		}
		log.Info("sql agent succeeded", "attempt", attempt, "rows", len(rows))
		return res, nil
	}

	return res, schema.NewErrorf(schema.ErrCodeRetryExhausted, "no successful attempt after %d tries: %s",
		len(res.Attempts), errMessage(lastErr)).WithCause(lastErr)
}

// detailRows fetches the pre-aggregation rows of an aggregate query. Failures
// leave RawRows empty.
func (a *Agent) detailRows(ctx context.Context, log *slog.Logger, conn connectors.SQLConnector, sql string, limit int) []map[string]any {
	q, ok := DetailQuery(sql, limit)
	if !ok {
		return nil
	}
	rows, err := conn.Query(ctx, q)
	if err != nil {
		log.Debug("detail query failed", "sql", q, "error", err)
		return nil
	}
	return rows
}

func asExecutionError(sql string, err error) error {
	var oe *schema.OrcaError
	if errors.As(err, &oe) && oe.Code == schema.ErrCodeExecution {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "query failed: %s", err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"sql": sql})
}

func asRejection(err error) error {
	if schema.CodeOf(err) == schema.ErrCodeValidationRejected {
		return err
	}
	return schema.NewError(schema.ErrCodeValidationRejected, fmt.Sprintf("rows rejected: %s", err.Error())).WithCause(err)
}

func errMessage(err error) string {
	if err == nil {
		return "no attempts"
	}
	return err.Error()
}
