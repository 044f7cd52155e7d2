package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/orca/internal/connectors"
	"github.com/rendis/orca/internal/expressions"
	"github.com/rendis/orca/internal/llm"
	"github.com/rendis/orca/internal/logging"
	"github.com/rendis/orca/internal/planner"
	"github.com/rendis/orca/internal/runner"
	"github.com/rendis/orca/internal/sqlagent"
	"github.com/rendis/orca/internal/store"
	"github.com/rendis/orca/internal/tools"
	"github.com/rendis/orca/internal/validation"
)

// app is the wired process: event store, connectors and run service.
type app struct {
	cfg     Config
	logger  *slog.Logger
	store   *store.LibSQLStore
	runner  *runner.Service
	closers []io.Closer
}

// newApp wires every component from cfg. The SQL connector is only attached
// when sql.dsn is set, the retriever only when retrieval.documents_path is.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(fileDSN(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st)
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	conns := map[string]connectors.Connector{}
	if cfg.SQL.DSN != "" {
		policy := &connectors.ApprovalPolicy{
			ApprovalRequired: cfg.SQL.ApprovalRequired,
			AllowWrites:      cfg.SQL.AllowWrites,
		}
		db, err := connectors.OpenLibSQL(cfg.SQL.DSN, policy)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		conns[cfg.SQL.Name] = db
	}
	if cfg.Retrieval.DocumentsPath != "" {
		docs, err := connectors.LoadMemoryRetriever(cfg.Retrieval.DocumentsPath)
		if err != nil {
			return nil, err
		}
		logger.Info("documents loaded", "count", docs.Len(), "path", cfg.Retrieval.DocumentsPath)
		conns[cfg.Retrieval.Name] = docs
	}

	sqlOpts, err := agentOptions(cfg.SQL)
	if err != nil {
		return nil, err
	}
	var agent *sqlagent.Agent
	if cfg.LLM.APIKey != "" {
		completer, err := llm.New(cfg.LLM)
		if err != nil {
			return nil, err
		}
		agent = sqlagent.NewAgent(completer, logger)
	} else if cfg.SQL.DSN != "" {
		logger.Warn("no llm api key configured; SQL goals will fail")
	}

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg); err != nil {
		return nil, err
	}

	svc, err := runner.New(runner.Config{
		Planner: planner.New(agent,
			planner.WithTopK(cfg.Retrieval.TopK),
			planner.WithSQLOptions(sqlOpts...),
			planner.WithLogger(logger),
		),
		Tools:             reg,
		Connectors:        conns,
		Store:             st,
		Logger:            logger,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
	})
	if err != nil {
		return nil, err
	}
	a.runner = svc
	ok = true
	return a, nil
}

// agentOptions turns the sql section into SQL agent options.
func agentOptions(c SQLConfig) ([]sqlagent.Option, error) {
	opts := []sqlagent.Option{
		sqlagent.WithMaxAttempts(c.MaxAttempts),
		sqlagent.WithRawRowLimit(c.RawRowLimit),
	}
	if c.SchemaContext != "" {
		opts = append(opts, sqlagent.WithSchemaContext(c.SchemaContext))
	}
	if len(c.Validators) > 0 {
		engines, err := expressions.NewRegistry()
		if err != nil {
			return nil, err
		}
		v, err := validation.ParseAll(c.Validators, engines, nil)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sqlagent.WithValidator(v))
	}
	return opts, nil
}

// Close cancels active runs and releases every resource.
func (a *app) Close() error {
	if a.runner != nil {
		a.runner.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fileDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}

func newLogger(level string) *slog.Logger {
	logger := logging.New(os.Stderr, level)
	slog.SetDefault(logger)
	return logger
}
