package store

import "context"

// Store persists runs and their append-only event log. Implementations are
// safe for concurrent use.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	Migrate(ctx context.Context) error
	// Vacuum reclaims space after runs are deleted.
	Vacuum(ctx context.Context) error
	Close() error
}
