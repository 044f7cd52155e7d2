package runner

import (
	"context"
	"sort"
	"time"

	"github.com/rendis/orca/internal/logging"
	"github.com/rendis/orca/internal/store"
	"github.com/rendis/orca/pkg/schema"
)

// Prune deletes finished runs created before cutoff together with their
// event logs and returns how many were removed. Pending, active and
// suspended runs are kept.
func (s *Service) Prune(ctx context.Context, before time.Time) (int, error) {
	removed := 0

	s.mu.Lock()
	for id, h := range s.runs {
		select {
		case <-h.done:
		default:
			continue
		}
		if h.createdAt.Before(before) {
			delete(s.runs, id)
			if s.store == nil {
				removed++
			}
		}
	}
	s.mu.Unlock()

	if s.store == nil {
		return removed, nil
	}

	runs, err := s.store.ListRuns(ctx, store.RunFilter{Before: &before})
	if err != nil {
		return 0, err
	}
	for _, r := range runs {
		if !r.Status.IsTerminal() {
			continue
		}
		if err := s.store.DeleteRun(ctx, r.ID); err != nil {
			if schema.HasCode(err, schema.ErrCodeNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		if err := s.store.Vacuum(ctx); err != nil {
			return removed, schema.NewError(schema.ErrCodeStore, "vacuum after prune").WithCause(err)
		}
	}
	logging.LogWith(ctx, s.logger).Info("pruned runs", "removed", removed, "before", before)
	return removed, nil
}

// Audit searches recorded events across runs, newest first. It answers
// questions such as "every SQL statement executed this week".
func (s *Service) Audit(ctx context.Context, filter store.EventFilter) ([]*store.Event, error) {
	if s.store != nil {
		return s.store.ListEvents(ctx, filter)
	}

	s.mu.RLock()
	handles := make([]*handle, 0, len(s.runs))
	for _, h := range s.runs {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	var out []*store.Event
	for _, h := range handles {
		for _, e := range h.eventsSince(0) {
			if matches(filter, e) {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Sequence > out[j].Sequence
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(f store.EventFilter, e *store.Event) bool {
	switch {
	case f.RunID != "" && e.RunID != f.RunID:
		return false
	case f.StepID != "" && e.StepID != f.StepID:
		return false
	case f.Kind != "" && e.Kind != f.Kind:
		return false
	case f.Since != nil && e.Timestamp.Before(*f.Since):
		return false
	}
	return true
}
