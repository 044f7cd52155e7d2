package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orca/internal/logging"
	"github.com/rendis/orca/internal/streaming"
	"github.com/rendis/orca/pkg/schema"
)

// notifyKinds are the events pushed to sessions. Step starts and SQL traces
// stay in the event log.
var notifyKinds = []schema.EventKind{
	schema.EventPlanProposed,
	schema.EventApprovalRequired,
	schema.EventStepCompleted,
	schema.EventStepFailed,
}

// Sender delivers a notification to one session. Satisfied by *server.MCPServer.
type Sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// RunNotifier pushes run events to the session that started the run.
type RunNotifier struct {
	sender   Sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewRunNotifier creates a notifier that pushes through sender.
func NewRunNotifier(sender Sender, sessions *SessionRegistry, logger *slog.Logger) *RunNotifier {
	return &RunNotifier{sender: sender, sessions: sessions, logger: logging.OrDefault(logger)}
}

// Subscriber is the live event source. Satisfied by *runner.Service.
type Subscriber interface {
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error)
}

// Watch subscribes to every run's events and forwards them until ctx ends.
func (n *RunNotifier) Watch(ctx context.Context, src Subscriber) error {
	ch, cancel, err := src.Subscribe(ctx, streaming.EventFilter{Kinds: notifyKinds})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for ev := range ch {
			if err := n.Notify(ev); err != nil {
				n.logger.Warn("run notification failed", "run_id", ev.RunID, "kind", ev.Kind, "error", err)
			}
		}
	}()
	return nil
}

// Notify sends ev to its run's session. Best-effort: returns nil when no
// session follows the run.
func (n *RunNotifier) Notify(ev streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.RunID)
	if !ok {
		return nil
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", notification(ev))
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func notification(ev streaming.StreamEvent) map[string]any {
	level := "info"
	if ev.Kind == schema.EventStepFailed {
		level = "warning"
	}
	data := map[string]any{
		"run_id":    ev.RunID,
		"kind":      ev.Kind,
		"timestamp": ev.Timestamp,
	}
	if ev.StepID != "" {
		data["step_id"] = ev.StepID
	}
	if ev.Payload != nil {
		data["payload"] = ev.Payload
	}
	return map[string]any{
		"level":  level,
		"logger": "orca",
		"data":   data,
	}
}
