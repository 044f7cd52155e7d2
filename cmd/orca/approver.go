package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/pkg/schema"
)

// promptApprover asks on out and reads y/n answers from in. Anything other
// than y or yes rejects; a closed input rejects too.
func promptApprover(in io.Reader, out io.Writer) engine.ApprovalFunc {
	lines := make(chan string)
	var once sync.Once
	start := func() {
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(in)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()
	}

	var mu sync.Mutex
	return func(ctx context.Context, req engine.ApprovalRequest) (engine.ApprovalDecision, error) {
		mu.Lock()
		defer mu.Unlock()
		once.Do(start)

		fmt.Fprintf(out, "\nApproval required for step %q (%s)\n", req.StepID, req.ApprovalType)
		if req.Summary != "" {
			fmt.Fprintf(out, "  %s\n", strings.ReplaceAll(req.Summary, "\n", "\n  "))
		}
		fmt.Fprint(out, "Approve? [y/N]: ")

		select {
		case <-ctx.Done():
			return engine.ApprovalDecision{}, schema.NewError(schema.ErrCodeCancelled, "approval prompt cancelled").WithCause(ctx.Err())
		case line, ok := <-lines:
			if !ok {
				return engine.ApprovalDecision{Approved: false, Reason: "no answer on stdin"}, nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return engine.ApprovalDecision{Approved: true, Reason: "approved at prompt"}, nil
			default:
				return engine.ApprovalDecision{Approved: false, Reason: "rejected at prompt"}, nil
			}
		}
	}
}
