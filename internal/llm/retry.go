package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/orca/pkg/schema"
)

// Strategy names how the pause grows between attempts.
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyConstant    Strategy = "constant"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Backoff spaces out completion attempts.
type Backoff struct {
	Strategy Strategy
	Base     time.Duration
	Cap      time.Duration // zero means uncapped
}

// DefaultBackoff doubles from 500ms up to 8s.
var DefaultBackoff = Backoff{Strategy: StrategyExponential, Base: 500 * time.Millisecond, Cap: 8 * time.Second}

// After returns the pause before retry n, counting from zero. Unknown
// strategies behave as constant.
func (b Backoff) After(n int) time.Duration {
	if b.Base <= 0 || b.Strategy == StrategyNone {
		return 0
	}
	d := b.Base
	switch b.Strategy {
	case StrategyExponential:
		d = b.Base << min(max(n, 0), 20)
	case StrategyLinear:
		d = b.Base * time.Duration(n+1)
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// sleep pauses for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transientMarkers are lower-cased fragments of provider and network errors
// that usually clear up on their own.
var transientMarkers = []string{
	"connection refused", "connection reset", "broken pipe", "eof",
	"temporary failure", "i/o timeout",
	"service unavailable", "bad gateway", "gateway timeout", "internal server error",
	"too many requests", "rate limit",
}

// Transient reports whether a completion failure is worth another attempt.
// Cancellation never is; deadlines and network errors always are.
func Transient(err error) bool {
	var (
		oe     *schema.OrcaError
		netErr net.Error
	)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &oe):
		return oe.IsRetryable()
	case errors.As(err, &netErr):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// retrying re-issues transient failures with a pause in between.
type retrying struct {
	next     Completer
	attempts int
	backoff  Backoff
}

// WithRetry wraps c so transient failures are tried up to attempts times in
// total. The last error is returned unchanged.
func WithRetry(c Completer, attempts int, b Backoff) Completer {
	if attempts <= 1 {
		return c
	}
	return &retrying{next: c, attempts: attempts, backoff: b}
}

func (r *retrying) Complete(ctx context.Context, prompt string) (string, error) {
	for n := 0; ; n++ {
		out, err := r.next.Complete(ctx, prompt)
		if err == nil {
			return out, nil
		}
		if n+1 >= r.attempts || !Transient(err) {
			return "", err
		}
		if werr := sleep(ctx, r.backoff.After(n)); werr != nil {
			return "", werr
		}
	}
}
