// Package reviewer implements the AI-in-the-loop tool reviewer: a
// short-lived, isolated model session constrained to a single
// submit_decision tool. Each review is stateless and bounded by a timeout;
// multiple reviews may run concurrently.
package reviewer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

// DefaultTimeout bounds a single review end to end.
const DefaultTimeout = 30 * time.Second

// Verdict is the reviewer's decision for one tool call.
type Verdict struct {
	Approved bool
	Reason   string
}

// Request describes the tool call under review.
type Request struct {
	ToolName  string
	Arguments string
	Context   string
}

// Backend produces a verdict for a review request. Implementations own the
// model session lifecycle; the session must be torn down before Decide
// returns.
type Backend interface {
	Decide(ctx context.Context, req Request) (Verdict, error)
}

// BackendFactory lazily constructs the backend on first use, so a
// misconfigured credential surfaces as a fast denial instead of a startup
// failure.
type BackendFactory func() (Backend, error)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Spotlight datamarks untrusted text by replacing every whitespace run with
// a single caret. The marking survives inside the reviewer prompt and makes
// smuggled instructions visually and tokenically distinct from the
// reviewer's own instructions.
func Spotlight(s string) string {
	return whitespaceRun.ReplaceAllString(s, "^")
}

// Reviewer runs tool-call reviews against a lazily initialized backend.
type Reviewer struct {
	factory  BackendFactory
	timeout  time.Duration
	spotlit  bool
	logger   *slog.Logger
	initOnce sync.Mutex
	backend  Backend
}

// Option configures a Reviewer.
type Option func(*Reviewer)

// WithTimeout overrides the review deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Reviewer) { r.timeout = d }
}

// WithSpotlighting toggles datamarking of untrusted input.
func WithSpotlighting(enabled bool) Option {
	return func(r *Reviewer) { r.spotlit = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reviewer) { r.logger = logger.With("component", "reviewer") }
}

// New creates a Reviewer. The factory is invoked on the first Review call.
func New(factory BackendFactory, opts ...Option) *Reviewer {
	r := &Reviewer{
		factory: factory,
		timeout: DefaultTimeout,
		spotlit: true,
		logger:  slog.Default().With("component", "reviewer"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reviewer) ensureBackend() (Backend, error) {
	r.initOnce.Lock()
	defer r.initOnce.Unlock()
	if r.backend != nil {
		return r.backend, nil
	}
	backend, err := r.factory()
	if err != nil {
		return nil, err
	}
	r.backend = backend
	return backend, nil
}

// Review evaluates one tool call and returns (approved, reason). It never
// returns an error: backend failures and timeouts come back as denials with
// a human-readable reason.
func (r *Reviewer) Review(ctx context.Context, toolName, arguments, contextText string) (bool, string) {
	backend, err := r.ensureBackend()
	if err != nil {
		r.logger.Warn("reviewer backend unavailable", "error", err)
		return false, fmt.Sprintf("AITL unavailable: %v", err)
	}

	req := Request{ToolName: toolName, Arguments: arguments, Context: contextText}
	if r.spotlit {
		req.Arguments = Spotlight(req.Arguments)
		req.Context = Spotlight(req.Context)
	}

	reviewCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		verdict Verdict
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := backend.Decide(reviewCtx, req)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			r.logger.Warn("review failed", "tool", toolName, "error", out.err)
			return false, fmt.Sprintf("Review failed: %v", out.err)
		}
		r.logger.Info("review complete",
			"tool", toolName, "approved", out.verdict.Approved, "reason", out.verdict.Reason)
		return out.verdict.Approved, out.verdict.Reason
	case <-reviewCtx.Done():
		r.logger.Warn("review timed out", "tool", toolName, "timeout", r.timeout)
		return false, "Review timed out"
	}
}
