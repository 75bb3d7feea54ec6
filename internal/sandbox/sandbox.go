// Package sandbox reroutes shell-class tool calls into an isolated remote
// session. It is a state-isolation layer, not a policy decision: the HITL
// interceptor still runs, and a rerouted command executes only if the policy
// pipeline allowed it.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultIdleTimeout tears the remote session down after this much
// inactivity.
const DefaultIdleTimeout = 60 * time.Second

// shellTools are the tool names whose commands run in the sandbox.
var shellTools = map[string]bool{
	"exec":         true,
	"bash":         true,
	"shell":        true,
	"execute_code": true,
}

// ExecResult is the captured outcome of a sandboxed command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Session is one provisioned remote shell.
type Session interface {
	Exec(ctx context.Context, command string) (ExecResult, error)
	Close() error
}

// Provisioner creates remote sessions on demand. Implementations talk to
// whatever isolation backend is deployed; the interceptor only needs the
// session contract.
type Provisioner interface {
	Provision(ctx context.Context) (Session, error)
}

// Rewrite describes how one intercepted tool call was transformed. The
// original invocation is replaced by a no-op; the post-tool-use hook replays
// the captured output as the tool result.
type Rewrite struct {
	ToolCallID string
	Result     ExecResult
}

// Interceptor is the pre/post-tool-use hook pair for shell rerouting.
type Interceptor struct {
	provisioner Provisioner
	idleTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	session   Session
	idleTimer *time.Timer

	rewriteMu sync.Mutex
	rewrites  map[string]*Rewrite
}

// Option configures the interceptor.
type Option func(*Interceptor)

// WithIdleTimeout overrides the session idle teardown.
func WithIdleTimeout(d time.Duration) Option {
	return func(i *Interceptor) { i.idleTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) { i.logger = logger.With("component", "sandbox") }
}

// New creates a sandbox interceptor over the given provisioner.
func New(p Provisioner, opts ...Option) *Interceptor {
	i := &Interceptor{
		provisioner: p,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default().With("component", "sandbox"),
		rewrites:    make(map[string]*Rewrite),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handles reports whether the tool is shell-class and subject to rerouting.
func Handles(toolName string) bool {
	return shellTools[toolName]
}

type shellArgs struct {
	Command string `json:"command"`
}

// OnPreToolUse executes a shell-class tool call in the sandbox and records
// the rewrite. Non-shell tools return (nil, nil) and proceed untouched.
// Provisioning or execution errors surface to the caller so the tool call
// fails rather than silently running on the host.
func (i *Interceptor) OnPreToolUse(ctx context.Context, toolCallID, toolName, args string) (*Rewrite, error) {
	if !Handles(toolName) {
		return nil, nil
	}

	var parsed shellArgs
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return nil, fmt.Errorf("sandbox: failed to parse %s args: %w", toolName, err)
	}
	if parsed.Command == "" {
		return nil, fmt.Errorf("sandbox: %s call has no command", toolName)
	}

	session, err := i.ensureSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("sandbox: provisioning failed: %w", err)
	}

	result, err := session.Exec(ctx, parsed.Command)
	i.touch()
	if err != nil {
		return nil, fmt.Errorf("sandbox: execution failed: %w", err)
	}

	rewrite := &Rewrite{ToolCallID: toolCallID, Result: result}
	i.rewriteMu.Lock()
	i.rewrites[toolCallID] = rewrite
	i.rewriteMu.Unlock()

	i.logger.Debug("rerouted shell command",
		"tool_call_id", toolCallID,
		"tool", toolName,
		"exit_code", result.ExitCode)
	return rewrite, nil
}

// ReplacementArgs returns the no-op invocation that stands in for the
// original command. The local executor runs it, and OnPostToolUse swaps the
// real output back in.
func (r *Rewrite) ReplacementArgs() string {
	return `{"command":"true"}`
}

// OnPostToolUse replaces the local result of a rerouted call with the
// captured sandbox output. Returns the replacement and true when the tool
// call was rerouted.
func (i *Interceptor) OnPostToolUse(toolCallID string) (ExecResult, bool) {
	i.rewriteMu.Lock()
	rewrite, ok := i.rewrites[toolCallID]
	if ok {
		delete(i.rewrites, toolCallID)
	}
	i.rewriteMu.Unlock()
	if !ok {
		return ExecResult{}, false
	}
	return rewrite.Result, true
}

func (i *Interceptor) ensureSession(ctx context.Context) (Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.session != nil {
		return i.session, nil
	}

	session, err := i.provisioner.Provision(ctx)
	if err != nil {
		return nil, err
	}
	i.session = session
	i.logger.Info("sandbox session provisioned")
	return session, nil
}

// touch resets the idle teardown timer.
func (i *Interceptor) touch() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.idleTimer != nil {
		i.idleTimer.Stop()
	}
	i.idleTimer = time.AfterFunc(i.idleTimeout, i.teardownIdle)
}

func (i *Interceptor) teardownIdle() {
	i.mu.Lock()
	session := i.session
	i.session = nil
	i.idleTimer = nil
	i.mu.Unlock()

	if session == nil {
		return
	}
	if err := session.Close(); err != nil {
		i.logger.Warn("idle session close failed", "error", err)
		return
	}
	i.logger.Info("sandbox session torn down after idle timeout")
}

// Close tears down any live session immediately.
func (i *Interceptor) Close() error {
	i.mu.Lock()
	session := i.session
	i.session = nil
	if i.idleTimer != nil {
		i.idleTimer.Stop()
		i.idleTimer = nil
	}
	i.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}
