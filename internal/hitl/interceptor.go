// Package hitl implements the pre-tool-use interceptor that converts policy
// strategies into concrete permission decisions. One interceptor instance is
// pinned to an execution context; transports bind per-turn callbacks before
// each turn and unbind them afterwards.
package hitl

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aymenfurter/toolgate/internal/audit"
	"github.com/aymenfurter/toolgate/internal/observability"
	"github.com/aymenfurter/toolgate/internal/policy"
	"github.com/aymenfurter/toolgate/internal/shield"
)

// ApprovalTimeout caps the wait for a human approval over any channel.
const ApprovalTimeout = 300 * time.Second

// alwaysApproved lists observability-only tools that bypass the engine
// entirely. They report agent state and cannot act on the world.
var alwaysApproved = map[string]bool{
	"report_intent": true,
	"agent_log":     true,
}

// Resolver is the slice of the policy store the interceptor consumes.
type Resolver interface {
	ResolveAction(tool, mcpServer string, mode policy.Context, model string) policy.Strategy
	ResolveChannel(tool, mcpServer string, mode policy.Context, model string) policy.Channel
}

// Shield is the prompt-injection classifier surface.
type Shield interface {
	Configured() bool
	Check(ctx context.Context, text string) shield.Result
}

// Reviewer is the AI-in-the-loop verdict surface.
type Reviewer interface {
	Review(ctx context.Context, toolName, arguments, contextText string) (bool, string)
}

// PhoneVerifier places an outbound verification call and blocks until the
// callee approves, rejects, or the context expires.
type PhoneVerifier interface {
	Verify(ctx context.Context, toolName, summary string) (bool, error)
}

// Recorder appends concluded decisions to the audit log.
type Recorder interface {
	Record(ctx context.Context, d audit.Decision) error
}

// EmitFunc delivers a structured event to the interactive channel.
type EmitFunc func(event string, payload map[string]any)

// BotReplyFunc sends an out-of-band text message on the bot channel.
type BotReplyFunc func(ctx context.Context, text string) error

// Request describes one tool call awaiting a permission decision.
type Request struct {
	ToolCallID string
	ToolName   string
	Args       string
	MCPServer  string
}

// Decision is the interceptor's verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

// Bindings carries the per-turn callbacks a transport attaches before
// processing a turn.
type Bindings struct {
	Emit     EmitFunc
	BotReply BotReplyFunc
	Phone    PhoneVerifier
	Context  policy.Context
	Model    string
}

type oneShot struct {
	once sync.Once
	ch   chan bool
}

func newOneShot() *oneShot {
	return &oneShot{ch: make(chan bool, 1)}
}

func (f *oneShot) resolve(approved bool) {
	f.once.Do(func() { f.ch <- approved })
}

// Interceptor is the pre-tool-use hook for one execution context.
type Interceptor struct {
	store          Resolver
	shield         Shield
	reviewer       Reviewer
	recorder       Recorder
	tracer         *observability.Tracer
	defaultContext policy.Context
	logger         *slog.Logger
	approvalCap    time.Duration

	mu         sync.Mutex
	bindings   Bindings
	pending    map[string]*pendingEntry
	botPending *oneShot
}

type pendingEntry struct {
	future      *oneShot
	toolName    string
	argsPreview string
	since       time.Time
}

// PendingApproval describes one approval awaiting a human decision.
type PendingApproval struct {
	ToolCallID  string    `json:"toolCallId"`
	ToolName    string    `json:"toolName"`
	ArgsPreview string    `json:"argsPreview"`
	Since       time.Time `json:"since"`
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithShield attaches the prompt shield.
func WithShield(s Shield) Option {
	return func(i *Interceptor) { i.shield = s }
}

// WithReviewer attaches the AITL reviewer.
func WithReviewer(r Reviewer) Option {
	return func(i *Interceptor) { i.reviewer = r }
}

// WithRecorder attaches the audit log. Every concluded decision is
// appended to it.
func WithRecorder(r Recorder) Option {
	return func(i *Interceptor) { i.recorder = r }
}

// WithTracer enables a span per decision.
func WithTracer(t *observability.Tracer) Option {
	return func(i *Interceptor) { i.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) { i.logger = logger.With("component", "hitl") }
}

// WithApprovalTimeout overrides the human approval cap.
func WithApprovalTimeout(d time.Duration) Option {
	return func(i *Interceptor) { i.approvalCap = d }
}

// New creates an interceptor pinned to an execution context. Background
// drivers create one per context and share the store, shield, and reviewer.
func New(store Resolver, execCtx policy.Context, opts ...Option) *Interceptor {
	i := &Interceptor{
		store:          store,
		defaultContext: execCtx,
		logger:         slog.Default().With("component", "hitl"),
		approvalCap:    ApprovalTimeout,
		pending:        make(map[string]*pendingEntry),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("execution_context", string(execCtx))
	return i
}

// BindTurn attaches per-turn callbacks. Zero fields leave the previous
// binding untouched only for the execution context; callbacks are replaced
// wholesale so a turn never inherits another turn's channels.
func (i *Interceptor) BindTurn(b Bindings) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if b.Context == "" {
		b.Context = i.defaultContext
	}
	i.bindings = b
}

// UnbindTurn clears the per-turn callbacks. In-flight decisions already
// captured their bindings and are unaffected.
func (i *Interceptor) UnbindTurn() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.bindings = Bindings{}
}

// HasPendingApproval reports whether any approval is awaiting a human.
// Message dispatchers use it to classify an inbound text as an approval
// response rather than a new request.
func (i *Interceptor) HasPendingApproval() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.botPending != nil || len(i.pending) > 0
}

// ResolveApproval completes a pending chat approval. Returns true iff the
// tool call id was pending.
func (i *Interceptor) ResolveApproval(toolCallID string, approved bool) bool {
	i.mu.Lock()
	entry, ok := i.pending[toolCallID]
	i.mu.Unlock()
	if !ok {
		return false
	}
	entry.future.resolve(approved)
	return true
}

// PendingApprovals lists the chat approvals awaiting a decision, oldest
// first. The admin gateway serves this to the UI.
func (i *Interceptor) PendingApprovals() []PendingApproval {
	i.mu.Lock()
	out := make([]PendingApproval, 0, len(i.pending))
	for id, entry := range i.pending {
		out = append(out, PendingApproval{
			ToolCallID:  id,
			ToolName:    entry.toolName,
			ArgsPreview: entry.argsPreview,
			Since:       entry.since,
		})
	}
	i.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Since.Before(out[b].Since) })
	return out
}

// ResolveBotReply completes the outstanding bot approval from a free-text
// reply. Approval requires the first token to be y or yes, case-insensitive;
// anything else denies. Returns true iff a bot prompt was pending.
func (i *Interceptor) ResolveBotReply(text string) bool {
	i.mu.Lock()
	future := i.botPending
	i.mu.Unlock()
	if future == nil {
		return false
	}
	future.resolve(parseBotApproval(text))
	return true
}

func parseBotApproval(text string) bool {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) == 0 {
		return false
	}
	return fields[0] == "y" || fields[0] == "yes"
}

// OnPreToolUse decides whether one tool call may execute. It is safe for
// concurrent use across sessions; each call captures the current bindings
// up front so a mid-call UnbindTurn cannot strip the channels it relies on.
func (i *Interceptor) OnPreToolUse(ctx context.Context, req Request) Decision {
	if alwaysApproved[req.ToolName] {
		return Decision{Allowed: true}
	}

	i.mu.Lock()
	b := i.bindings
	i.mu.Unlock()
	if b.Context == "" {
		b.Context = i.defaultContext
	}

	if req.ToolCallID == "" {
		i.logger.Error("tool call without id", "tool", req.ToolName)
		return i.deny(req, b, "missing tool call id")
	}

	strategy := i.store.ResolveAction(req.ToolName, req.MCPServer, b.Context, b.Model)
	log := i.logger.With("tool", req.ToolName, "tool_call_id", req.ToolCallID, "strategy", string(strategy))

	var decision Decision
	if i.tracer != nil {
		spanCtx, span := i.tracer.TraceDecision(ctx, req.ToolName, string(strategy), string(b.Context))
		ctx = spanCtx
		defer func() {
			i.tracer.SetAttributes(span, "guardrail.allowed", decision.Allowed)
			span.End()
		}()
	}

	// Injection firewall: the shield pre-check runs before every strategy,
	// including allow. It fails open so a shield outage does not break all
	// tool use.
	if i.shield != nil && i.shield.Configured() {
		res := i.shield.Check(ctx, req.Args)
		observability.RecordShieldCheck(res.AttackDetected, res.Failed)
		if res.AttackDetected {
			log.Warn("shield pre-check blocked tool call", "detail", res.Detail)
			if b.BotReply != nil {
				_ = b.BotReply(ctx, "Blocked a tool call that looked like a prompt injection: "+req.ToolName)
			}
			decision = i.deny(req, b, "prompt injection detected: "+res.Detail)
			return i.concluded(ctx, req, b, strategy, decision)
		}
		if res.Failed {
			log.Warn("shield pre-check failed open", "detail", res.Detail)
		}
	}

	switch strategy {
	case policy.StrategyAllow:
		decision = Decision{Allowed: true}

	case policy.StrategyDeny:
		decision = i.deny(req, b, "denied by policy")

	case policy.StrategyFilter:
		decision = i.runFilter(ctx, req, b, log)

	case policy.StrategyAITL:
		decision = i.runReview(ctx, req, b, log)

	case policy.StrategyHITL:
		decision = i.runApproval(ctx, req, b, log)

	case policy.StrategyPITL:
		decision = i.runPhoneVerify(ctx, req, b, b.Phone, log)

	default:
		log.Error("unknown strategy, failing closed")
		decision = i.deny(req, b, "unknown strategy")
	}

	return i.concluded(ctx, req, b, strategy, decision)
}

// concluded emits approval_resolved and writes the metric and audit trail
// for the final decision of any strategy.
func (i *Interceptor) concluded(ctx context.Context, req Request, b Bindings, strategy policy.Strategy, d Decision) Decision {
	channel := string(i.store.ResolveChannel(req.ToolName, req.MCPServer, b.Context, b.Model))
	if b.Emit != nil {
		b.Emit("approval_resolved", map[string]any{
			"toolCallId": req.ToolCallID,
			"toolName":   req.ToolName,
			"approved":   d.Allowed,
			"channel":    channel,
		})
	}
	observability.RecordGuardrailDecision(string(strategy), d.Allowed)
	if i.recorder != nil {
		// The decision must land even when the session context is already
		// cancelled, as it is for timed-out and cancelled approvals.
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := i.recorder.Record(recCtx, audit.Decision{
			ToolCallID:       req.ToolCallID,
			ToolName:         req.ToolName,
			MCPServer:        req.MCPServer,
			ExecutionContext: string(b.Context),
			Model:            b.Model,
			Strategy:         string(strategy),
			Allowed:          d.Allowed,
			Reason:           d.Reason,
			Channel:          channel,
		}); err != nil {
			i.logger.Warn("audit record failed", "tool_call_id", req.ToolCallID, "error", err)
		}
	}
	return d
}

func (i *Interceptor) deny(req Request, b Bindings, reason string) Decision {
	if b.Emit != nil {
		b.Emit("tool_denied", map[string]any{
			"toolCallId": req.ToolCallID,
			"toolName":   req.ToolName,
			"reason":     reason,
		})
	}
	return Decision{Allowed: false, Reason: reason}
}

// runFilter implements the filter strategy. It is reachable with a
// configured shield only when the pre-check is disabled, and unlike the
// pre-check it fails closed: an explicit filter requirement means a broken
// shield blocks the call.
func (i *Interceptor) runFilter(ctx context.Context, req Request, b Bindings, log *slog.Logger) Decision {
	if i.shield == nil || !i.shield.Configured() {
		return Decision{Allowed: true}
	}
	res := i.shield.Check(ctx, req.Args)
	observability.RecordShieldCheck(res.AttackDetected, res.Failed)
	if res.AttackDetected {
		log.Warn("filter blocked tool call", "detail", res.Detail)
		return i.deny(req, b, "prompt injection detected: "+res.Detail)
	}
	if res.Failed {
		log.Warn("filter shield unavailable, failing closed", "detail", res.Detail)
		return i.deny(req, b, "shield unavailable: "+res.Detail)
	}
	return Decision{Allowed: true}
}

func (i *Interceptor) runReview(ctx context.Context, req Request, b Bindings, log *slog.Logger) Decision {
	if i.reviewer == nil {
		log.Warn("aitl strategy with no reviewer configured")
		return i.deny(req, b, "no reviewer configured")
	}
	contextText := "execution context: " + string(b.Context)
	start := time.Now()
	approved, reason := i.reviewer.Review(ctx, req.ToolName, req.Args, contextText)
	observability.RecordReview(approved, time.Since(start).Seconds())
	if !approved {
		return i.deny(req, b, reason)
	}
	return Decision{Allowed: true, Reason: reason}
}

// runApproval runs the chat/bot approval race. Whichever channel resolves
// first decides; the loser is abandoned and its eventual resolution is a
// no-op on the already-fired one-shot.
func (i *Interceptor) runApproval(ctx context.Context, req Request, b Bindings, log *slog.Logger) Decision {
	channel := i.store.ResolveChannel(req.ToolName, req.MCPServer, b.Context, b.Model)
	if channel == policy.ChannelPhone && b.Phone != nil {
		return i.runPhoneVerify(ctx, req, b, b.Phone, log)
	}

	if b.Emit == nil && b.BotReply == nil {
		log.Warn("hitl strategy with no approval channel bound")
		return i.deny(req, b, "no approval channel available")
	}

	var chatCh, botCh chan bool

	if b.Emit != nil {
		future := newOneShot()
		i.mu.Lock()
		i.pending[req.ToolCallID] = &pendingEntry{
			future:      future,
			toolName:    req.ToolName,
			argsPreview: preview(req.Args),
			since:       time.Now(),
		}
		i.mu.Unlock()
		defer func() {
			i.mu.Lock()
			delete(i.pending, req.ToolCallID)
			i.mu.Unlock()
		}()

		b.Emit("approval_request", map[string]any{
			"toolCallId":   req.ToolCallID,
			"toolName":     req.ToolName,
			"args_preview": preview(req.Args),
		})
		chatCh = future.ch
	}

	if b.BotReply != nil {
		i.mu.Lock()
		if i.botPending == nil {
			future := newOneShot()
			i.botPending = future
			botCh = future.ch
		}
		i.mu.Unlock()

		// The bot channel carries one prompt at a time. With no chat channel
		// to fall back on, waiting out the timer would just wedge the call.
		if botCh == nil && chatCh == nil {
			log.Warn("bot approval slot busy")
			return i.deny(req, b, "another approval is already pending")
		}

		if botCh != nil {
			defer func() {
				i.mu.Lock()
				i.botPending = nil
				i.mu.Unlock()
			}()
			prompt := "The agent wants to run " + req.ToolName + " with " + preview(req.Args) + ". Reply yes to approve."
			if err := b.BotReply(ctx, prompt); err != nil {
				log.Warn("bot approval prompt failed", "error", err)
			}
		}
	}

	timer := time.NewTimer(i.approvalCap)
	defer timer.Stop()
	waitStart := time.Now()

	select {
	case approved := <-chatCh:
		log.Info("approval resolved via chat", "approved", approved)
		observability.RecordApprovalWait("chat", time.Since(waitStart).Seconds())
		if !approved {
			return i.deny(req, b, "denied by user")
		}
		return Decision{Allowed: true}
	case approved := <-botCh:
		log.Info("approval resolved via bot", "approved", approved)
		observability.RecordApprovalWait("bot", time.Since(waitStart).Seconds())
		if !approved {
			return i.deny(req, b, "denied by user")
		}
		return Decision{Allowed: true}
	case <-timer.C:
		log.Warn("approval timed out")
		return i.deny(req, b, "approval timed out")
	case <-ctx.Done():
		log.Info("approval cancelled with session")
		return i.deny(req, b, "session cancelled")
	}
}

func (i *Interceptor) runPhoneVerify(ctx context.Context, req Request, b Bindings, verifier PhoneVerifier, log *slog.Logger) Decision {
	if verifier == nil {
		log.Warn("pitl strategy with no phone verifier bound")
		return i.deny(req, b, "no phone verifier available")
	}
	verifyCtx, cancel := context.WithTimeout(ctx, i.approvalCap)
	defer cancel()

	approved, err := verifier.Verify(verifyCtx, req.ToolName, preview(req.Args))
	if err != nil {
		log.Warn("phone verification failed", "error", err)
		return i.deny(req, b, "phone verification failed")
	}
	if !approved {
		return i.deny(req, b, "denied by phone verification")
	}
	return Decision{Allowed: true}
}

// preview truncates tool arguments for human display, cutting on a rune
// boundary so multi-byte text survives intact.
func preview(args string) string {
	const max = 200
	args = strings.TrimSpace(args)
	if len(args) <= max {
		return args
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(args[cut]) {
		cut--
	}
	return args[:cut] + "…"
}
