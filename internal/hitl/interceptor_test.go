package hitl

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aymenfurter/toolgate/internal/audit"
	"github.com/aymenfurter/toolgate/internal/observability"
	"github.com/aymenfurter/toolgate/internal/policy"
	"github.com/aymenfurter/toolgate/internal/shield"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeResolver returns a fixed strategy and channel.
type fakeResolver struct {
	strategy policy.Strategy
	channel  policy.Channel
}

func (f *fakeResolver) ResolveAction(string, string, policy.Context, string) policy.Strategy {
	return f.strategy
}

func (f *fakeResolver) ResolveChannel(string, string, policy.Context, string) policy.Channel {
	if f.channel == "" {
		return policy.ChannelChat
	}
	return f.channel
}

type fakeShield struct {
	configured bool
	result     shield.Result
	calls      int
}

func (f *fakeShield) Configured() bool { return f.configured }

func (f *fakeShield) Check(context.Context, string) shield.Result {
	f.calls++
	return f.result
}

type fakeReviewer struct {
	approved bool
	reason   string
}

func (f *fakeReviewer) Review(context.Context, string, string, string) (bool, string) {
	return f.approved, f.reason
}

type fakeVerifier struct {
	approved bool
	err      error
}

func (f *fakeVerifier) Verify(context.Context, string, string) (bool, error) {
	return f.approved, f.err
}

// eventRecorder captures emitted events under a lock; the interceptor may
// emit from the decision goroutine while the test inspects.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) emit(event string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions []audit.Decision
}

func (r *fakeRecorder) Record(_ context.Context, d audit.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

func (r *fakeRecorder) all() []audit.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Decision(nil), r.decisions...)
}

func req(tool string) Request {
	return Request{ToolCallID: "tc-1", ToolName: tool, Args: `{"cmd":"ls"}`}
}

func TestAlwaysApprovedBypassesPolicy(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyDeny}, policy.ContextInteractive, WithLogger(testLogger()))

	d := i.OnPreToolUse(context.Background(), req("report_intent"))
	if !d.Allowed {
		t.Fatal("whitelisted tool must bypass a deny default")
	}
}

func TestAllowAndDenyStrategies(t *testing.T) {
	rec := &eventRecorder{}
	i := New(&fakeResolver{strategy: policy.StrategyAllow}, policy.ContextInteractive, WithLogger(testLogger()))
	i.BindTurn(Bindings{Emit: rec.emit})
	if d := i.OnPreToolUse(context.Background(), req("read")); !d.Allowed {
		t.Error("allow strategy must allow")
	}

	i2 := New(&fakeResolver{strategy: policy.StrategyDeny}, policy.ContextInteractive, WithLogger(testLogger()))
	i2.BindTurn(Bindings{Emit: rec.emit})
	if d := i2.OnPreToolUse(context.Background(), req("exec")); d.Allowed {
		t.Error("deny strategy must deny")
	}
	if !rec.has("tool_denied") {
		t.Error("deny must emit tool_denied")
	}
}

func TestMissingToolCallIDDenies(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyAllow}, policy.ContextInteractive, WithLogger(testLogger()))
	d := i.OnPreToolUse(context.Background(), Request{ToolName: "read"})
	if d.Allowed {
		t.Fatal("missing tool call id must deny")
	}
}

func TestShieldPreCheckBlocksBeforeApproval(t *testing.T) {
	rec := &eventRecorder{}
	s := &fakeShield{configured: true, result: shield.Result{AttackDetected: true, Detail: "Attack found"}}
	i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive,
		WithShield(s), WithLogger(testLogger()))
	i.BindTurn(Bindings{Emit: rec.emit})

	start := time.Now()
	d := i.OnPreToolUse(context.Background(), req("exec"))
	if d.Allowed {
		t.Fatal("detected attack must deny")
	}
	if time.Since(start) > time.Second {
		t.Error("pre-check deny must not wait for approval")
	}
	if rec.has("approval_request") {
		t.Error("approval channel must not be invoked after a shield block")
	}
	if !rec.has("tool_denied") {
		t.Error("shield block must emit tool_denied")
	}
}

func TestShieldFailOpenForPreCheckFailClosedForFilter(t *testing.T) {
	failed := shield.Result{Failed: true, Detail: "timeout"}

	// Pre-check with a failing shield: the allow strategy still allows.
	s := &fakeShield{configured: true, result: failed}
	i := New(&fakeResolver{strategy: policy.StrategyAllow}, policy.ContextInteractive,
		WithShield(s), WithLogger(testLogger()))
	if d := i.OnPreToolUse(context.Background(), req("read")); !d.Allowed {
		t.Error("shield failure must fail open for the pre-check")
	}

	// The same failure under the filter strategy denies.
	s2 := &fakeShield{configured: true, result: failed}
	i2 := New(&fakeResolver{strategy: policy.StrategyFilter}, policy.ContextInteractive,
		WithShield(s2), WithLogger(testLogger()))
	if d := i2.OnPreToolUse(context.Background(), req("read")); d.Allowed {
		t.Error("shield failure must fail closed for the filter strategy")
	}
}

func TestFilterWithoutShieldAllows(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyFilter}, policy.ContextInteractive, WithLogger(testLogger()))
	if d := i.OnPreToolUse(context.Background(), req("read")); !d.Allowed {
		t.Fatal("filter with no shield configured must allow")
	}
}

func TestAITLVerdictMapping(t *testing.T) {
	approve := &fakeReviewer{approved: true, reason: "safe"}
	i := New(&fakeResolver{strategy: policy.StrategyAITL}, policy.ContextBackground,
		WithReviewer(approve), WithLogger(testLogger()))
	if d := i.OnPreToolUse(context.Background(), req("write")); !d.Allowed {
		t.Error("approved review must allow")
	}

	reject := &fakeReviewer{approved: false, reason: "exfiltration risk"}
	i2 := New(&fakeResolver{strategy: policy.StrategyAITL}, policy.ContextBackground,
		WithReviewer(reject), WithLogger(testLogger()))
	d := i2.OnPreToolUse(context.Background(), req("write"))
	if d.Allowed {
		t.Error("rejected review must deny")
	}
	if d.Reason != "exfiltration risk" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestAITLWithoutReviewerDenies(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyAITL}, policy.ContextBackground, WithLogger(testLogger()))
	if d := i.OnPreToolUse(context.Background(), req("write")); d.Allowed {
		t.Fatal("aitl with no reviewer must deny")
	}
}

func TestNoChannelDenyLatency(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive, WithLogger(testLogger()))

	start := time.Now()
	d := i.OnPreToolUse(context.Background(), req("exec"))
	if d.Allowed {
		t.Fatal("no bound channel must deny")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("deny took %v, must be under 1s", elapsed)
	}
}

func TestChatApprovalResolves(t *testing.T) {
	rec := &eventRecorder{}
	i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive, WithLogger(testLogger()))
	i.BindTurn(Bindings{Emit: rec.emit})

	done := make(chan Decision, 1)
	go func() { done <- i.OnPreToolUse(context.Background(), req("exec")) }()

	waitFor(t, func() bool { return i.HasPendingApproval() })
	if !i.ResolveApproval("tc-1", true) {
		t.Fatal("pending id must resolve")
	}
	d := <-done
	if !d.Allowed {
		t.Fatal("chat approval must allow")
	}
	if !rec.has("approval_request") || !rec.has("approval_resolved") {
		t.Error("missing approval events")
	}
	if i.ResolveApproval("tc-1", true) {
		t.Error("resolved id must be removed from the pending table")
	}
}

func TestChatDenialResolves(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive, WithLogger(testLogger()))
	i.BindTurn(Bindings{Emit: func(string, map[string]any) {}})

	done := make(chan Decision, 1)
	go func() { done <- i.OnPreToolUse(context.Background(), req("exec")) }()

	waitFor(t, func() bool { return i.HasPendingApproval() })
	i.ResolveApproval("tc-1", false)
	if d := <-done; d.Allowed {
		t.Fatal("chat denial must deny")
	}
}

func TestBotReplyApprovalParsing(t *testing.T) {
	cases := []struct {
		reply string
		want  bool
	}{
		{"yes", true},
		{"YES", true},
		{"y", true},
		{"  Yes please  ", true},
		{"nope", false},
		{"no", false},
		{"what is this?", false},
		{"", false},
	}
	for _, tc := range cases {
		i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive, WithLogger(testLogger()))
		i.BindTurn(Bindings{BotReply: func(context.Context, string) error { return nil }})

		done := make(chan Decision, 1)
		go func() { done <- i.OnPreToolUse(context.Background(), req("exec")) }()

		waitFor(t, func() bool { return i.HasPendingApproval() })
		if !i.ResolveBotReply(tc.reply) {
			t.Fatalf("reply %q: no pending bot prompt", tc.reply)
		}
		if d := <-done; d.Allowed != tc.want {
			t.Errorf("reply %q: allowed = %v, want %v", tc.reply, d.Allowed, tc.want)
		}
	}
}

func TestChannelRaceFirstWins(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive, WithLogger(testLogger()))
	i.BindTurn(Bindings{
		Emit:     func(string, map[string]any) {},
		BotReply: func(context.Context, string) error { return nil },
	})

	done := make(chan Decision, 1)
	go func() { done <- i.OnPreToolUse(context.Background(), req("exec")) }()

	waitFor(t, func() bool { return i.HasPendingApproval() })
	if !i.ResolveBotReply("yes") {
		t.Fatal("bot prompt must be pending")
	}
	d := <-done
	if !d.Allowed {
		t.Fatal("bot approval must win the race")
	}

	// The losing chat future must not leak a pending entry.
	waitFor(t, func() bool { return !i.HasPendingApproval() })
	if i.ResolveApproval("tc-1", false) {
		t.Error("losing chat future must be cleaned up")
	}
}

func TestApprovalTimeout(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive,
		WithLogger(testLogger()), WithApprovalTimeout(50*time.Millisecond))
	i.BindTurn(Bindings{Emit: func(string, map[string]any) {}})

	d := i.OnPreToolUse(context.Background(), req("exec"))
	if d.Allowed {
		t.Fatal("timeout must deny")
	}
}

func TestSessionCancellationReleasesApproval(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive, WithLogger(testLogger()))
	i.BindTurn(Bindings{Emit: func(string, map[string]any) {}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	go func() { done <- i.OnPreToolUse(ctx, req("exec")) }()

	waitFor(t, func() bool { return i.HasPendingApproval() })
	cancel()
	if d := <-done; d.Allowed {
		t.Fatal("cancelled session must deny")
	}
	waitFor(t, func() bool { return !i.HasPendingApproval() })
}

func TestPhoneVerification(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyPITL}, policy.ContextInteractive, WithLogger(testLogger()))
	i.BindTurn(Bindings{Phone: &fakeVerifier{approved: true}})
	if d := i.OnPreToolUse(context.Background(), req("call_phone")); !d.Allowed {
		t.Error("phone approval must allow")
	}

	i.BindTurn(Bindings{Phone: &fakeVerifier{approved: false}})
	if d := i.OnPreToolUse(context.Background(), req("call_phone")); d.Allowed {
		t.Error("phone rejection must deny")
	}

	i.BindTurn(Bindings{})
	if d := i.OnPreToolUse(context.Background(), req("call_phone")); d.Allowed {
		t.Error("missing verifier must deny")
	}
}

func TestHITLRoutesToPhoneChannel(t *testing.T) {
	resolver := &fakeResolver{strategy: policy.StrategyHITL, channel: policy.ChannelPhone}
	i := New(resolver, policy.ContextInteractive, WithLogger(testLogger()))
	i.BindTurn(Bindings{Phone: &fakeVerifier{approved: true}})

	if d := i.OnPreToolUse(context.Background(), req("exec")); !d.Allowed {
		t.Fatal("phone-channel hitl must use the verifier")
	}
}

func TestUnbindTurnDoesNotAffectInFlightDecision(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive, WithLogger(testLogger()))
	i.BindTurn(Bindings{Emit: func(string, map[string]any) {}})

	done := make(chan Decision, 1)
	go func() { done <- i.OnPreToolUse(context.Background(), req("exec")) }()

	waitFor(t, func() bool { return i.HasPendingApproval() })
	i.UnbindTurn()
	i.ResolveApproval("tc-1", true)
	if d := <-done; !d.Allowed {
		t.Fatal("in-flight decision must keep its captured bindings")
	}
}

func TestDecisionsAreRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	i := New(&fakeResolver{strategy: policy.StrategyAllow}, policy.ContextBackground,
		WithRecorder(rec), WithLogger(testLogger()))
	i.BindTurn(Bindings{Model: "gpt-4.1"})

	if d := i.OnPreToolUse(context.Background(), req("read")); !d.Allowed {
		t.Fatal("allow strategy must allow")
	}

	i2 := New(&fakeResolver{strategy: policy.StrategyDeny}, policy.ContextBackground,
		WithRecorder(rec), WithLogger(testLogger()))
	if d := i2.OnPreToolUse(context.Background(), req("exec")); d.Allowed {
		t.Fatal("deny strategy must deny")
	}

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("recorded %d decisions, want 2", len(got))
	}
	allow, deny := got[0], got[1]
	if allow.ToolName != "read" || allow.Strategy != "allow" || !allow.Allowed {
		t.Errorf("allow record = %+v", allow)
	}
	if allow.ExecutionContext != "background" || allow.Model != "gpt-4.1" {
		t.Errorf("allow record context/model = %q/%q", allow.ExecutionContext, allow.Model)
	}
	if deny.ToolName != "exec" || deny.Strategy != "deny" || deny.Allowed {
		t.Errorf("deny record = %+v", deny)
	}
	if deny.Reason == "" {
		t.Error("deny record must carry a reason")
	}
}

func TestTimedOutApprovalIsRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive,
		WithRecorder(rec), WithLogger(testLogger()), WithApprovalTimeout(50*time.Millisecond))
	i.BindTurn(Bindings{Emit: func(string, map[string]any) {}})

	if d := i.OnPreToolUse(context.Background(), req("exec")); d.Allowed {
		t.Fatal("timeout must deny")
	}
	got := rec.all()
	if len(got) != 1 || got[0].Allowed || got[0].Strategy != "hitl" {
		t.Fatalf("records = %+v", got)
	}
}

func TestBusyBotSlotDeniesFast(t *testing.T) {
	i := New(&fakeResolver{strategy: policy.StrategyHITL}, policy.ContextInteractive, WithLogger(testLogger()))
	i.BindTurn(Bindings{BotReply: func(context.Context, string) error { return nil }})

	done := make(chan Decision, 1)
	go func() { done <- i.OnPreToolUse(context.Background(), req("exec")) }()
	waitFor(t, func() bool { return i.HasPendingApproval() })

	// The single bot prompt slot is taken; a second bot-only approval
	// must not sit on the timer.
	start := time.Now()
	d := i.OnPreToolUse(context.Background(), Request{ToolCallID: "tc-2", ToolName: "write", Args: "{}"})
	if d.Allowed {
		t.Fatal("busy bot slot must deny")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("deny took %v, must be fast", elapsed)
	}

	if !i.ResolveBotReply("yes") {
		t.Fatal("first prompt must still be pending")
	}
	if d := <-done; !d.Allowed {
		t.Fatal("first approval must be unaffected")
	}
}

func TestDecisionWithTracer(t *testing.T) {
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "toolgate"})
	defer shutdown(context.Background())

	i := New(&fakeResolver{strategy: policy.StrategyAllow}, policy.ContextInteractive,
		WithTracer(tracer), WithLogger(testLogger()))
	if d := i.OnPreToolUse(context.Background(), req("read")); !d.Allowed {
		t.Fatal("traced decision must behave like an untraced one")
	}
}

func TestPreviewCutsOnRuneBoundary(t *testing.T) {
	long := "a" + strings.Repeat("é", 150)
	got := preview(long)
	if !utf8.ValidString(got) {
		t.Fatalf("preview produced invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated preview must end with an ellipsis: %q", got)
	}

	if got := preview("short"); got != "short" {
		t.Errorf("short args must pass through, got %q", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
