package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/aymenfurter/toolgate/internal/audit"
	"github.com/aymenfurter/toolgate/internal/hitl"
	"github.com/aymenfurter/toolgate/internal/policy"
)

func TestJanitorSweepsStaleApprovals(t *testing.T) {
	_, store, interceptor := newTestServer(t)
	if err := store.SetToolPolicy(policy.ContextInteractive, "exec", "hitl"); err != nil {
		t.Fatal(err)
	}
	interceptor.BindTurn(hitl.Bindings{
		Emit:    func(event string, payload map[string]any) {},
		Context: policy.ContextInteractive,
	})

	done := make(chan hitl.Decision, 1)
	go func() {
		done <- interceptor.OnPreToolUse(context.Background(), hitl.Request{
			ToolCallID: "tc-stale", ToolName: "exec", Args: "{}",
		})
	}()
	waitFor(t, func() bool { return interceptor.HasPendingApproval() })

	j := NewJanitor(map[policy.Context]*hitl.Interceptor{
		policy.ContextInteractive: interceptor,
	}, nil, nil, 0, testLogger())
	j.approvalCap = 10 * time.Millisecond

	time.Sleep(20 * time.Millisecond)
	j.sweepApprovals()

	select {
	case decision := <-done:
		if decision.Allowed {
			t.Error("swept approval must deny")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not resolve the approval")
	}
}

func TestJanitorSweepLeavesFreshApprovals(t *testing.T) {
	_, store, interceptor := newTestServer(t)
	if err := store.SetToolPolicy(policy.ContextInteractive, "exec", "hitl"); err != nil {
		t.Fatal(err)
	}
	interceptor.BindTurn(hitl.Bindings{
		Emit:    func(event string, payload map[string]any) {},
		Context: policy.ContextInteractive,
	})

	done := make(chan hitl.Decision, 1)
	go func() {
		done <- interceptor.OnPreToolUse(context.Background(), hitl.Request{
			ToolCallID: "tc-fresh", ToolName: "exec", Args: "{}",
		})
	}()
	waitFor(t, func() bool { return interceptor.HasPendingApproval() })

	j := NewJanitor(map[policy.Context]*hitl.Interceptor{
		policy.ContextInteractive: interceptor,
	}, nil, nil, 0, testLogger())
	j.sweepApprovals()

	if !interceptor.HasPendingApproval() {
		t.Fatal("fresh approval must survive the sweep")
	}
	interceptor.ResolveApproval("tc-fresh", true)
	<-done
}

func TestJanitorPurgesAudit(t *testing.T) {
	auditStore, err := audit.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer auditStore.Close()

	ctx := context.Background()
	if err := auditStore.Record(ctx, audit.Decision{
		Time: time.Now().UTC().Add(-72 * time.Hour), ToolCallID: "tc-old",
		ToolName: "read", ExecutionContext: "background", Strategy: "allow", Allowed: true,
	}); err != nil {
		t.Fatal(err)
	}

	j := NewJanitor(nil, auditStore, nil, 1, testLogger())
	j.purgeAudit()

	remaining, err := auditStore.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Errorf("remaining = %+v", remaining)
	}
}

func TestJanitorStartStop(t *testing.T) {
	j := NewJanitor(nil, nil, &fakeShield{configured: true}, 0, testLogger())
	if err := j.Start(); err != nil {
		t.Fatal(err)
	}
	j.Stop()
}
