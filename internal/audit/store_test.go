package audit

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, tool := range []string{"read", "exec", "write"} {
		err := s.Record(ctx, Decision{
			Time:             time.Now().UTC().Add(time.Duration(i) * time.Second),
			ToolCallID:       "tc-" + tool,
			ToolName:         tool,
			ExecutionContext: "interactive",
			Strategy:         "hitl",
			Allowed:          tool != "exec",
			Reason:           "test",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d decisions, want 2", len(got))
	}
	if got[0].ToolName != "write" {
		t.Errorf("newest first: got %s", got[0].ToolName)
	}
	if got[0].ID == "" {
		t.Error("id must be generated")
	}
}

func TestRecentEmpty(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d decisions from empty store", len(got))
	}
}

func TestPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := Decision{Time: now.Add(-48 * time.Hour), ToolCallID: "old", ToolName: "read",
		ExecutionContext: "background", Strategy: "allow", Allowed: true}
	fresh := Decision{Time: now, ToolCallID: "fresh", ToolName: "read",
		ExecutionContext: "background", Strategy: "allow", Allowed: true}
	if err := s.Record(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	purged, err := s.Purge(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged %d rows, want 1", purged)
	}

	remaining, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].ToolCallID != "fresh" {
		t.Errorf("remaining = %+v", remaining)
	}
}
