package policy

import "testing"

func boolPtr(v bool) *bool { return &v }

func testDocument() *Document {
	doc := NewDocument("test")
	doc.Defaults = Defaults{Effect: StrategyAllow, Channel: ChannelChat}
	doc.ContextFallbacks = DefaultContextFallbacks()
	doc.Policies = []Policy{
		{
			ID:       "model/gpt-4.1/interactive/exec",
			Priority: BandModel,
			Condition: Condition{
				Models: []string{"gpt-4.1"},
				Modes:  []Context{ContextInteractive},
				Tools:  []string{"exec"},
			},
			Effect: StrategyDeny,
		},
		{
			ID:       "tool/interactive/exec",
			Priority: BandContext,
			Condition: Condition{
				Modes: []Context{ContextInteractive},
				Tools: []string{"exec"},
			},
			Effect: StrategyHITL,
		},
		{
			ID:        "default/interactive",
			Priority:  BandDefaults,
			Condition: Condition{Modes: []Context{ContextInteractive}},
			Effect:    StrategyFilter,
		},
		{
			ID:        "default/background",
			Priority:  BandDefaults + 1,
			Condition: Condition{Modes: []Context{ContextBackground}},
			Effect:    StrategyDeny,
		},
	}
	return doc
}

func TestResolvePriorityCascade(t *testing.T) {
	doc := testDocument()

	req := EvalContext{Tool: "exec", Mode: ContextInteractive, Model: "gpt-4.1"}

	engine := NewEngine(doc)
	if got := engine.Resolve(req); got != StrategyDeny {
		t.Fatalf("model-scoped policy should win, got %s", got)
	}

	// Remove the model-scoped policy: the context+tool policy takes over.
	doc.Policies = doc.Policies[1:]
	engine = NewEngine(doc)
	if got := engine.Resolve(req); got != StrategyHITL {
		t.Fatalf("context+tool policy should win, got %s", got)
	}

	// Remove that too: the context default applies.
	doc.Policies = doc.Policies[1:]
	engine = NewEngine(doc)
	if got := engine.Resolve(req); got != StrategyFilter {
		t.Fatalf("context default should win, got %s", got)
	}

	// No matching policy at all: the document default applies.
	doc.Policies = nil
	engine = NewEngine(doc)
	if got := engine.Resolve(req); got != StrategyAllow {
		t.Fatalf("document default should apply, got %s", got)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	engine := NewEngine(testDocument())
	req := EvalContext{Tool: "exec", Mode: ContextInteractive, Model: "gpt-4.1"}
	first := engine.Resolve(req)
	for i := 0; i < 100; i++ {
		if got := engine.Resolve(req); got != first {
			t.Fatalf("resolution changed between calls: %s vs %s", first, got)
		}
	}
}

func TestResolveModeDefaultsToInteractive(t *testing.T) {
	engine := NewEngine(testDocument())
	if got := engine.Resolve(EvalContext{Tool: "read"}); got != StrategyFilter {
		t.Fatalf("empty mode should fall back to interactive default, got %s", got)
	}
}

func TestResolveBackgroundAgentFallback(t *testing.T) {
	engine := NewEngine(testDocument())

	// scheduler has no direct policies; it inherits background's default.
	if got := engine.Resolve(EvalContext{Tool: "read", Mode: ContextScheduler}); got != StrategyDeny {
		t.Fatalf("scheduler should inherit background default, got %s", got)
	}

	// A direct scheduler policy overrides the inherited one.
	doc := testDocument()
	doc.Policies = append(doc.Policies, Policy{
		ID:        "default/scheduler",
		Priority:  BandDefaults + 2,
		Condition: Condition{Modes: []Context{ContextScheduler}},
		Effect:    StrategyHITL,
	})
	engine = NewEngine(doc)
	if got := engine.Resolve(EvalContext{Tool: "read", Mode: ContextScheduler}); got != StrategyHITL {
		t.Fatalf("direct scheduler policy should override fallback, got %s", got)
	}
}

func TestDirectPolicyBeatsLowerPriorityFallback(t *testing.T) {
	// A background tool policy carries a lower priority number than a direct
	// scheduler default, but the direct policy must still win: fallback
	// policies are consulted only when the request context has no match.
	doc := NewDocument("test")
	doc.Defaults = Defaults{Effect: StrategyAllow, Channel: ChannelChat}
	doc.ContextFallbacks = DefaultContextFallbacks()
	doc.Policies = []Policy{
		{
			ID:       "tool/background/read",
			Priority: BandContext,
			Condition: Condition{
				Modes: []Context{ContextBackground},
				Tools: []string{"read"},
			},
			Effect: StrategyDeny,
		},
		{
			ID:        "default/scheduler",
			Priority:  BandDefaults,
			Condition: Condition{Modes: []Context{ContextScheduler}},
			Effect:    StrategyHITL,
		},
	}
	engine := NewEngine(doc)

	if got := engine.Resolve(EvalContext{Tool: "read", Mode: ContextScheduler}); got != StrategyHITL {
		t.Fatalf("direct scheduler default should beat inherited background policy, got %s", got)
	}

	// Without the direct policy the same request inherits the background one.
	doc.Policies = doc.Policies[:1]
	engine = NewEngine(doc)
	if got := engine.Resolve(EvalContext{Tool: "read", Mode: ContextScheduler}); got != StrategyDeny {
		t.Fatalf("scheduler should inherit background tool policy, got %s", got)
	}
}

func TestResolveMCPScopedIdentifiers(t *testing.T) {
	doc := NewDocument("test")
	doc.Defaults.Effect = StrategyAllow
	doc.Policies = []Policy{
		{
			ID:        "rule/github",
			Priority:  BandRules,
			Condition: Condition{Tools: []string{"mcp:github"}},
			Effect:    StrategyDeny,
		},
	}
	engine := NewEngine(doc)

	// The mcp: identifier matches against the request's MCP server.
	got := engine.Resolve(EvalContext{Tool: "search_issues", MCPServer: "github"})
	if got != StrategyDeny {
		t.Fatalf("mcp:github should match server field, got %s", got)
	}

	// Same server name as a plain tool does not match.
	got = engine.Resolve(EvalContext{Tool: "github"})
	if got != StrategyAllow {
		t.Fatalf("plain tool should not match mcp: identifier, got %s", got)
	}

	// The literal mcp:github tool identifier also matches.
	got = engine.Resolve(EvalContext{Tool: "mcp:github"})
	if got != StrategyDeny {
		t.Fatalf("literal mcp identifier should match, got %s", got)
	}
}

func TestResolveMCPServerCondition(t *testing.T) {
	doc := NewDocument("test")
	doc.Defaults.Effect = StrategyAllow
	doc.Policies = []Policy{
		{
			ID:        "rule/mcp-server",
			Priority:  BandRules,
			Condition: Condition{MCPServers: []string{"github"}},
			Effect:    StrategyPITL,
		},
	}
	engine := NewEngine(doc)

	if got := engine.Resolve(EvalContext{Tool: "search", MCPServer: "github"}); got != StrategyPITL {
		t.Fatalf("mcp_servers condition should match, got %s", got)
	}
	if got := engine.Resolve(EvalContext{Tool: "search"}); got != StrategyAllow {
		t.Fatalf("empty mcp server must not match, got %s", got)
	}
}

func TestResolveModelConditionRequiresModel(t *testing.T) {
	doc := NewDocument("test")
	doc.Defaults.Effect = StrategyAllow
	doc.Policies = []Policy{
		{
			ID:        "rule/model",
			Priority:  BandRules,
			Condition: Condition{Models: []string{"gpt-4.1"}},
			Effect:    StrategyDeny,
		},
	}
	engine := NewEngine(doc)

	if got := engine.Resolve(EvalContext{Tool: "read"}); got != StrategyAllow {
		t.Fatalf("empty model must not match a models condition, got %s", got)
	}
	if got := engine.Resolve(EvalContext{Tool: "read", Model: "gpt-4.1"}); got != StrategyDeny {
		t.Fatalf("model condition should match, got %s", got)
	}
}

func TestResolveTieBreaksOnID(t *testing.T) {
	doc := NewDocument("test")
	doc.Defaults.Effect = StrategyAllow
	doc.Policies = []Policy{
		{ID: "b", Priority: 100, Condition: Condition{Tools: []string{"exec"}}, Effect: StrategyDeny},
		{ID: "a", Priority: 100, Condition: Condition{Tools: []string{"exec"}}, Effect: StrategyHITL},
	}
	engine := NewEngine(doc)
	if got := engine.Resolve(EvalContext{Tool: "exec"}); got != StrategyHITL {
		t.Fatalf("lexicographically smaller id should win the tie, got %s", got)
	}
}

func TestResolveSkipsDisabledPolicies(t *testing.T) {
	doc := NewDocument("test")
	doc.Defaults.Effect = StrategyAllow
	doc.Policies = []Policy{
		{ID: "off", Priority: 10, Condition: Condition{Tools: []string{"exec"}}, Effect: StrategyDeny, Enabled: boolPtr(false)},
	}
	engine := NewEngine(doc)
	if got := engine.Resolve(EvalContext{Tool: "exec"}); got != StrategyAllow {
		t.Fatalf("disabled policy must not match, got %s", got)
	}
}

func TestResolveWildcardTools(t *testing.T) {
	doc := NewDocument("test")
	doc.Defaults.Effect = StrategyAllow
	doc.Policies = []Policy{
		{ID: "rule/skill", Priority: BandRules, Condition: Condition{Tools: []string{"skill:deploy-*"}}, Effect: StrategyDeny},
	}
	engine := NewEngine(doc)
	if got := engine.Resolve(EvalContext{Tool: "skill:deploy-prod"}); got != StrategyDeny {
		t.Fatalf("trailing glob should match, got %s", got)
	}
}

func TestEngineSnapshotIsolation(t *testing.T) {
	doc := testDocument()
	engine := NewEngine(doc)

	// Mutating the source document after engine construction must not
	// change resolution.
	doc.Policies = nil
	doc.Defaults.Effect = StrategyDeny

	req := EvalContext{Tool: "exec", Mode: ContextInteractive, Model: "gpt-4.1"}
	if got := engine.Resolve(req); got != StrategyDeny {
		t.Fatalf("snapshot should still hold original policies, got %s", got)
	}
	if got := engine.Resolve(EvalContext{Tool: "read", Mode: ContextInteractive}); got != StrategyFilter {
		t.Fatalf("snapshot default should be unchanged, got %s", got)
	}
}
