// Package policy provides the compiled policy document model and the
// deterministic engine that resolves tool invocations to guardrail
// strategies. The engine is a pure function over the document: it holds no
// mutable state and is safe for concurrent readers.
package policy

import (
	"fmt"
	"strings"
)

// Strategy is the decision outcome for a tool invocation.
type Strategy string

const (
	// StrategyAllow passes the call through without review.
	StrategyAllow Strategy = "allow"

	// StrategyFilter runs the prompt shield over the arguments and blocks
	// only when an injection is detected.
	StrategyFilter Strategy = "filter"

	// StrategyAITL delegates the decision to a background AI reviewer.
	StrategyAITL Strategy = "aitl"

	// StrategyHITL asks a human over the interactive chat or bot channel.
	StrategyHITL Strategy = "hitl"

	// StrategyPITL asks a human via an outbound phone call.
	StrategyPITL Strategy = "pitl"

	// StrategyDeny refuses immediately.
	StrategyDeny Strategy = "deny"
)

// strategyRanks is the closed strategy set, ordered by restrictiveness.
var strategyRanks = map[Strategy]int{
	StrategyAllow:  0,
	StrategyFilter: 1,
	StrategyAITL:   2,
	StrategyHITL:   3,
	StrategyPITL:   4,
	StrategyDeny:   5,
}

// ParseStrategy normalizes a raw strategy string. The legacy value "ask" is
// accepted and normalized to hitl; anything outside the closed set is an
// error.
func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	if s == "ask" {
		return StrategyHITL, nil
	}
	if _, ok := strategyRanks[s]; !ok {
		return "", fmt.Errorf("unknown strategy %q", raw)
	}
	return s, nil
}

// Valid reports whether s is in the closed strategy set.
func (s Strategy) Valid() bool {
	_, ok := strategyRanks[s]
	return ok
}

// Channel identifies the human approval channel used by hitl strategies.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelPhone Channel = "phone"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelChat || c == ChannelPhone
}

// Context describes who is driving the agent for a given tool call.
type Context string

// Baseline execution contexts.
const (
	ContextInteractive Context = "interactive"
	ContextBackground  Context = "background"
	ContextVoice       Context = "voice"
	ContextAPI         Context = "api"
)

// Background-agent contexts. Each background driver pins its interceptor to
// one of these; absent a direct policy the engine falls back to background.
const (
	ContextScheduler       Context = "scheduler"
	ContextBotProcessor    Context = "bot_processor"
	ContextProactiveLoop   Context = "proactive_loop"
	ContextMemoryFormation Context = "memory_formation"
	ContextAITLReviewer    Context = "aitl_reviewer"
	ContextRealtime        Context = "realtime"
)

// BaselineContexts lists the four first-order execution contexts.
var BaselineContexts = []Context{
	ContextInteractive,
	ContextBackground,
	ContextVoice,
	ContextAPI,
}

// BackgroundAgentContexts lists the contexts that inherit from background
// when no direct policy matches them.
var BackgroundAgentContexts = []Context{
	ContextScheduler,
	ContextBotProcessor,
	ContextProactiveLoop,
	ContextMemoryFormation,
	ContextAITLReviewer,
	ContextRealtime,
}

// KnownContexts is the union of baseline and background-agent contexts.
func KnownContexts() []Context {
	out := make([]Context, 0, len(BaselineContexts)+len(BackgroundAgentContexts))
	out = append(out, BaselineContexts...)
	out = append(out, BackgroundAgentContexts...)
	return out
}

// DefaultContextFallbacks maps every background-agent context to background.
func DefaultContextFallbacks() map[Context]Context {
	fallbacks := make(map[Context]Context, len(BackgroundAgentContexts))
	for _, c := range BackgroundAgentContexts {
		if c == ContextBackground {
			continue
		}
		fallbacks[c] = ContextBackground
	}
	return fallbacks
}
