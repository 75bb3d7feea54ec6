package guardrails

import (
	"fmt"
	"sort"

	"github.com/aymenfurter/toolgate/internal/policy"
)

// Compile produces the canonical policy document for a configuration. The
// output is deterministic: the same configuration always yields the same
// document, and therefore byte-identical YAML.
//
// Policies are emitted into four priority bands so specificity is encoded
// in the numbers the engine compares:
//
//	10000  model + context + tool
//	20000  context + tool
//	30000  context catch-all defaults
//	80000  legacy rules
func Compile(cfg *Config) *policy.Document {
	doc := policy.NewDocument("guardrails")
	doc.Metadata.Description = "Compiled from guardrail configuration"

	if !cfg.HITLEnabled {
		// Master switch off: allow everything, no policies, no fallbacks.
		doc.Defaults = policy.Defaults{Effect: policy.StrategyAllow, Channel: policy.ChannelChat}
		return doc
	}

	doc.Defaults = policy.Defaults{
		Effect:  cfg.DefaultAction,
		Channel: cfg.DefaultChannel,
	}
	doc.ContextFallbacks = policy.DefaultContextFallbacks()

	// Band 1: model-scoped policies, most specific.
	counter := policy.BandModel
	for _, model := range sortedStrings(cfg.ModelColumns) {
		contexts := cfg.ModelPolicies[model]
		for _, ctx := range sortedContexts(contexts) {
			for _, tool := range sortedStrings(keysOf(contexts[ctx])) {
				doc.Policies = append(doc.Policies, policy.Policy{
					ID:       fmt.Sprintf("model/%s/%s/%s", model, ctx, tool),
					Priority: counter,
					Condition: policy.Condition{
						Models: []string{model},
						Modes:  []policy.Context{ctx},
						Tools:  []string{tool},
					},
					Effect: contexts[ctx][tool],
				})
				counter++
			}
		}
	}

	// Band 2: context-scoped tool policies.
	counter = policy.BandContext
	for _, ctx := range sortedContexts(cfg.ToolPolicies) {
		for _, tool := range sortedStrings(keysOf(cfg.ToolPolicies[ctx])) {
			doc.Policies = append(doc.Policies, policy.Policy{
				ID:       fmt.Sprintf("tool/%s/%s", ctx, tool),
				Priority: counter,
				Condition: policy.Condition{
					Modes: []policy.Context{ctx},
					Tools: []string{tool},
				},
				Effect: cfg.ToolPolicies[ctx][tool],
			})
			counter++
		}
	}

	// Band 3: context catch-all defaults.
	counter = policy.BandDefaults
	for _, ctx := range sortedContexts(cfg.ContextDefaults) {
		doc.Policies = append(doc.Policies, policy.Policy{
			ID:        fmt.Sprintf("default/%s", ctx),
			Priority:  counter,
			Condition: policy.Condition{Modes: []policy.Context{ctx}},
			Effect:    cfg.ContextDefaults[ctx],
		})
		counter++
	}

	// Band 4: enabled legacy rules, in list order.
	counter = policy.BandRules
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		condition := policy.Condition{
			Modes:  append([]policy.Context(nil), rule.Contexts...),
			Models: append([]string(nil), rule.Models...),
		}
		switch rule.Scope {
		case RuleScopeMCP:
			condition.MCPServers = []string{rule.Pattern}
		default:
			condition.Tools = []string{rule.Pattern}
		}
		doc.Policies = append(doc.Policies, policy.Policy{
			ID:        fmt.Sprintf("rule/%s", rule.ID),
			Name:      rule.Name,
			Priority:  counter,
			Condition: condition,
			Effect:    rule.Action,
			Channel:   rule.HITLChannel,
		})
		counter++
	}

	return doc
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func keysOf(m map[string]policy.Strategy) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sortedContexts[V any](m map[policy.Context]V) []policy.Context {
	out := make([]policy.Context, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
