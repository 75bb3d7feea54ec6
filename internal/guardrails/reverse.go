package guardrails

import (
	"strings"

	"github.com/aymenfurter/toolgate/internal/policy"
)

// ReverseCompile reconstructs configuration fields from a policy document.
// It inspects each policy's condition shape and classifies it as
// model-scoped, context-scoped, a context default, or a legacy rule;
// unrecognized shapes become rules so no policy is silently dropped.
//
// Only the policy-derived fields are produced; callers merge them into an
// existing configuration to preserve settings (phone number, reviewer
// model, endpoints) that have no YAML representation.
func ReverseCompile(doc *policy.Document) *Config {
	cfg := DefaultConfig()
	cfg.DefaultAction = doc.Defaults.Effect
	cfg.DefaultChannel = doc.Defaults.Channel

	// A document with no policies and a blanket allow is the disabled
	// short-circuit shape.
	if len(doc.Policies) == 0 && len(doc.ContextFallbacks) == 0 && doc.Defaults.Effect == policy.StrategyAllow {
		cfg.HITLEnabled = false
		return cfg
	}
	cfg.HITLEnabled = true

	seenColumns := map[string]bool{}
	for _, p := range doc.Policies {
		c := p.Condition
		switch {
		case len(c.Models) == 1 && len(c.Modes) == 1 && len(c.Tools) == 1 && len(c.MCPServers) == 0 && p.Channel == "" && p.IsEnabled():
			model, ctx, tool := c.Models[0], c.Modes[0], c.Tools[0]
			if cfg.ModelPolicies == nil {
				cfg.ModelPolicies = map[string]map[policy.Context]map[string]policy.Strategy{}
			}
			if cfg.ModelPolicies[model] == nil {
				cfg.ModelPolicies[model] = map[policy.Context]map[string]policy.Strategy{}
			}
			if cfg.ModelPolicies[model][ctx] == nil {
				cfg.ModelPolicies[model][ctx] = map[string]policy.Strategy{}
			}
			cfg.ModelPolicies[model][ctx][tool] = p.Effect
			if !seenColumns[model] {
				seenColumns[model] = true
				cfg.ModelColumns = append(cfg.ModelColumns, model)
			}

		case len(c.Models) == 0 && len(c.Modes) == 1 && len(c.Tools) == 1 && len(c.MCPServers) == 0 && p.Channel == "" && p.IsEnabled():
			ctx, tool := c.Modes[0], c.Tools[0]
			if cfg.ToolPolicies[ctx] == nil {
				cfg.ToolPolicies[ctx] = map[string]policy.Strategy{}
			}
			cfg.ToolPolicies[ctx][tool] = p.Effect

		case len(c.Models) == 0 && len(c.Modes) == 1 && len(c.Tools) == 0 && len(c.MCPServers) == 0 && p.Channel == "" && p.IsEnabled():
			cfg.ContextDefaults[c.Modes[0]] = p.Effect

		default:
			cfg.Rules = append(cfg.Rules, ruleFromPolicy(p))
		}
	}
	return cfg
}

func ruleFromPolicy(p policy.Policy) Rule {
	rule := Rule{
		ID:          strings.TrimPrefix(p.ID, "rule/"),
		Name:        p.Name,
		Action:      p.Effect,
		Enabled:     p.IsEnabled(),
		Contexts:    append([]policy.Context(nil), p.Condition.Modes...),
		Models:      append([]string(nil), p.Condition.Models...),
		HITLChannel: p.Channel,
	}
	if len(p.Condition.MCPServers) > 0 {
		rule.Scope = RuleScopeMCP
		rule.Pattern = p.Condition.MCPServers[0]
	} else {
		rule.Scope = RuleScopeTool
		if len(p.Condition.Tools) > 0 {
			rule.Pattern = p.Condition.Tools[0]
		}
	}
	return rule
}
