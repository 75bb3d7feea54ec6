// Package guardrails owns the human-facing guardrail configuration and
// compiles it to the canonical policy document. The store keeps the JSON
// configuration, the compiled engine, and the YAML companion file in sync
// after every mutation.
package guardrails

import (
	"fmt"
	"regexp"

	"github.com/aymenfurter/toolgate/internal/policy"
)

// FilterModePromptShields is the only filter implementation today. The
// field exists so configurations stay forward compatible if another
// classifier is added.
const FilterModePromptShields = "prompt_shields"

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// RuleScope selects what a legacy rule's pattern matches against.
type RuleScope string

const (
	RuleScopeTool RuleScope = "tool"
	RuleScopeMCP  RuleScope = "mcp"
)

// Rule is a legacy guardrail rule. Rules compile into the lowest-priority
// band, so any context default or tool policy outranks them.
type Rule struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Pattern     string           `json:"pattern"`
	Scope       RuleScope        `json:"scope"`
	Action      policy.Strategy  `json:"action"`
	Enabled     bool             `json:"enabled"`
	Contexts    []policy.Context `json:"contexts,omitempty"`
	Models      []string         `json:"models,omitempty"`
	HITLChannel policy.Channel   `json:"hitl_channel,omitempty"`
}

// Config is the single user-facing guardrail configuration object. Every
// mutation through the store regenerates the compiled policy document.
type Config struct {
	// HITLEnabled is the master switch. When false the compiled document
	// allows everything.
	HITLEnabled bool `json:"hitl_enabled"`

	// DefaultAction is the global fallback strategy.
	DefaultAction policy.Strategy `json:"default_action"`

	// DefaultChannel is used when a hitl strategy fires without a channel.
	DefaultChannel policy.Channel `json:"default_channel"`

	// PhoneNumber is the E.164 number PITL verification calls go to.
	PhoneNumber string `json:"phone_number,omitempty"`

	// AITLModel is the model identifier used by the background reviewer.
	AITLModel string `json:"aitl_model,omitempty"`

	// AITLSpotlighting datamarks reviewer input when true.
	AITLSpotlighting bool `json:"aitl_spotlighting"`

	// FilterMode is always prompt_shields today.
	FilterMode string `json:"filter_mode"`

	// ContentSafetyEndpoint is the prompt shield service URL.
	ContentSafetyEndpoint string `json:"content_safety_endpoint,omitempty"`

	// ContextDefaults maps execution context to its default strategy.
	ContextDefaults map[policy.Context]policy.Strategy `json:"context_defaults"`

	// ToolPolicies maps context to per-tool strategy overrides. Tool ids
	// may be plain tool names, mcp:<server>, or skill:<name>.
	ToolPolicies map[policy.Context]map[string]policy.Strategy `json:"tool_policies"`

	// ModelColumns is the ordered list of models with per-model overrides.
	ModelColumns []string `json:"model_columns,omitempty"`

	// ModelPolicies maps model to context to per-tool strategies. Every
	// model key must also appear in ModelColumns.
	ModelPolicies map[string]map[policy.Context]map[string]policy.Strategy `json:"model_policies,omitempty"`

	// Rules is the ordered legacy rule list.
	Rules []Rule `json:"rules,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists or the
// stored one cannot be parsed.
func DefaultConfig() *Config {
	return &Config{
		HITLEnabled:     true,
		DefaultAction:   policy.StrategyAllow,
		DefaultChannel:  policy.ChannelChat,
		FilterMode:      FilterModePromptShields,
		ContextDefaults: map[policy.Context]policy.Strategy{},
		ToolPolicies:    map[policy.Context]map[string]policy.Strategy{},
	}
}

// Validate checks the configuration invariants: strategies in the closed
// set, model_policies keys present in model_columns, and a well-formed
// phone number.
func (c *Config) Validate() error {
	if !c.DefaultAction.Valid() {
		return fmt.Errorf("default_action: unknown strategy %q", c.DefaultAction)
	}
	if c.DefaultChannel != "" && !c.DefaultChannel.Valid() {
		return fmt.Errorf("default_channel: unknown channel %q", c.DefaultChannel)
	}
	if c.PhoneNumber != "" && !e164Pattern.MatchString(c.PhoneNumber) {
		return fmt.Errorf("phone_number: %q is not a valid E.164 number", c.PhoneNumber)
	}
	for ctx, strategy := range c.ContextDefaults {
		if !strategy.Valid() {
			return fmt.Errorf("context_defaults[%s]: unknown strategy %q", ctx, strategy)
		}
	}
	for ctx, tools := range c.ToolPolicies {
		for tool, strategy := range tools {
			if !strategy.Valid() {
				return fmt.Errorf("tool_policies[%s][%s]: unknown strategy %q", ctx, tool, strategy)
			}
		}
	}
	columns := make(map[string]bool, len(c.ModelColumns))
	for _, m := range c.ModelColumns {
		columns[m] = true
	}
	for model, contexts := range c.ModelPolicies {
		if !columns[model] {
			return fmt.Errorf("model_policies[%s]: model not listed in model_columns", model)
		}
		for ctx, tools := range contexts {
			for tool, strategy := range tools {
				if !strategy.Valid() {
					return fmt.Errorf("model_policies[%s][%s][%s]: unknown strategy %q", model, ctx, tool, strategy)
				}
			}
		}
	}
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rules[%d]: id is required", i)
		}
		if rule.Scope != RuleScopeTool && rule.Scope != RuleScopeMCP {
			return fmt.Errorf("rules[%d]: unknown scope %q", i, rule.Scope)
		}
		if !rule.Action.Valid() {
			return fmt.Errorf("rules[%d]: unknown strategy %q", i, rule.Action)
		}
		if rule.HITLChannel != "" && !rule.HITLChannel.Valid() {
			return fmt.Errorf("rules[%d]: unknown channel %q", i, rule.HITLChannel)
		}
	}
	return nil
}

// Normalize fills defaults, resolves legacy strategy aliases, and drops
// empty map shells so serialized forms stay canonical.
func (c *Config) Normalize() error {
	if c.DefaultAction == "" {
		c.DefaultAction = policy.StrategyAllow
	}
	normalized, err := policy.ParseStrategy(string(c.DefaultAction))
	if err != nil {
		return fmt.Errorf("default_action: %w", err)
	}
	c.DefaultAction = normalized
	if c.DefaultChannel == "" {
		c.DefaultChannel = policy.ChannelChat
	}
	if c.FilterMode == "" {
		c.FilterMode = FilterModePromptShields
	}
	if c.ContextDefaults == nil {
		c.ContextDefaults = map[policy.Context]policy.Strategy{}
	}
	if c.ToolPolicies == nil {
		c.ToolPolicies = map[policy.Context]map[string]policy.Strategy{}
	}
	for ctx, strategy := range c.ContextDefaults {
		s, err := policy.ParseStrategy(string(strategy))
		if err != nil {
			return fmt.Errorf("context_defaults[%s]: %w", ctx, err)
		}
		c.ContextDefaults[ctx] = s
	}
	for ctx, tools := range c.ToolPolicies {
		for tool, strategy := range tools {
			s, err := policy.ParseStrategy(string(strategy))
			if err != nil {
				return fmt.Errorf("tool_policies[%s][%s]: %w", ctx, tool, err)
			}
			tools[tool] = s
		}
	}
	for model, contexts := range c.ModelPolicies {
		for ctx, tools := range contexts {
			for tool, strategy := range tools {
				s, err := policy.ParseStrategy(string(strategy))
				if err != nil {
					return fmt.Errorf("model_policies[%s][%s][%s]: %w", model, ctx, tool, err)
				}
				tools[tool] = s
			}
		}
	}
	for i := range c.Rules {
		s, err := policy.ParseStrategy(string(c.Rules[i].Action))
		if err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		c.Rules[i].Action = s
		if c.Rules[i].Scope == "" {
			c.Rules[i].Scope = RuleScopeTool
		}
	}
	return c.Validate()
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.ContextDefaults = make(map[policy.Context]policy.Strategy, len(c.ContextDefaults))
	for k, v := range c.ContextDefaults {
		clone.ContextDefaults[k] = v
	}
	clone.ToolPolicies = make(map[policy.Context]map[string]policy.Strategy, len(c.ToolPolicies))
	for ctx, tools := range c.ToolPolicies {
		inner := make(map[string]policy.Strategy, len(tools))
		for tool, strategy := range tools {
			inner[tool] = strategy
		}
		clone.ToolPolicies[ctx] = inner
	}
	clone.ModelColumns = append([]string(nil), c.ModelColumns...)
	if c.ModelPolicies != nil {
		clone.ModelPolicies = make(map[string]map[policy.Context]map[string]policy.Strategy, len(c.ModelPolicies))
		for model, contexts := range c.ModelPolicies {
			innerCtx := make(map[policy.Context]map[string]policy.Strategy, len(contexts))
			for ctx, tools := range contexts {
				inner := make(map[string]policy.Strategy, len(tools))
				for tool, strategy := range tools {
					inner[tool] = strategy
				}
				innerCtx[ctx] = inner
			}
			clone.ModelPolicies[model] = innerCtx
		}
	}
	clone.Rules = make([]Rule, len(c.Rules))
	for i, rule := range c.Rules {
		cp := rule
		cp.Contexts = append([]policy.Context(nil), rule.Contexts...)
		cp.Models = append([]string(nil), rule.Models...)
		clone.Rules[i] = cp
	}
	return &clone
}
