package guardrails

import (
	"fmt"
	"sort"

	"github.com/aymenfurter/toolgate/internal/policy"
)

// Preset is a named guardrail posture. Applying one overwrites
// context_defaults and tool_policies, then refreshes every existing model
// column through the tier-aware effective-preset map.
type Preset string

const (
	PresetPermissive  Preset = "permissive"
	PresetBalanced    Preset = "balanced"
	PresetRestrictive Preset = "restrictive"
)

// ParsePreset validates a preset name.
func ParsePreset(name string) (Preset, error) {
	switch Preset(name) {
	case PresetPermissive, PresetBalanced, PresetRestrictive:
		return Preset(name), nil
	}
	return "", fmt.Errorf("unknown preset %q", name)
}

// presetMatrix maps context and risk to a strategy for each preset.
var presetMatrix = map[Preset]map[policy.Context]map[RiskLevel]policy.Strategy{
	PresetPermissive: {
		policy.ContextInteractive: {
			RiskLow:    policy.StrategyFilter,
			RiskMedium: policy.StrategyFilter,
			RiskHigh:   policy.StrategyFilter,
		},
		policy.ContextBackground: {
			RiskLow:    policy.StrategyFilter,
			RiskMedium: policy.StrategyFilter,
			RiskHigh:   policy.StrategyHITL,
		},
	},
	PresetBalanced: {
		policy.ContextInteractive: {
			RiskLow:    policy.StrategyFilter,
			RiskMedium: policy.StrategyFilter,
			RiskHigh:   policy.StrategyHITL,
		},
		policy.ContextBackground: {
			RiskLow:    policy.StrategyFilter,
			RiskMedium: policy.StrategyHITL,
			RiskHigh:   policy.StrategyDeny,
		},
	},
	PresetRestrictive: {
		policy.ContextInteractive: {
			RiskLow:    policy.StrategyFilter,
			RiskMedium: policy.StrategyHITL,
			RiskHigh:   policy.StrategyHITL,
		},
		policy.ContextBackground: {
			RiskLow:    policy.StrategyFilter,
			RiskMedium: policy.StrategyDeny,
			RiskHigh:   policy.StrategyDeny,
		},
	},
}

// presetOverrides rewrites specific tools after the matrix is applied. In
// the balanced posture, background file writes and the terminal go through
// the AI reviewer instead of the matrix cell.
var presetOverrides = map[Preset]map[policy.Context]map[string]policy.Strategy{
	PresetBalanced: {
		policy.ContextBackground: {
			"write":        policy.StrategyAITL,
			"edit":         policy.StrategyAITL,
			"exec":         policy.StrategyAITL,
			"execute_code": policy.StrategyAITL,
		},
	},
}

// effectivePresets maps (selected preset, model tier) to the preset whose
// matrix is used for that model's column. Strong models earn a looser
// posture, cautious models a tighter one.
var effectivePresets = map[Preset]map[ModelTier]Preset{
	PresetPermissive: {
		TierFrontier: PresetPermissive,
		TierStandard: PresetPermissive,
		TierCautious: PresetBalanced,
	},
	PresetBalanced: {
		TierFrontier: PresetPermissive,
		TierStandard: PresetBalanced,
		TierCautious: PresetRestrictive,
	},
	PresetRestrictive: {
		TierFrontier: PresetBalanced,
		TierStandard: PresetRestrictive,
		TierCautious: PresetRestrictive,
	},
}

// EffectivePreset returns the preset actually applied to a model column
// when the given preset is selected.
func EffectivePreset(selected Preset, tier ModelTier) Preset {
	if byTier, ok := effectivePresets[selected]; ok {
		if eff, ok := byTier[tier]; ok {
			return eff
		}
	}
	return selected
}

// presetContexts are the contexts a preset writes policies for.
var presetContexts = []policy.Context{policy.ContextInteractive, policy.ContextBackground}

// presetToolPolicies renders the full per-tool strategy table for one
// preset: matrix cell by risk, then per-preset overrides.
func presetToolPolicies(p Preset) map[policy.Context]map[string]policy.Strategy {
	tools := KnownTools()
	sort.Strings(tools)

	out := make(map[policy.Context]map[string]policy.Strategy, len(presetContexts))
	for _, ctx := range presetContexts {
		cells := make(map[string]policy.Strategy, len(tools))
		for _, tool := range tools {
			cells[tool] = presetMatrix[p][ctx][RiskOf(tool)]
		}
		for tool, strategy := range presetOverrides[p][ctx] {
			cells[tool] = strategy
		}
		out[ctx] = cells
	}
	return out
}

// applyPreset overwrites the configuration's context defaults and tool
// policies with the preset, then re-derives every model column through the
// tier map. Unknown plain tools carry medium risk, so the context default
// is the preset's medium cell.
func applyPreset(cfg *Config, p Preset) {
	cfg.ContextDefaults = make(map[policy.Context]policy.Strategy, len(presetContexts))
	for _, ctx := range presetContexts {
		cfg.ContextDefaults[ctx] = presetMatrix[p][ctx][RiskMedium]
	}
	cfg.ToolPolicies = presetToolPolicies(p)

	if len(cfg.ModelColumns) == 0 {
		return
	}
	if cfg.ModelPolicies == nil {
		cfg.ModelPolicies = make(map[string]map[policy.Context]map[string]policy.Strategy, len(cfg.ModelColumns))
	}
	// Stale per-model rows are a classic bug source: a freshly applied
	// restrictive preset must not leave old permissive columns behind.
	for _, model := range cfg.ModelColumns {
		eff := EffectivePreset(p, TierOf(model))
		cfg.ModelPolicies[model] = presetToolPolicies(eff)
	}
}
