package guardrails

import "strings"

// RiskLevel classifies how much damage a tool can do when misused.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ModelTier buckets models by capability for tier-aware preset derivation.
type ModelTier int

const (
	// TierFrontier is the strongest frontier model bucket.
	TierFrontier ModelTier = 1

	// TierStandard is the standard bucket.
	TierStandard ModelTier = 2

	// TierCautious is the small-model bucket; unknown models land here.
	TierCautious ModelTier = 3
)

// toolRisk classifies the built-in tool inventory. Read-only tools are low,
// writers and automation are medium, shell/voice/infra are high.
var toolRisk = map[string]RiskLevel{
	// Read-only file and lookup tools.
	"read":          RiskLow,
	"web_search":    RiskLow,
	"web_fetch":     RiskLow,
	"memory_search": RiskLow,
	"job_status":    RiskLow,

	// File writers, browser automation, scheduling.
	"write":         RiskMedium,
	"edit":          RiskMedium,
	"browser":       RiskMedium,
	"schedule_task": RiskMedium,
	"cancel_task":   RiskMedium,

	// Shell, outbound voice, provisioning.
	"exec":         RiskHigh,
	"run":          RiskHigh,
	"execute_code": RiskHigh,
	"call_phone":   RiskHigh,
	"provision_vm": RiskHigh,
}

// mcpRisk classifies known model-context-protocol servers by the mcp:<name>
// identifier. Source-control and cloud-admin servers are high risk;
// documentation-only servers are low.
var mcpRisk = map[string]RiskLevel{
	"mcp:context7":          RiskLow,
	"mcp:deepwiki":          RiskLow,
	"mcp:github-mcp-server": RiskHigh,
	"mcp:azure-mcp-server":  RiskHigh,
	"mcp:playwright":        RiskMedium,
}

// skillRisk classifies known skills by the skill:<name> identifier.
var skillRisk = map[string]RiskLevel{
	"skill:summarize-notes": RiskLow,
	"skill:update-journal":  RiskMedium,
	"skill:deploy-infra":    RiskHigh,
}

// modelTiers lists known models. Anything absent defaults to TierCautious.
var modelTiers = map[string]ModelTier{
	"gpt-5.3-codex":     TierFrontier,
	"gpt-5.2":           TierFrontier,
	"claude-opus-4":     TierFrontier,
	"gpt-5-mini":        TierStandard,
	"gpt-5-nano":        TierStandard,
	"claude-sonnet-4":   TierStandard,
	"claude-haiku-4":    TierCautious,
	"phi-4":             TierCautious,
	"mistral-small-3.1": TierCautious,
}

// RiskOf classifies a tool identifier. Unknown mcp: and skill: identifiers
// are high risk; unknown plain tools are medium.
func RiskOf(toolID string) RiskLevel {
	id := strings.ToLower(strings.TrimSpace(toolID))
	if risk, ok := toolRisk[id]; ok {
		return risk
	}
	if risk, ok := mcpRisk[id]; ok {
		return risk
	}
	if risk, ok := skillRisk[id]; ok {
		return risk
	}
	if strings.HasPrefix(id, "mcp:") || strings.HasPrefix(id, "skill:") {
		return RiskHigh
	}
	return RiskMedium
}

// TierOf buckets a model identifier. Unknown models are treated as
// cautious.
func TierOf(model string) ModelTier {
	if tier, ok := modelTiers[strings.ToLower(strings.TrimSpace(model))]; ok {
		return tier
	}
	return TierCautious
}

// KnownTools returns every classified tool, MCP server, and skill
// identifier. Presets write a per-tool strategy for each of these.
func KnownTools() []string {
	out := make([]string, 0, len(toolRisk)+len(mcpRisk)+len(skillRisk))
	for id := range toolRisk {
		out = append(out, id)
	}
	for id := range mcpRisk {
		out = append(out, id)
	}
	for id := range skillRisk {
		out = append(out, id)
	}
	return out
}
