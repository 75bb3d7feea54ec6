package policy

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wire format constants for the agent-policy/v1 PolicySet document.
const (
	APIVersion    = "agent-policy/v1"
	KindPolicySet = "PolicySet"
)

// Priority band bases. Each band is 10000 counters wide so bands never
// alias: a model+context+tool policy always outranks a context+tool policy,
// which outranks a context default, which outranks a legacy rule.
const (
	BandModel    = 10000
	BandContext  = 20000
	BandDefaults = 30000
	BandRules    = 80000
	BandWidth    = 10000
)

// Condition is a conjunction of optional match lists. Every provided list
// must match for the policy to fire; a missing list matches unconditionally.
type Condition struct {
	Modes      []Context `yaml:"modes,omitempty" json:"modes,omitempty"`
	Tools      []string  `yaml:"tools,omitempty" json:"tools,omitempty"`
	Models     []string  `yaml:"models,omitempty" json:"models,omitempty"`
	MCPServers []string  `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
}

// Empty reports whether the condition has no match lists at all.
func (c Condition) Empty() bool {
	return len(c.Modes) == 0 && len(c.Tools) == 0 && len(c.Models) == 0 && len(c.MCPServers) == 0
}

// Policy is a single compiled rule. Lower priority numbers win.
type Policy struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name,omitempty" json:"name,omitempty"`
	Priority  int       `yaml:"priority" json:"priority"`
	Condition Condition `yaml:"condition" json:"condition"`
	Effect    Strategy  `yaml:"effect" json:"effect"`
	Channel   Channel   `yaml:"channel,omitempty" json:"channel,omitempty"`

	// Enabled defaults to true when omitted from the document.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the policy participates in resolution.
func (p *Policy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Defaults carries the document-level fallbacks.
type Defaults struct {
	// Effect is returned when no policy matches.
	Effect Strategy `yaml:"effect" json:"effect"`

	// Channel is used when a hitl strategy fires without naming one.
	Channel Channel `yaml:"channel" json:"channel"`
}

// Metadata is free-form document identification.
type Metadata struct {
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Document is the compiled, canonical policy set. It is immutable once
// built; the store swaps whole documents rather than mutating in place.
type Document struct {
	APIVersion       string              `yaml:"apiVersion" json:"apiVersion"`
	Kind             string              `yaml:"kind" json:"kind"`
	Metadata         Metadata            `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Defaults         Defaults            `yaml:"defaults" json:"defaults"`
	ContextFallbacks map[Context]Context `yaml:"context_fallbacks,omitempty" json:"context_fallbacks,omitempty"`
	Policies         []Policy            `yaml:"policies" json:"policies"`
}

// NewDocument returns an empty document with wire identifiers and defaults
// filled in.
func NewDocument(name string) *Document {
	return &Document{
		APIVersion: APIVersion,
		Kind:       KindPolicySet,
		Metadata:   Metadata{Name: name},
		Defaults:   Defaults{Effect: StrategyHITL, Channel: ChannelChat},
	}
}

// ParseDocument decodes a YAML policy set. Unknown top-level keys are
// ignored, unknown strategies are rejected, and an omitted enabled field is
// treated as true. Legacy "ask" effects are normalized to hitl.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	if err := doc.normalize(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// normalize validates strategies and channels in place, resolving legacy
// aliases.
func (d *Document) normalize() error {
	if d.APIVersion != "" && d.APIVersion != APIVersion {
		return fmt.Errorf("unsupported apiVersion %q", d.APIVersion)
	}
	d.APIVersion = APIVersion
	if d.Kind != "" && d.Kind != KindPolicySet {
		return fmt.Errorf("unsupported kind %q", d.Kind)
	}
	d.Kind = KindPolicySet

	if d.Defaults.Effect != "" {
		effect, err := ParseStrategy(string(d.Defaults.Effect))
		if err != nil {
			return fmt.Errorf("defaults: %w", err)
		}
		d.Defaults.Effect = effect
	} else {
		d.Defaults.Effect = StrategyAllow
	}
	if d.Defaults.Channel == "" {
		d.Defaults.Channel = ChannelChat
	}
	if !d.Defaults.Channel.Valid() {
		return fmt.Errorf("defaults: unknown channel %q", d.Defaults.Channel)
	}

	for i := range d.Policies {
		p := &d.Policies[i]
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("policy at index %d has no id", i)
		}
		effect, err := ParseStrategy(string(p.Effect))
		if err != nil {
			return fmt.Errorf("policy %s: %w", p.ID, err)
		}
		p.Effect = effect
		if p.Channel != "" && !p.Channel.Valid() {
			return fmt.Errorf("policy %s: unknown channel %q", p.ID, p.Channel)
		}
	}
	return nil
}

// Validate checks document invariants without mutating it.
func (d *Document) Validate() error {
	clone := d.Clone()
	return clone.normalize()
}

// Marshal renders the document as YAML. Output is deterministic: policies
// are sorted by priority then id, and map keys are emitted in sorted order,
// so equal documents produce byte-identical YAML.
func (d *Document) Marshal() ([]byte, error) {
	clone := d.Clone()
	sort.SliceStable(clone.Policies, func(i, j int) bool {
		if clone.Policies[i].Priority != clone.Policies[j].Priority {
			return clone.Policies[i].Priority < clone.Policies[j].Priority
		}
		return clone.Policies[i].ID < clone.Policies[j].ID
	})
	out, err := yaml.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("marshal policy document: %w", err)
	}
	return out, nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	clone := *d
	if d.ContextFallbacks != nil {
		clone.ContextFallbacks = make(map[Context]Context, len(d.ContextFallbacks))
		for k, v := range d.ContextFallbacks {
			clone.ContextFallbacks[k] = v
		}
	}
	clone.Policies = make([]Policy, len(d.Policies))
	for i, p := range d.Policies {
		cp := p
		cp.Condition.Modes = append([]Context(nil), p.Condition.Modes...)
		cp.Condition.Tools = append([]string(nil), p.Condition.Tools...)
		cp.Condition.Models = append([]string(nil), p.Condition.Models...)
		cp.Condition.MCPServers = append([]string(nil), p.Condition.MCPServers...)
		if p.Enabled != nil {
			enabled := *p.Enabled
			cp.Enabled = &enabled
		}
		clone.Policies[i] = cp
	}
	return &clone
}
