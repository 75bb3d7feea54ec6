package guardrails

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aymenfurter/toolgate/internal/policy"
)

// Store owns the guardrail configuration. Mutations are serialized by a
// per-store mutex; each one persists the JSON file, recompiles the policy
// document, atomically swaps the engine, and rewrites the YAML companion.
// Reads resolve against the current engine snapshot without locking, so a
// concurrent mutation never corrupts an in-flight decision.
type Store struct {
	mu       sync.Mutex
	path     string
	yamlPath string
	cfg      *Config
	engine   atomic.Pointer[policy.Engine]
	logger   *slog.Logger
}

// Open loads the JSON configuration at path, or starts with defaults when
// the file is missing or malformed. Guardrail configuration problems must
// never take the runtime down, so parse failures are logged and swallowed.
func Open(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:     path,
		yamlPath: yamlCompanionPath(path),
		logger:   logger.With("component", "guardrails"),
	}

	cfg := DefaultConfig()
	if data, err := os.ReadFile(path); err == nil {
		loaded := DefaultConfig()
		if err := json.Unmarshal(data, loaded); err != nil {
			s.logger.Error("failed to parse guardrail config, starting with defaults",
				"path", path, "error", err)
		} else if err := loaded.Normalize(); err != nil {
			s.logger.Error("invalid guardrail config, starting with defaults",
				"path", path, "error", err)
		} else {
			cfg = loaded
		}
	} else if !os.IsNotExist(err) {
		s.logger.Error("failed to read guardrail config, starting with defaults",
			"path", path, "error", err)
	}

	s.cfg = cfg
	s.rebuildLocked()
	return s
}

func yamlCompanionPath(jsonPath string) string {
	ext := filepath.Ext(jsonPath)
	if ext == "" {
		return jsonPath + ".yaml"
	}
	return strings.TrimSuffix(jsonPath, ext) + ".yaml"
}

// Config returns a deep copy of the current configuration.
func (s *Store) Config() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Engine returns the current engine snapshot.
func (s *Store) Engine() *policy.Engine {
	return s.engine.Load()
}

// Document returns the currently compiled policy document snapshot.
func (s *Store) Document() *policy.Document {
	return s.engine.Load().Document()
}

// Update applies a mutation to a clone of the configuration, validates it,
// persists both representations, and swaps in a freshly compiled engine. A
// failed mutation leaves the store untouched.
func (s *Store) Update(mutate func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	if err := next.Normalize(); err != nil {
		return err
	}

	s.cfg = next
	s.persistLocked()
	s.rebuildLocked()
	return nil
}

// rebuildLocked compiles the configuration and swaps the engine pointer.
// In-flight resolvers keep the snapshot they loaded.
func (s *Store) rebuildLocked() {
	doc := Compile(s.cfg)
	s.engine.Store(policy.NewEngine(doc))
	s.writeYAMLLocked(doc)
}

// persistLocked writes the JSON file. Persistence failures are logged, not
// returned: the in-memory state is already consistent and callers cannot
// do anything useful with a disk error here.
func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		s.logger.Error("failed to marshal guardrail config", "error", err)
		return
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o600); err != nil {
		s.logger.Error("failed to write guardrail config", "path", s.path, "error", err)
	}
}

func (s *Store) writeYAMLLocked(doc *policy.Document) {
	if s.yamlPath == "" {
		return
	}
	data, err := doc.Marshal()
	if err != nil {
		s.logger.Error("failed to marshal policy document", "error", err)
		return
	}
	if err := os.WriteFile(s.yamlPath, data, 0o600); err != nil {
		s.logger.Error("failed to write policy yaml", "path", s.yamlPath, "error", err)
	}
}

// SetEnabled flips the master switch.
func (s *Store) SetEnabled(enabled bool) error {
	return s.Update(func(c *Config) error {
		c.HITLEnabled = enabled
		return nil
	})
}

// SetDefaultAction sets the global fallback strategy.
func (s *Store) SetDefaultAction(raw string) error {
	return s.Update(func(c *Config) error {
		strategy, err := policy.ParseStrategy(raw)
		if err != nil {
			return err
		}
		c.DefaultAction = strategy
		return nil
	})
}

// SetDefaultChannel sets the channel used when none is specified.
func (s *Store) SetDefaultChannel(channel policy.Channel) error {
	return s.Update(func(c *Config) error {
		if !channel.Valid() {
			return fmt.Errorf("unknown channel %q", channel)
		}
		c.DefaultChannel = channel
		return nil
	})
}

// SetPhoneNumber sets the PITL verification target.
func (s *Store) SetPhoneNumber(number string) error {
	return s.Update(func(c *Config) error {
		c.PhoneNumber = strings.TrimSpace(number)
		return nil
	})
}

// SetContextDefault sets the catch-all strategy for one context.
func (s *Store) SetContextDefault(ctx policy.Context, raw string) error {
	return s.Update(func(c *Config) error {
		strategy, err := policy.ParseStrategy(raw)
		if err != nil {
			return err
		}
		c.ContextDefaults[ctx] = strategy
		return nil
	})
}

// SetToolPolicy sets one cell of the context x tool strategy table.
func (s *Store) SetToolPolicy(ctx policy.Context, tool, raw string) error {
	return s.Update(func(c *Config) error {
		strategy, err := policy.ParseStrategy(raw)
		if err != nil {
			return err
		}
		if c.ToolPolicies[ctx] == nil {
			c.ToolPolicies[ctx] = map[string]policy.Strategy{}
		}
		c.ToolPolicies[ctx][tool] = strategy
		return nil
	})
}

// RemoveToolPolicy deletes one cell of the tool policy table.
func (s *Store) RemoveToolPolicy(ctx policy.Context, tool string) error {
	return s.Update(func(c *Config) error {
		delete(c.ToolPolicies[ctx], tool)
		return nil
	})
}

// AddModelColumn registers a model for per-model overrides, seeding its
// policies from the balanced posture for its tier.
func (s *Store) AddModelColumn(model string) error {
	return s.Update(func(c *Config) error {
		for _, existing := range c.ModelColumns {
			if existing == model {
				return nil
			}
		}
		c.ModelColumns = append(c.ModelColumns, model)
		if c.ModelPolicies == nil {
			c.ModelPolicies = map[string]map[policy.Context]map[string]policy.Strategy{}
		}
		c.ModelPolicies[model] = presetToolPolicies(EffectivePreset(PresetBalanced, TierOf(model)))
		return nil
	})
}

// RemoveModelColumn drops a model column and its policies.
func (s *Store) RemoveModelColumn(model string) error {
	return s.Update(func(c *Config) error {
		kept := c.ModelColumns[:0]
		for _, existing := range c.ModelColumns {
			if existing != model {
				kept = append(kept, existing)
			}
		}
		c.ModelColumns = kept
		delete(c.ModelPolicies, model)
		return nil
	})
}

// SetModelPolicy sets one cell of a model's context x tool table.
func (s *Store) SetModelPolicy(model string, ctx policy.Context, tool, raw string) error {
	return s.Update(func(c *Config) error {
		strategy, err := policy.ParseStrategy(raw)
		if err != nil {
			return err
		}
		found := false
		for _, existing := range c.ModelColumns {
			if existing == model {
				found = true
				break
			}
		}
		if !found {
			c.ModelColumns = append(c.ModelColumns, model)
		}
		if c.ModelPolicies == nil {
			c.ModelPolicies = map[string]map[policy.Context]map[string]policy.Strategy{}
		}
		if c.ModelPolicies[model] == nil {
			c.ModelPolicies[model] = map[policy.Context]map[string]policy.Strategy{}
		}
		if c.ModelPolicies[model][ctx] == nil {
			c.ModelPolicies[model][ctx] = map[string]policy.Strategy{}
		}
		c.ModelPolicies[model][ctx][tool] = strategy
		return nil
	})
}

// UpsertRule adds or replaces a legacy rule by id.
func (s *Store) UpsertRule(rule Rule) error {
	return s.Update(func(c *Config) error {
		for i := range c.Rules {
			if c.Rules[i].ID == rule.ID {
				c.Rules[i] = rule
				return nil
			}
		}
		c.Rules = append(c.Rules, rule)
		return nil
	})
}

// DeleteRule removes a legacy rule by id.
func (s *Store) DeleteRule(id string) error {
	return s.Update(func(c *Config) error {
		kept := c.Rules[:0]
		for _, rule := range c.Rules {
			if rule.ID != id {
				kept = append(kept, rule)
			}
		}
		c.Rules = kept
		return nil
	})
}

// ApplyPreset overwrites context defaults and tool policies with a named
// preset and refreshes every model column through the tier map.
func (s *Store) ApplyPreset(name string) error {
	return s.Update(func(c *Config) error {
		preset, err := ParsePreset(name)
		if err != nil {
			return err
		}
		applyPreset(c, preset)
		return nil
	})
}

// SetAllStrategies bulk-rewrites every tool policy cell and context default
// to a single strategy.
func (s *Store) SetAllStrategies(raw string) error {
	return s.Update(func(c *Config) error {
		strategy, err := policy.ParseStrategy(raw)
		if err != nil {
			return err
		}
		for ctx := range c.ContextDefaults {
			c.ContextDefaults[ctx] = strategy
		}
		for _, tools := range c.ToolPolicies {
			for tool := range tools {
				tools[tool] = strategy
			}
		}
		for _, contexts := range c.ModelPolicies {
			for _, tools := range contexts {
				for tool := range tools {
					tools[tool] = strategy
				}
			}
		}
		return nil
	})
}

// PolicyYAML renders the current compiled document for expert editing.
func (s *Store) PolicyYAML() (string, error) {
	data, err := s.Document().Marshal()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetPolicyYAML validates a raw policy document and reverse-compiles it
// into the configuration. Validation failures leave the store untouched
// and surface a human-readable message.
func (s *Store) SetPolicyYAML(raw []byte) error {
	doc, err := policy.ParseDocument(raw)
	if err != nil {
		return fmt.Errorf("invalid policy yaml: %w", err)
	}
	reversed := ReverseCompile(doc)
	return s.Update(func(c *Config) error {
		c.HITLEnabled = reversed.HITLEnabled
		c.DefaultAction = reversed.DefaultAction
		c.DefaultChannel = reversed.DefaultChannel
		c.ContextDefaults = reversed.ContextDefaults
		c.ToolPolicies = reversed.ToolPolicies
		c.ModelColumns = reversed.ModelColumns
		c.ModelPolicies = reversed.ModelPolicies
		c.Rules = reversed.Rules
		return nil
	})
}

// ResolveAction resolves a tool invocation to its strategy against the
// current engine snapshot. Lock-free: writers swap the engine pointer only
// after a successful rebuild.
func (s *Store) ResolveAction(tool, mcpServer string, mode policy.Context, model string) policy.Strategy {
	return s.engine.Load().Resolve(policy.EvalContext{
		Tool:      tool,
		Mode:      mode,
		Model:     model,
		MCPServer: mcpServer,
	})
}

// ResolveChannel picks the HITL channel for a tool invocation: the first
// matching enabled legacy rule that names one, else the default channel.
// When guardrails are disabled the channel is irrelevant and chat is
// returned unconditionally.
func (s *Store) ResolveChannel(tool, mcpServer string, mode policy.Context, model string) policy.Channel {
	s.mu.Lock()
	cfg := s.cfg
	enabled := cfg.HITLEnabled
	channel := cfg.DefaultChannel
	rules := cfg.Rules
	s.mu.Unlock()

	if !enabled {
		return policy.ChannelChat
	}
	if mode == "" {
		mode = policy.ContextInteractive
	}
	// Two passes, mirroring the engine: rules naming the request context
	// first, then rules naming its fallback target.
	if ch := channelFromRules(rules, tool, mcpServer, mode, model); ch != "" {
		return ch
	}
	if target := policy.DefaultContextFallbacks()[mode]; target != "" {
		if ch := channelFromRules(rules, tool, mcpServer, target, model); ch != "" {
			return ch
		}
	}
	if channel == "" {
		return policy.ChannelChat
	}
	return channel
}

func channelFromRules(rules []Rule, tool, mcpServer string, mode policy.Context, model string) policy.Channel {
	for _, rule := range rules {
		if !rule.Enabled || rule.HITLChannel == "" {
			continue
		}
		if ruleMatches(rule, tool, mcpServer, mode, model) {
			return rule.HITLChannel
		}
	}
	return ""
}

func ruleMatches(rule Rule, tool, mcpServer string, mode policy.Context, model string) bool {
	switch rule.Scope {
	case RuleScopeMCP:
		if mcpServer == "" || !patternMatches(rule.Pattern, mcpServer) {
			return false
		}
	default:
		if !patternMatches(rule.Pattern, tool) {
			return false
		}
	}
	if len(rule.Contexts) > 0 {
		found := false
		for _, ctx := range rule.Contexts {
			if ctx == mode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(rule.Models) > 0 {
		if model == "" {
			return false
		}
		found := false
		for _, m := range rule.Models {
			if m == model {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// patternMatches supports exact matches and trailing-* globs, mirroring the
// engine's tool list matching.
func patternMatches(pattern, value string) bool {
	if pattern == value {
		return true
	}
	if strings.HasSuffix(pattern, "*") && len(pattern) > 1 {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return false
}
