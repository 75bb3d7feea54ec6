package policy

import (
	"sort"
	"strings"
)

// EvalContext describes a single tool invocation to resolve. Tool is the
// only required field; Mode defaults to interactive.
type EvalContext struct {
	// Tool is the tool name as the session runtime reports it. MCP-scoped
	// identifiers use the mcp:<server> form, skills use skill:<name>.
	Tool string

	// Mode is the execution context driving the agent.
	Mode Context

	// Model is the model identifier for the owning session, if known.
	Model string

	// MCPServer names the model-context-protocol server the call is routed
	// through, when applicable.
	MCPServer string
}

// Engine evaluates requests against a compiled document. It is pure: two
// calls with equal inputs against the same engine return the same strategy,
// and concurrent readers need no synchronization.
type Engine struct {
	doc      *Document
	ordered  []Policy
	fallback map[Context]Context
}

// NewEngine builds an engine over a snapshot of doc. The document is cloned
// so later mutations by the caller cannot affect in-flight resolution.
func NewEngine(doc *Document) *Engine {
	if doc == nil {
		doc = NewDocument("")
	}
	snapshot := doc.Clone()

	ordered := make([]Policy, 0, len(snapshot.Policies))
	for _, p := range snapshot.Policies {
		if p.IsEnabled() {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	fallback := snapshot.ContextFallbacks
	if fallback == nil {
		fallback = map[Context]Context{}
	}

	return &Engine{doc: snapshot, ordered: ordered, fallback: fallback}
}

// Document returns the engine's document snapshot. Callers must treat it as
// read-only.
func (e *Engine) Document() *Document {
	return e.doc
}

// Resolve returns the strategy for the request: the effect of the matching
// policy with the lowest priority number (ties broken by id), consulting
// the request context's fallback target only when no direct policy
// matches, or the document default when nothing matches at all.
func (e *Engine) Resolve(req EvalContext) Strategy {
	if p := e.match(req); p != nil {
		return p.Effect
	}
	return e.doc.Defaults.Effect
}

// ResolvePolicy is Resolve plus the winning policy, or nil when the default
// applied. Used by the store for channel resolution and by admin tooling.
func (e *Engine) ResolvePolicy(req EvalContext) (Strategy, *Policy) {
	if p := e.match(req); p != nil {
		return p.Effect, p
	}
	return e.doc.Defaults.Effect, nil
}

// DefaultChannel returns the document's channel default.
func (e *Engine) DefaultChannel() Channel {
	return e.doc.Defaults.Channel
}

// match resolves in two passes: direct policies for the request mode first,
// and only when none match, policies for the mode's fallback target. A direct
// policy therefore always wins over an inherited one, whatever their
// priorities.
func (e *Engine) match(req EvalContext) *Policy {
	mode := req.Mode
	if mode == "" {
		mode = ContextInteractive
	}
	if p := e.matchMode(req, mode); p != nil {
		return p
	}
	if target, ok := e.fallback[mode]; ok {
		return e.matchMode(req, target)
	}
	return nil
}

// matchMode scans the ordered policies for the first one whose condition
// matches the request under the given mode. ordered is sorted by
// (priority, id); the first match wins.
func (e *Engine) matchMode(req EvalContext, mode Context) *Policy {
	for i := range e.ordered {
		p := &e.ordered[i]
		if e.conditionMatches(p.Condition, req, mode) {
			return p
		}
	}
	return nil
}

func (e *Engine) conditionMatches(c Condition, req EvalContext, mode Context) bool {
	if len(c.Modes) > 0 && !modeMatches(c.Modes, mode) {
		return false
	}
	if len(c.Tools) > 0 && !toolMatches(c.Tools, req) {
		return false
	}
	if len(c.Models) > 0 && !stringListMatches(c.Models, req.Model) {
		return false
	}
	if len(c.MCPServers) > 0 && !stringListMatches(c.MCPServers, req.MCPServer) {
		return false
	}
	return true
}

func modeMatches(modes []Context, mode Context) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}

// toolMatches checks the request tool against a condition tool list. List
// entries may be bare tool names, mcp:<server> identifiers (matched against
// the request's MCP server, not the tool field), skill:<name> identifiers,
// or trailing-* globs.
func toolMatches(tools []string, req EvalContext) bool {
	for _, entry := range tools {
		if entry == "" {
			continue
		}
		if entry == req.Tool {
			return true
		}
		if req.MCPServer != "" && strings.HasPrefix(entry, "mcp:") && entry == "mcp:"+req.MCPServer {
			return true
		}
		if strings.HasSuffix(entry, "*") && len(entry) > 1 {
			if strings.HasPrefix(req.Tool, entry[:len(entry)-1]) {
				return true
			}
		}
	}
	return false
}

func stringListMatches(list []string, value string) bool {
	if value == "" {
		return false
	}
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}
