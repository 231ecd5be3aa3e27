// ABOUTME: Thread-safe registry of agent tool packs used to resolve workflow steps
// ABOUTME: Detects tool collisions, compiles parameter schemas, and fixes each tool's A2A intent

package packs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// IntentPrefix prefixes the A2A intent of every tool invocation.
const IntentPrefix = "execute_tool_"

// QueryTool is the shared free-text tool every pack carries.
const QueryTool = "process_query"

// ErrPackAlreadyRegistered indicates the agent already has a pack.
var ErrPackAlreadyRegistered = errors.New("pack already registered")

// ErrPackNotFound indicates the agent has no pack.
var ErrPackNotFound = errors.New("pack not found")

// ErrToolCollision indicates a tool name already exists in another pack.
var ErrToolCollision = errors.New("tool name collision")

// ErrToolNotFound indicates no pack provides the tool.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolAgentMismatch indicates the tool exists but belongs to another agent.
var ErrToolAgentMismatch = errors.New("tool not provided by agent")

// ErrAmbiguousTool indicates a shared tool was resolved without an agent.
var ErrAmbiguousTool = errors.New("tool is shared by every pack")

// ErrInvalidSchema indicates a tool's parameter schema did not compile.
var ErrInvalidSchema = errors.New("invalid parameter schema")

// ErrInvalidParameters indicates step parameters failed the tool's schema.
var ErrInvalidParameters = errors.New("invalid tool parameters")

// ToolDefinition describes one tool an agent executes.
type ToolDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Tool is a registered tool bound to its owning agent.
type Tool struct {
	Definition ToolDefinition
	Agent      string
	Intent     string

	schema *jsonschema.Schema
}

// ValidateParameters checks params against the tool's schema, if any.
func (t *Tool) ValidateParameters(params map[string]any) error {
	if t.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	inst, err := normalizeJSON(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := t.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidParameters, t.Definition.Name, err)
	}
	return nil
}

// Pack is the set of tools one agent provides.
type Pack struct {
	Agent string
	Tools map[string]*Tool
}

// Registry holds every pack and a global tool index.
type Registry struct {
	mu     sync.RWMutex
	packs  map[string]*Pack
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		packs:  make(map[string]*Pack),
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "packs"),
	}
}

// IntentFor returns the A2A intent for a tool name.
func IntentFor(tool string) string {
	return IntentPrefix + tool
}

// RegisterPack stores agent's tools plus the shared query tool.
func (r *Registry) RegisterPack(agent string, defs []ToolDefinition) error {
	if agent == "" {
		return fmt.Errorf("%w: empty agent name", ErrPackNotFound)
	}

	pack := &Pack{Agent: agent, Tools: make(map[string]*Tool, len(defs)+1)}
	for _, def := range defs {
		if def.Name == "" || def.Name == QueryTool {
			return fmt.Errorf("%w: pack %s declares reserved or empty tool name %q", ErrToolCollision, agent, def.Name)
		}
		if _, dup := pack.Tools[def.Name]; dup {
			return fmt.Errorf("%w: tool '%s' declared twice in pack '%s'", ErrToolCollision, def.Name, agent)
		}
		tool, err := newTool(agent, def)
		if err != nil {
			return err
		}
		pack.Tools[def.Name] = tool
	}
	queryTool, _ := newTool(agent, ToolDefinition{Name: QueryTool, Description: "Answer a free-text user query"})
	pack.Tools[QueryTool] = queryTool

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.packs[agent]; exists {
		return fmt.Errorf("%w: %s", ErrPackAlreadyRegistered, agent)
	}
	for name := range pack.Tools {
		if name == QueryTool {
			continue
		}
		if existing, exists := r.tools[name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by pack '%s'", ErrToolCollision, name, existing.Agent)
		}
	}

	r.packs[agent] = pack
	r.order = append(r.order, agent)
	for name, tool := range pack.Tools {
		if name != QueryTool {
			r.tools[name] = tool
		}
	}

	r.logger.Info("=== PACK REGISTERED ===", "agent", agent, "tools", len(pack.Tools))
	return nil
}

func newTool(agent string, def ToolDefinition) (*Tool, error) {
	tool := &Tool{Definition: def, Agent: agent, Intent: IntentFor(def.Name)}
	if len(def.Parameters) == 0 {
		return tool, nil
	}

	doc, err := normalizeJSON(def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidSchema, def.Name, err)
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + agent + "/" + def.Name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidSchema, def.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidSchema, def.Name, err)
	}
	tool.schema = schema
	return tool, nil
}

// UnregisterPack removes agent's pack and its tools.
func (r *Registry) UnregisterPack(agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pack, ok := r.packs[agent]
	if !ok {
		return false
	}
	for name := range pack.Tools {
		if name != QueryTool {
			delete(r.tools, name)
		}
	}
	delete(r.packs, agent)
	for i, a := range r.order {
		if a == agent {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("=== PACK UNREGISTERED ===", "agent", agent)
	return true
}

// Resolve finds the single pack that provides tool.
func (r *Registry) Resolve(tool string) (*Tool, error) {
	if tool == QueryTool {
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousTool, tool)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, tool)
	}
	return t, nil
}

// ResolveFor finds tool in agent's pack.
func (r *Registry) ResolveFor(agent, tool string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pack, ok := r.packs[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackNotFound, agent)
	}
	if t, ok := pack.Tools[tool]; ok {
		return t, nil
	}
	if owner, ok := r.tools[tool]; ok {
		return nil, fmt.Errorf("%w: %s belongs to %s, not %s", ErrToolAgentMismatch, tool, owner.Agent, agent)
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, tool)
}

// Pack returns agent's pack.
func (r *Registry) Pack(agent string) (*Pack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packs[agent]
	return p, ok
}

// Agents returns agents with packs in registration order.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ToolNames returns agent's tool names sorted, excluding the shared query tool.
func (r *Registry) ToolNames(agent string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pack, ok := r.packs[agent]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(pack.Tools))
	for name := range pack.Tools {
		if name != QueryTool {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// normalizeJSON re-decodes v the way jsonschema expects its documents.
func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
