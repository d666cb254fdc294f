// Package tools implements the tool registry and the builtin tool surface
// exposed to agents: file operations, sandboxed bash, git, process control,
// self-edit, inter-agent communication, and informational tools.
//
// Tools are registered by name with a JSON-Schema for their parameters.
// Arguments coming from the model are validated against the schema before
// the handler runs, and context parameters (workspace, profile, agent name)
// are injected by property name when the model did not supply them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/chorus/internal/llm"
	"github.com/haasonsaas/chorus/internal/permissions"
	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"
)

// Handler executes one tool call. The returned string is fed back to the
// model verbatim as the tool result; a non-nil error is converted into an
// error result by the caller.
type Handler func(ctx context.Context, inv Invocation) (string, error)

// Definition describes a single registered tool.
type Definition struct {
	Name        string
	Description string

	// Parameters is a JSON-Schema object describing the tool's arguments.
	Parameters json.RawMessage

	Handler Handler

	compiled   *jsonschema.Schema
	required   []string
	properties map[string]propertyMeta
}

// Spec returns the provider-facing description of the tool.
func (d *Definition) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
	}
}

// Invocation carries the validated, context-injected arguments for one call.
type Invocation struct {
	Name string
	Args map[string]any
	Exec ExecContext
}

// ProcessSupervisor is the surface the process tools need from the process
// manager. It is satisfied by process.Supervisor; an interface here keeps
// the import direction tools -> process-free.
type ProcessSupervisor interface {
	Spawn(ctx context.Context, req SpawnRequest) (*models.TrackedProcess, error)
	Kill(ctx context.Context, pid int, grace time.Duration) error
	AddCallbacks(ctx context.Context, pid int, callbacks []*models.Callback) error
	List(agent string) []*models.TrackedProcess
	Get(pid int) (*models.TrackedProcess, bool)
}

// SpawnRequest describes a tracked process to start.
type SpawnRequest struct {
	Command string
	Dir     string
	Agent   string
	Kind    models.ProcessKind

	Callbacks []*models.Callback

	// Context is the natural-language instruction text the callbacks were
	// built from; it is surfaced to hook-spawned branches.
	Context string

	// ModelForHooks overrides the model used by hook-spawned branches.
	ModelForHooks string

	RecursionDepth  int
	SpawnedByBranch int64

	EnvOverrides map[string]string
}

// BranchReporter exposes branch status to the branch_status tool.
type BranchReporter interface {
	StatusReport() string
}

// AgentMessenger delivers fire-and-forget messages between agents by
// spawning a branch in the target agent's channel.
type AgentMessenger interface {
	SpawnAgentBranch(ctx context.Context, targetAgent, message, senderAgent string) error
}

// CallbackBuilder turns natural-language instructions into process callbacks.
type CallbackBuilder func(ctx context.Context, instructions, command string) ([]*models.Callback, error)

// ExecContext is the ambient state injected into tool handlers. Scalar
// fields whose schema property name appears in the context-parameter set
// are also merged into the argument map unless the model supplied them.
type ExecContext struct {
	Workspace  string
	Profile    *permissions.Profile
	AgentName  string
	ChorusHome string
	IsAdmin    bool
	Store      store.Store

	HostExecution bool
	ScopePath     string

	Supervisor     ProcessSupervisor
	Branches       BranchReporter
	Messenger      AgentMessenger
	BuildCallbacks CallbackBuilder

	BranchID int64
	UserID   string

	// HookDepth is the hook recursion depth of the running branch: 0 for
	// user-started branches, n+1 for branches a depth-n hook spawned.
	// Processes spawned here inherit it so chains stay bounded.
	HookDepth int
}

// contextParams are the schema property names filled from ExecContext.
// Required-field validation skips these: the model never provides them.
var contextParams = map[string]bool{
	"workspace":      true,
	"profile":        true,
	"agent_name":     true,
	"chorus_home":    true,
	"is_admin":       true,
	"host_execution": true,
	"scope_path":     true,
	"branch_id":      true,
}

// value returns the context value for a given parameter name. Optional
// fields report false when unset so injection leaves them absent.
func (e ExecContext) value(name string) (any, bool) {
	switch name {
	case "workspace":
		return e.Workspace, true
	case "profile":
		if e.Profile == nil {
			return nil, false
		}
		return e.Profile, true
	case "agent_name":
		return e.AgentName, true
	case "chorus_home":
		if e.ChorusHome == "" {
			return nil, false
		}
		return e.ChorusHome, true
	case "is_admin":
		return e.IsAdmin, true
	case "host_execution":
		return e.HostExecution, true
	case "scope_path":
		if e.ScopePath == "" {
			return nil, false
		}
		return e.ScopePath, true
	case "branch_id":
		if e.BranchID == 0 {
			return nil, false
		}
		return e.BranchID, true
	}
	return nil, false
}

// Registry stores tool definitions by name with thread-safe registration
// and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Definition)}
}

// Register adds a tool, compiling its parameter schema. A tool with the
// same name is replaced.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if err := compileDefinition(def); err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
	return nil
}

// MustRegister is Register for the builtin definitions, whose schemas are
// literals that cannot fail to compile.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Specs returns the provider-facing tool specs for all registered tools.
func (r *Registry) Specs() []llm.ToolSpec {
	defs := r.List()
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, def.Spec())
	}
	return specs
}

// Execute validates args against the tool's schema, injects context
// parameters, and runs the handler.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, exec ExecContext) (string, error) {
	def, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := def.validateArgs(args); err != nil {
		return "", err
	}
	merged := def.injectContext(args, exec)
	return def.Handler(ctx, Invocation{Name: name, Args: merged, Exec: exec})
}

// injectContext fills declared context properties from exec unless the
// model already provided a value of that name. The model's value wins so
// a schema parameter like self_edit_permissions' "profile" (a preset name
// string) is never shadowed by the context profile object.
func (d *Definition) injectContext(args map[string]any, exec ExecContext) map[string]any {
	merged := make(map[string]any, len(args)+4)
	for k, v := range args {
		merged[k] = v
	}
	for name := range d.properties {
		if !contextParams[name] {
			continue
		}
		if _, provided := merged[name]; provided {
			continue
		}
		if v, ok := exec.value(name); ok {
			merged[name] = v
		}
	}
	return merged
}
