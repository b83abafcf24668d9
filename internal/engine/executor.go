package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/reach/internal/ir"
)

// ToolCall is one job attempt handed to a tool.
type ToolCall struct {
	RunID       string
	JobID       string
	Scope       string
	NodeID      string
	Tool        string
	Args        ir.Object
	Permissions []string
	Attempt     int
}

// ToolExecutor runs tools. It is the sandbox boundary: the engine never
// calls a tool directly, only through an executor owned by a worker.
//
// A returned *ir.Error with a protocol or security code is a hard failure
// and skips retries; any other error is soft.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (ir.Value, error)
}

// ToolFunc adapts a function to ToolExecutor.
type ToolFunc func(ctx context.Context, call ToolCall) (ir.Value, error)

// Execute calls f.
func (f ToolFunc) Execute(ctx context.Context, call ToolCall) (ir.Value, error) {
	return f(ctx, call)
}

// Registry dispatches calls to per-tool executors.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]ToolExecutor)}
}

// Register binds a tool name to an executor, replacing any earlier one.
func (r *Registry) Register(tool string, exec ToolExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool] = exec
}

// Execute runs the executor registered for call.Tool. An unknown tool is
// a soft error so retry_alternative can move on to another tool.
func (r *Registry) Execute(ctx context.Context, call ToolCall) (ir.Value, error) {
	r.mu.RLock()
	exec, ok := r.tools[call.Tool]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q is not registered", call.Tool)
	}
	return exec.Execute(ctx, call)
}

// StaticExecutor returns a fixed result per tool. Tools without an entry
// echo their arguments.
type StaticExecutor map[string]ir.Value

// Execute implements ToolExecutor.
func (s StaticExecutor) Execute(_ context.Context, call ToolCall) (ir.Value, error) {
	if v, ok := s[call.Tool]; ok {
		return v, nil
	}
	return ir.Obj(ir.O("tool", ir.String(call.Tool)), ir.O("args", call.Args.Clone())), nil
}

// Response is one scripted tool response.
type Response struct {
	Result ir.Value
	Err    error
}

// ScriptedExecutor plays back a sequence of responses, one per call. A
// script keyed by scoped node key ("fetch", "par#001/fetch") wins over one
// keyed by tool name, which keeps parallel branches that share a tool
// independent of worker timing. When a script runs out its last response
// repeats; a call with no script succeeds with an empty object.
type ScriptedExecutor struct {
	mu      sync.Mutex
	scripts map[string][]Response
	calls   map[string]int
}

// NewScriptedExecutor creates an executor from per-tool scripts.
func NewScriptedExecutor(scripts map[string][]Response) *ScriptedExecutor {
	return &ScriptedExecutor{scripts: scripts, calls: make(map[string]int)}
}

// Execute implements ToolExecutor.
func (s *ScriptedExecutor) Execute(_ context.Context, call ToolCall) (ir.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ir.NodeKey(call.Scope, call.NodeID)
	if _, ok := s.scripts[key]; !ok {
		key = call.Tool
	}
	script := s.scripts[key]
	i := s.calls[key]
	s.calls[key] = i + 1
	if len(script) == 0 {
		return ir.Object{}, nil
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	r := script[i]
	return r.Result, r.Err
}

// Calls returns how often the script under key was played.
func (s *ScriptedExecutor) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// resultObject wraps a non-object tool result so node results are always
// objects.
func resultObject(v ir.Value) ir.Object {
	switch v := v.(type) {
	case ir.Object:
		return v
	case nil:
		return ir.Object{}
	}
	return ir.Obj(ir.O("value", v))
}
