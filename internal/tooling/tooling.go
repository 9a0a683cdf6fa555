// Package tooling manages the function tools the proxy executes on behalf of
// the model.
package tooling

import (
	"context"
	"fmt"
	"sync"

	"github.com/rayneo/liveai-proxy/internal/genai"
)

// Tool is an executable function the model can call.
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Declaration returns the schema advertised to the model.
	Declaration() genai.FunctionDeclaration

	// Execute runs the tool. The returned map becomes the function
	// response payload.
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry manages available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// Declarations returns the schemas of all registered tools for session setup.
func (r *Registry) Declarations() []genai.FunctionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decls := make([]genai.FunctionDeclaration, 0, len(r.tools))
	for _, tool := range r.tools {
		decls = append(decls, tool.Declaration())
	}
	return decls
}

// List returns names of all registered tools.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Execute runs one function call against the registry. Failures are folded
// into the response payload so the model always receives an answer for every
// call ID it issued.
func (r *Registry) Execute(ctx context.Context, call genai.FunctionCall) genai.FunctionResponse {
	resp := genai.FunctionResponse{ID: call.ID, Name: call.Name}

	tool, ok := r.Get(call.Name)
	if !ok {
		resp.Response = map[string]any{"error": fmt.Sprintf("unknown tool %s", call.Name)}
		return resp
	}

	result, err := tool.Execute(ctx, call.Args)
	if err != nil {
		resp.Response = map[string]any{"error": err.Error()}
		return resp
	}
	resp.Response = result
	return resp
}
