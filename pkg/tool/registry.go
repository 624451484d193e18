package tool

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

var errToolNotFound = goerr.New("tool not found")

// Registry manages the tools available to the coding agent
type Registry struct {
	tools     map[string]Tool
	toolSpecs []*genai.Tool
}

// New creates a new tool registry with the given tools
func New(tools ...Tool) *Registry {
	r := &Registry{
		tools: make(map[string]Tool),
	}

	for _, t := range tools {
		spec := t.Spec()
		if spec != nil && len(spec.FunctionDeclarations) > 0 {
			r.toolSpecs = append(r.toolSpecs, spec)
			for _, fd := range spec.FunctionDeclarations {
				r.tools[fd.Name] = t
			}
		}
	}

	return r
}

// Specs returns all tool specifications for Gemini function calling
func (r *Registry) Specs() []*genai.Tool {
	return r.toolSpecs
}

// Execute runs the tool with the given function call
func (r *Registry) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	tool, ok := r.tools[fc.Name]
	if !ok {
		return nil, goerr.Wrap(errToolNotFound, "unknown tool", goerr.V("name", fc.Name))
	}

	return tool.Execute(ctx, fc)
}
