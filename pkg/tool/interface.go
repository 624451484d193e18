package tool

import (
	"context"

	"google.golang.org/genai"
)

// Tool represents a capability that can be called by the coding agent
type Tool interface {
	// Spec returns the tool specification for Gemini function calling
	Spec() *genai.Tool

	// Execute runs the tool with the given function call and returns the
	// response. Execution failures inside the sandbox are reported as textual
	// results, not errors, so the model can react to them inline.
	Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error)
}
