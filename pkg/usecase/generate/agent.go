package generate

import (
	"context"
	_ "embed"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"

	"vibegen/pkg/adapter"
	"vibegen/pkg/model"
	"vibegen/pkg/tool"
	"vibegen/pkg/utils/logging"
)

//go:embed prompt/system.md
var systemPromptRaw string

// TaskSummaryMarker brackets the agent's final summary. Its presence in the
// latest assistant text is what flips AgentState.Summary.
const TaskSummaryMarker = "<task_summary>"

// codeAgent drives one completion of the coding agent: a single model call
// with tools followed by execution of any returned function calls.
type codeAgent struct {
	gemini   adapter.Gemini
	registry *tool.Registry
}

func newCodeAgent(gemini adapter.Gemini, registry *tool.Registry) *codeAgent {
	return &codeAgent{gemini: gemini, registry: registry}
}

// run performs one agent iteration, appending the model's content and any
// function responses to contents. After the response, the latest assistant
// text is scanned for the task summary marker; when present it is copied
// verbatim into the shared state.
func (a *codeAgent) run(ctx context.Context, state *model.AgentState, contents []*genai.Content) ([]*genai.Content, error) {
	temperature := float32(0.1)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPromptRaw, ""),
		Temperature:       &temperature,
		Tools:             a.registry.Specs(),
	}

	resp, err := a.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return contents, goerr.Wrap(err, "failed to generate content")
	}

	var lastAssistantText string
	var functionResponses []*genai.Part

	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		contents = append(contents, candidate.Content)

		var texts []string
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}

			if part.FunctionCall != nil {
				funcResp, execErr := a.registry.Execute(ctx, *part.FunctionCall)
				if execErr != nil {
					logging.From(ctx).Warn("tool execution failed",
						"tool", part.FunctionCall.Name, "error", execErr)
					funcResp = &genai.FunctionResponse{
						Name:     part.FunctionCall.Name,
						Response: map[string]any{"error": execErr.Error()},
					}
				}
				functionResponses = append(functionResponses, &genai.Part{FunctionResponse: funcResp})
			}
		}
		if len(texts) > 0 {
			lastAssistantText = strings.Join(texts, "\n")
		}
	}

	if len(functionResponses) > 0 {
		contents = append(contents, &genai.Content{
			Role:  genai.RoleUser,
			Parts: functionResponses,
		})
	}

	// The model may ramble before or after the marker; the full text is kept.
	if lastAssistantText != "" && strings.Contains(lastAssistantText, TaskSummaryMarker) {
		state.Summary = lastAssistantText
	}

	return contents, nil
}
