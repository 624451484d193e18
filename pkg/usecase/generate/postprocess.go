package generate

import (
	"context"
	_ "embed"
	"strings"
	"sync"

	"google.golang.org/genai"

	"vibegen/pkg/adapter"
	"vibegen/pkg/utils/logging"
)

//go:embed prompt/title.md
var titlePromptRaw string

//go:embed prompt/response.md
var responsePromptRaw string

// defaultOutput is the fallback when a generator fails or returns something
// that is not plain text.
const defaultOutput = "Fragment"

// generator is a stateless single-shot completion deriving one plain string
// from the agent's final summary.
type generator struct {
	gemini adapter.Gemini
	system string
}

func (g *generator) run(ctx context.Context, summary string) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.system, ""),
	}
	contents := []*genai.Content{
		genai.NewContentFromText(summary, genai.RoleUser),
	}

	resp, err := g.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", err
	}
	return parseOutput(resp), nil
}

// parseOutput flattens a completion into a plain string: when the first part
// of the response is not text the fixed default is used, otherwise all text
// segments are concatenated.
func parseOutput(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return defaultOutput
	}

	parts := resp.Candidates[0].Content.Parts
	if len(parts) == 0 || parts[0].Text == "" {
		return defaultOutput
	}

	var texts []string
	for _, part := range parts {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, ""))
}

// postProcess runs the title and response generators concurrently. Their
// failures are independent: each one only degrades its own output to the
// default string.
func postProcess(ctx context.Context, gemini adapter.Gemini, summary string) (title, response string) {
	titleGen := &generator{gemini: gemini, system: titlePromptRaw}
	responseGen := &generator{gemini: gemini, system: responsePromptRaw}

	title = defaultOutput
	response = defaultOutput

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		out, err := titleGen.run(ctx, summary)
		if err != nil {
			logging.From(ctx).Warn("title generation failed", "error", err)
			return
		}
		title = out
	}()

	go func() {
		defer wg.Done()
		out, err := responseGen.run(ctx, summary)
		if err != nil {
			logging.From(ctx).Warn("response generation failed", "error", err)
			return
		}
		response = out
	}()

	wg.Wait()
	return title, response
}
