package generate

import (
	"context"

	"google.golang.org/genai"

	"vibegen/pkg/model"
	"vibegen/pkg/utils/logging"
)

// maxIterations bounds the agent loop regardless of convergence.
const maxIterations = 15

// route decides whether the loop should keep running the coding agent.
// It is a pure function of the shared state: a non-empty summary stops the
// loop.
func route(state *model.AgentState) bool {
	return !state.Done()
}

// runNetwork iterates the coding agent against the shared state until the
// router stops it or the iteration cap is reached. Reaching the cap with no
// summary is not an error here; the empty summary is classified downstream.
// It returns the number of iterations executed.
func runNetwork(ctx context.Context, agent *codeAgent, state *model.AgentState, contents []*genai.Content) (int, error) {
	iterations := 0

	for i := 0; i < maxIterations; i++ {
		if !route(state) {
			break
		}

		iterations++
		next, err := agent.run(ctx, state, contents)
		if err != nil {
			return iterations, err
		}
		contents = next

		logging.From(ctx).Debug("agent iteration finished",
			"iteration", iterations, "files", len(state.Files), "done", state.Done())
	}

	return iterations, nil
}
