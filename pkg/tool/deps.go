package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"vibegen/pkg/adapter"
	"vibegen/pkg/model"
	"vibegen/pkg/step"
)

// Deps contains the per-run resources shared by all tools: the run's agent
// state, the sandbox attach function and the durable step runner. Tool calls
// within a run never interleave, so State needs no locking here.
type Deps struct {
	State   *model.AgentState
	Connect func(ctx context.Context) (adapter.SandboxSession, error)
	Runner  *step.Runner

	mu   sync.Mutex
	seen map[string]int
}

// NewDeps bundles the shared tool resources for one run
func NewDeps(state *model.AgentState, connect func(ctx context.Context) (adapter.SandboxSession, error), runner *step.Runner) *Deps {
	return &Deps{
		State:   state,
		Connect: connect,
		Runner:  runner,
		seen:    make(map[string]int),
	}
}

// stepName derives a unique, replay-stable durable-step name for a tool call
// from the tool name and its arguments. Repeated identical calls get an
// occurrence suffix so each invocation is memoized independently.
func (d *Deps) stepName(name string, args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte(fmt.Sprint(args))
	}
	sum := sha256.Sum256(encoded)
	key := fmt.Sprintf("tool:%s:%s", name, hex.EncodeToString(sum[:6]))

	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.seen[key]
	d.seen[key] = n + 1
	if n == 0 {
		return key
	}
	return fmt.Sprintf("%s#%d", key, n)
}

// textResult wraps a tool's textual outcome in the function response shape
// the agent loop feeds back to the model.
func textResult(name, text string) *genai.FunctionResponse {
	return &genai.FunctionResponse{
		Name:     name,
		Response: map[string]any{"result": text},
	}
}
