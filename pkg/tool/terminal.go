package tool

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"

	"vibegen/pkg/step"
)

// Terminal runs shell commands inside the run's sandbox session.
type Terminal struct {
	deps *Deps
}

// NewTerminal creates the terminal tool
func NewTerminal(deps *Deps) *Terminal {
	return &Terminal{deps: deps}
}

func (t *Terminal) Spec() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        "terminal",
				Description: "Use the terminal to run commands in the sandbox",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"command": {
							Type:        genai.TypeString,
							Description: "Shell command to execute",
						},
					},
					Required: []string{"command"},
				},
			},
		},
	}
}

func (t *Terminal) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	command, ok := fc.Args["command"].(string)
	if !ok || command == "" {
		return nil, goerr.New("terminal requires a command argument")
	}

	result, err := step.Run(ctx, t.deps.Runner, t.deps.stepName(fc.Name, fc.Args), func(ctx context.Context) (string, error) {
		session, err := t.deps.Connect(ctx)
		if err != nil {
			// The model always receives a string, never an exception.
			return fmt.Sprintf("Command failed: %v", err), nil
		}

		res, err := session.RunCommand(ctx, command)
		if err != nil {
			return fmt.Sprintf("Command failed: %v", err), nil
		}
		if res.ExitCode != 0 {
			return fmt.Sprintf("Command failed with exit code %d\nstdout: %s\nstderr: %s",
				res.ExitCode, res.Stdout, res.Stderr), nil
		}

		return res.Stdout, nil
	})
	if err != nil {
		return nil, err
	}

	return textResult(fc.Name, result), nil
}
