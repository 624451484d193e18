package adapter

import (
	"context"
	"time"
)

// SandboxTimeout is the idle deadline applied to a session whenever it is
// created or re-attached.
const SandboxTimeout = 10 * time.Minute

// Sandbox provides ephemeral execution environments for agent runs.
// Create is called once per run; tool invocations re-attach with Connect using
// the memoized id, so Connect must be idempotent and side-effect-free beyond
// refreshing the idle deadline.
type Sandbox interface {
	// Create provisions a new session from the given template and returns its id
	Create(ctx context.Context, template string) (string, error)

	// Connect attaches to an existing session and refreshes its idle deadline
	Connect(ctx context.Context, id string) (SandboxSession, error)
}

// SandboxSession exposes the command/file primitives the agent tools wrap.
type SandboxSession interface {
	// ID returns the opaque session identifier
	ID() string

	// RunCommand executes a shell command, capturing stdout and stderr separately
	RunCommand(ctx context.Context, command string) (*CommandResult, error)

	// WriteFile writes content to path, creating parent directories
	WriteFile(ctx context.Context, path, content string) error

	// ReadFile reads the content of path
	ReadFile(ctx context.Context, path string) (string, error)

	// Host returns the network-reachable address of the given port
	Host(ctx context.Context, port int) (string, error)
}

// CommandResult carries the separated output streams of one command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}
