package model

// AgentState is the mutable state shared by reference across all tool
// invocations and agent iterations within one run. It is owned by a single
// workflow instance; the loop's sequential step structure guarantees no two
// tool calls mutate it concurrently.
type AgentState struct {
	// Summary stays empty until the agent emits the task summary marker.
	// A non-empty summary is the loop's sole termination signal.
	Summary string

	// Files accumulates every file the agent wrote, keyed by path.
	// The map never shrinks within a run; last write wins per path.
	Files map[string]string
}

func NewAgentState() *AgentState {
	return &AgentState{
		Files: map[string]string{},
	}
}

// MergeFiles folds a batch of writes into the accumulated file state.
func (s *AgentState) MergeFiles(files map[string]string) {
	if s.Files == nil {
		s.Files = map[string]string{}
	}
	for path, content := range files {
		s.Files[path] = content
	}
}

// Done reports whether the agent has declared the task complete.
func (s *AgentState) Done() bool {
	return s.Summary != ""
}
