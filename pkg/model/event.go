package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type RunID string

// NewRunID generates a new unique RunID
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// CodeAgentRunEvent is the inbound event that triggers one orchestrator run.
type CodeAgentRunEvent struct {
	RunID           RunID     `json:"runId"`
	Value           string    `json:"value"`
	ProjectID       ProjectID `json:"projectId"`
	UserID          string    `json:"userId"`
	EffectivePoints int       `json:"effectivePoints"`
}

// Validate checks the event carries everything a run needs.
func (e *CodeAgentRunEvent) Validate() error {
	if e.UserID == "" {
		return goerr.New("userId is required")
	}
	if e.ProjectID == "" {
		return goerr.New("projectId is required")
	}
	if e.Value == "" {
		return goerr.New("value is required")
	}
	return nil
}

type TerminalStatus string

const (
	StatusCompleted TerminalStatus = "completed"
	StatusError     TerminalStatus = "error"
)

// TerminalEvent is the single completed/error notification published per run
// on the requesting identity's channel. Transient, never persisted.
type TerminalEvent struct {
	ProjectID  ProjectID      `json:"projectId"`
	Status     TerminalStatus `json:"status"`
	Message    string         `json:"message"`
	FragmentID FragmentID     `json:"fragmentId,omitempty"`
	MessageID  MessageID      `json:"messageId,omitempty"`
	SandboxURL string         `json:"sandboxUrl,omitempty"`
	Title      string         `json:"title,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewErrorEvent builds an error terminal for the given project.
func NewErrorEvent(projectID ProjectID, message string) *TerminalEvent {
	return &TerminalEvent{
		ProjectID: projectID,
		Status:    StatusError,
		Message:   message,
		Timestamp: time.Now(),
	}
}
