package model

import (
	"time"

	"github.com/google/uuid"
)

type ProjectID string

type MessageID string

// NewMessageID generates a new unique MessageID
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

type FragmentID string

// NewFragmentID generates a new unique FragmentID
func NewFragmentID() FragmentID {
	return FragmentID(uuid.New().String())
}

type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

type MessageType string

const (
	MessageTypeResult MessageType = "RESULT"
	MessageTypeError  MessageType = "ERROR"
)

// Message is one turn of a project conversation. Immutable once created.
type Message struct {
	ID        MessageID
	ProjectID ProjectID
	Role      Role
	Type      MessageType
	Content   string
	CreatedAt time.Time

	// Fragment is set only on RESULT messages, saved atomically with the message
	Fragment *Fragment `firestore:"-"`
}

// Fragment is the artifact of a successful run: the generated files plus a
// preview URL and a generated title. 1:1 with its owning Message.
type Fragment struct {
	ID         FragmentID
	MessageID  MessageID
	SandboxURL string
	Title      string
	Files      map[string]string
	CreatedAt  time.Time
}

// Project holds the minimal project fields the orchestration core touches.
type Project struct {
	ID        ProjectID
	UserID    string
	Name      string
	UpdatedAt time.Time
}
