package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"vibegen/pkg/model"
)

// Memory is an in-memory Repository for tests and local development.
type Memory struct {
	mu        sync.Mutex
	messages  map[model.MessageID]*model.Message
	fragments map[model.FragmentID]*model.Fragment
	quotas    map[string]*model.QuotaRecord
	steps     map[string][]byte
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		messages:  make(map[model.MessageID]*model.Message),
		fragments: make(map[model.FragmentID]*model.Fragment),
		quotas:    make(map[string]*model.QuotaRecord),
		steps:     make(map[string][]byte),
	}
}

func (r *Memory) CreateMessage(ctx context.Context, msg *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = model.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	clone := *msg
	r.messages[msg.ID] = &clone
	return nil
}

func (r *Memory) ListRecentMessages(ctx context.Context, projectID model.ProjectID, limit int) ([]*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var messages []*model.Message
	for _, msg := range r.messages {
		if msg.ProjectID == projectID {
			messages = append(messages, msg)
		}
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (r *Memory) SaveResult(ctx context.Context, msg *model.Message, fragment *model.Fragment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = model.NewMessageID()
	}
	if fragment.ID == "" {
		fragment.ID = model.NewFragmentID()
	}
	fragment.MessageID = msg.ID
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if fragment.CreatedAt.IsZero() {
		fragment.CreatedAt = now
	}

	msgClone := *msg
	fragClone := *fragment
	msgClone.Fragment = &fragClone
	r.messages[msg.ID] = &msgClone
	r.fragments[fragment.ID] = &fragClone
	return nil
}

// GetMessage retrieves a single message, used by tests to inspect saved state.
func (r *Memory) GetMessage(ctx context.Context, id model.MessageID) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, goerr.Wrap(ErrMessageNotFound, "unknown message", goerr.V("message_id", id))
	}
	return msg, nil
}

// CountFragments returns the number of stored fragments.
func (r *Memory) CountFragments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fragments)
}

func (r *Memory) GetQuota(ctx context.Context, userID string) (*model.QuotaRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.quotas[userID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (r *Memory) ConsumeQuota(ctx context.Context, userID string, cost, allotment int, window time.Duration) (*model.QuotaRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.quotas[userID]
	if !ok {
		record = &model.QuotaRecord{UserID: userID}
	}

	now := time.Now()
	if record.WindowStart.IsZero() || record.Expired(now) {
		record.ConsumedPoints = 0
		record.WindowStart = now
		record.WindowExpiresAt = now.Add(window)
	}

	if record.ConsumedPoints+cost > allotment {
		return nil, goerr.Wrap(ErrQuotaExceeded, "no points left",
			goerr.V("consumed", record.ConsumedPoints), goerr.V("allotment", allotment))
	}

	record.ConsumedPoints += cost
	r.quotas[userID] = record

	clone := *record
	return &clone, nil
}

func (r *Memory) GetStep(ctx context.Context, runID model.RunID, name string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, ok := r.steps[stepDocID(runID, name)]
	return result, ok, nil
}

func (r *Memory) PutStep(ctx context.Context, runID model.RunID, name string, result []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps[stepDocID(runID, name)] = result
	return nil
}
