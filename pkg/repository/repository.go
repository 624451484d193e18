package repository

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"vibegen/pkg/model"
)

var (
	// ErrQuotaExceeded is returned by ConsumeQuota when the identity has no
	// points left in the active window. The counter is not mutated.
	ErrQuotaExceeded = goerr.New("quota exceeded")

	// ErrMessageNotFound is returned when a message lookup misses.
	ErrMessageNotFound = goerr.New("message not found")
)

// Repository defines the persistence contracts used by the orchestration core.
type Repository interface {
	// CreateMessage saves a single message without a fragment
	CreateMessage(ctx context.Context, msg *model.Message) error

	// ListRecentMessages retrieves up to limit messages of a project,
	// newest first
	ListRecentMessages(ctx context.Context, projectID model.ProjectID, limit int) ([]*model.Message, error)

	// SaveResult saves a RESULT message and its fragment atomically.
	// Either both records are committed or neither is.
	SaveResult(ctx context.Context, msg *model.Message, fragment *model.Fragment) error

	// GetQuota retrieves the quota record for an identity, nil if none exists
	GetQuota(ctx context.Context, userID string) (*model.QuotaRecord, error)

	// ConsumeQuota atomically adds cost to the identity's consumed points.
	// A missing or expired window starts fresh from now. When consuming would
	// exceed allotment it returns ErrQuotaExceeded without mutating anything.
	ConsumeQuota(ctx context.Context, userID string, cost, allotment int, window time.Duration) (*model.QuotaRecord, error)

	// GetStep returns the memoized result of a durable step, if recorded
	GetStep(ctx context.Context, runID model.RunID, name string) ([]byte, bool, error)

	// PutStep records the result of a completed durable step
	PutStep(ctx context.Context, runID model.RunID, name string, result []byte) error
}
