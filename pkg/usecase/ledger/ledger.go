// Package ledger meters credit consumption per identity over a rolling window.
package ledger

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"vibegen/pkg/model"
	"vibegen/pkg/repository"
)

const (
	// GenerationCost is the fixed price of one generation request.
	GenerationCost = 1

	// WindowDuration is the rolling window; it starts at first consumption.
	WindowDuration = 30 * 24 * time.Hour
)

var (
	// ErrUnauthenticated is returned when no identity is supplied.
	ErrUnauthenticated = goerr.New("unauthenticated")

	// ErrQuotaExceeded re-exports the repository sentinel for callers that
	// never touch the repository directly.
	ErrQuotaExceeded = repository.ErrQuotaExceeded
)

// AllotmentResolver resolves the identity's point allotment for the window.
type AllotmentResolver interface {
	Points(ctx context.Context, userID string) (int, error)
}

// Ledger answers quota queries and performs atomic consumption.
type Ledger struct {
	repo        repository.Repository
	entitlement AllotmentResolver
}

// New creates a quota ledger
func New(repo repository.Repository, entitlement AllotmentResolver) *Ledger {
	return &Ledger{repo: repo, entitlement: entitlement}
}

// GetStatus reports the identity's remaining and consumed points plus the
// time until the window resets.
func (l *Ledger) GetStatus(ctx context.Context, userID string) (*model.QuotaStatus, error) {
	if userID == "" {
		return nil, goerr.Wrap(ErrUnauthenticated, "user id is required")
	}

	allotment, err := l.entitlement.Points(ctx, userID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve allotment", goerr.V("user_id", userID))
	}

	record, err := l.repo.GetQuota(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if record == nil || record.Expired(now) {
		return &model.QuotaStatus{
			RemainingPoints: allotment,
			ConsumedPoints:  0,
			MSBeforeNext:    WindowDuration.Milliseconds(),
		}, nil
	}

	remaining := allotment - record.ConsumedPoints
	if remaining < 0 {
		remaining = 0
	}

	return &model.QuotaStatus{
		RemainingPoints: remaining,
		ConsumedPoints:  record.ConsumedPoints,
		MSBeforeNext:    record.WindowExpiresAt.Sub(now).Milliseconds(),
	}, nil
}

// Consume atomically charges one generation from the identity's allotment.
// The allotment is resolved per call from the entitlement tier. Exceeding it
// fails with ErrQuotaExceeded and leaves the counter untouched.
func (l *Ledger) Consume(ctx context.Context, userID string) error {
	if userID == "" {
		return goerr.Wrap(ErrUnauthenticated, "user id is required")
	}

	allotment, err := l.entitlement.Points(ctx, userID)
	if err != nil {
		return goerr.Wrap(err, "failed to resolve allotment", goerr.V("user_id", userID))
	}

	if _, err := l.repo.ConsumeQuota(ctx, userID, GenerationCost, allotment, WindowDuration); err != nil {
		return err
	}
	return nil
}
