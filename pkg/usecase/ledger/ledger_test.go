package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"

	"vibegen/pkg/repository"
	"vibegen/pkg/usecase/ledger"
)

// stubResolver returns a fixed allotment for every identity.
type stubResolver struct {
	points int
}

func (s *stubResolver) Points(ctx context.Context, userID string) (int, error) {
	return s.points, nil
}

func TestGetStatusFreshIdentity(t *testing.T) {
	ctx := context.Background()
	quota := ledger.New(repository.NewMemory(), &stubResolver{points: 2})

	status, err := quota.GetStatus(ctx, "user-1")
	gt.NoError(t, err)
	gt.V(t, status.RemainingPoints).Equal(2)
	gt.V(t, status.ConsumedPoints).Equal(0)
	gt.True(t, status.MSBeforeNext > 0)
}

func TestConsumeDecrements(t *testing.T) {
	ctx := context.Background()
	quota := ledger.New(repository.NewMemory(), &stubResolver{points: 2})

	gt.NoError(t, quota.Consume(ctx, "user-1"))

	status, err := quota.GetStatus(ctx, "user-1")
	gt.NoError(t, err)
	gt.V(t, status.RemainingPoints).Equal(1)
	gt.V(t, status.ConsumedPoints).Equal(1)
}

func TestConsumeBeyondAllotment(t *testing.T) {
	ctx := context.Background()
	quota := ledger.New(repository.NewMemory(), &stubResolver{points: 2})

	gt.NoError(t, quota.Consume(ctx, "user-1"))
	gt.NoError(t, quota.Consume(ctx, "user-1"))

	err := quota.Consume(ctx, "user-1")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, ledger.ErrQuotaExceeded))

	// The failed consumption leaves the counter untouched.
	status, err := quota.GetStatus(ctx, "user-1")
	gt.NoError(t, err)
	gt.V(t, status.ConsumedPoints).Equal(2)
	gt.V(t, status.RemainingPoints).Equal(0)
}

func TestConsumeRequiresIdentity(t *testing.T) {
	ctx := context.Background()
	quota := ledger.New(repository.NewMemory(), &stubResolver{points: 2})

	err := quota.Consume(ctx, "")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, ledger.ErrUnauthenticated))

	_, err = quota.GetStatus(ctx, "")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, ledger.ErrUnauthenticated))
}

func TestConsumeIsolatedPerIdentity(t *testing.T) {
	ctx := context.Background()
	quota := ledger.New(repository.NewMemory(), &stubResolver{points: 1})

	gt.NoError(t, quota.Consume(ctx, "user-a"))
	gt.Error(t, quota.Consume(ctx, "user-a"))

	// Another identity has its own counter.
	gt.NoError(t, quota.Consume(ctx, "user-b"))
}

func TestConcurrentConsumeNeverOvershoots(t *testing.T) {
	ctx := context.Background()
	const allotment = 10
	quota := ledger.New(repository.NewMemory(), &stubResolver{points: allotment})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < allotment*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := quota.Consume(ctx, "user-1"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	gt.V(t, succeeded).Equal(allotment)

	status, err := quota.GetStatus(ctx, "user-1")
	gt.NoError(t, err)
	gt.V(t, status.ConsumedPoints).Equal(allotment)
	gt.V(t, status.RemainingPoints).Equal(0)
}
