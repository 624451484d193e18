package model

import "time"

// QuotaRecord tracks consumed credit points for one identity over a rolling
// window. Mutated only through the repository's atomic consume operation.
type QuotaRecord struct {
	UserID          string
	ConsumedPoints  int
	WindowStart     time.Time
	WindowExpiresAt time.Time
}

// Expired reports whether the window has rolled over at the given instant.
func (r *QuotaRecord) Expired(now time.Time) bool {
	return !r.WindowExpiresAt.After(now)
}

// QuotaStatus is the answer to a quota query.
type QuotaStatus struct {
	RemainingPoints int   `json:"remainingPoints"`
	ConsumedPoints  int   `json:"consumedPoints"`
	MSBeforeNext    int64 `json:"msBeforeNext"`
}
