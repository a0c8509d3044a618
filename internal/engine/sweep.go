package engine

import (
	"context"
	"time"

	appLog "presenced/internal/log"
	"presenced/internal/model"
)

// Sweeper deletes date-range rules whose end date has passed. Deletion is
// its only effect; the next reconciliation tick picks the change up.
type Sweeper struct {
	repo    Repository
	loc     *time.Location
	timeout time.Duration
	now     func() time.Time
}

// Sweep removes every date-range rule ending strictly before today in the
// configured timezone and returns how many were deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	today := model.DateOf(s.now().In(s.loc))

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	n, err := s.repo.DeleteExpiredBefore(ctx, today)
	if err != nil {
		appLog.Error("sweep: delete expired rules failed", err, "today", today)
		return 0, err
	}
	if n > 0 {
		appLog.Info("sweep: deleted expired rules", "deleted", n, "today", today)
	}
	return n, nil
}
