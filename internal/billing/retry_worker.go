package billing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryDequeuer is the consuming side of the deferred-event queue.
type RetryDequeuer interface {
	Dequeue(ctx context.Context, timeout time.Duration) ([]byte, int, error)
}

// RunRetryWorker drains deferred events until the context is cancelled.
// Events are paced by the configured retry interval so a linkage race has
// time to settle between attempts.
func (s *StripeService) RunRetryWorker(ctx context.Context, dq RetryDequeuer) {
	interval := s.Config.Billing.RetryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, attempt, err := dq.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Logger.Error("billing retry dequeue failed", zap.Error(err))
			sleepCtx(ctx, interval)
			continue
		}
		if payload == nil {
			continue
		}

		sleepCtx(ctx, interval)
		if err := s.ProcessRetry(ctx, payload, attempt); err != nil {
			s.Logger.Error("billing event retry failed", zap.Error(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
