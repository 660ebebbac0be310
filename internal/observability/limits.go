// Package observability carries the logging side of limit enforcement:
// allow/deny accounting and the alerts the billing team watches.
package observability

import (
	"sync"

	"go.uber.org/zap"
)

type LimitObserver struct {
	logger *zap.Logger

	mu         sync.Mutex
	denyCounts map[string]int64
	warned80   map[string]bool
}

func NewLimitObserver(logger *zap.Logger) *LimitObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LimitObserver{
		logger:     logger,
		denyCounts: make(map[string]int64),
		warned80:   make(map[string]bool),
	}
}

func (o *LimitObserver) RecordAllow(orgID string, action string, used int, limit int) {
	if o == nil {
		return
	}
	utilization := 0.0
	if limit > 0 {
		utilization = float64(used) / float64(limit)
	}
	o.logger.Info("limits allow",
		zap.String("org_id", orgID),
		zap.String("action", action),
		zap.Int("used", used),
		zap.Int("limit", limit),
		zap.Float64("utilization", utilization),
	)

	if utilization >= 0.8 {
		o.mu.Lock()
		alreadyWarned := o.warned80[orgID]
		if !alreadyWarned {
			o.warned80[orgID] = true
		}
		o.mu.Unlock()
		if !alreadyWarned {
			o.logger.Warn("limits utilization above threshold",
				zap.String("org_id", orgID),
				zap.Float64("threshold", 0.80),
				zap.Int("used", used),
				zap.Int("limit", limit),
			)
		}
	}
}

func (o *LimitObserver) RecordDeny(orgID string, reason string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.denyCounts[orgID]++
	count := o.denyCounts[orgID]
	o.mu.Unlock()

	o.logger.Info("limits deny",
		zap.String("org_id", orgID),
		zap.String("reason", reason),
		zap.Int64("count", count),
	)

	// Alert hook for repeated deny spikes from a single org.
	if count%10 == 0 {
		o.logger.Warn("limits repeated denials",
			zap.String("org_id", orgID),
			zap.String("reason", reason),
			zap.Int64("repeated_deny_count", count),
		)
	}
}

// RecordFailure logs an evaluation failure that the gate's failure policy
// resolved instead of surfacing to the caller.
func (o *LimitObserver) RecordFailure(orgID string, failOpen bool, err error) {
	if o == nil {
		return
	}
	o.logger.Error("limits evaluation failed",
		zap.String("org_id", orgID),
		zap.Bool("fail_open", failOpen),
		zap.Error(err),
	)
}
