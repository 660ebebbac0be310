// Package reconcile repairs drift between the cached monthly package
// counter and the authoritative package rows, and rolls usage windows for
// organizations nobody has evaluated since the month turned.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailroom/internal/store"
)

type Service struct {
	Store  *store.Store
	Logger *zap.Logger
	Now    func() time.Time
}

type Report struct {
	CountersRepaired int
	WindowsRolled    int
}

func NewService(st *store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:  st,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Run(ctx context.Context) (Report, error) {
	var report Report
	if s == nil || s.Store == nil {
		return report, nil
	}
	now := s.Now()

	// Roll stale windows first so counter repair below compares against the
	// current month for every organization.
	stale, err := s.Store.ListStaleUsageOrgs(ctx, now)
	if err != nil {
		return report, err
	}
	for _, org := range stale {
		rolled, err := s.Store.ResetMonthlyUsageIfStale(ctx, org.ID, now)
		if err != nil {
			return report, err
		}
		if rolled {
			s.Logger.Info("rolled stale usage window",
				zap.String("org_id", org.ID),
				zap.Time("previous_reset", org.UsageResetDate))
			report.WindowsRolled++
		}
	}

	orgIDs, err := s.Store.ListOrganizationIDs(ctx)
	if err != nil {
		return report, err
	}
	start, end := monthWindow(now)
	for _, orgID := range orgIDs {
		org, err := s.Store.GetOrganization(ctx, orgID)
		if err != nil {
			return report, err
		}
		expected, err := s.Store.CountPackagesInWindow(ctx, orgID, start, end)
		if err != nil {
			return report, err
		}
		if expected != org.CurrentMonthPackages {
			if err := s.Store.SetCurrentMonthPackages(ctx, orgID, expected); err != nil {
				return report, err
			}
			s.Logger.Warn("repaired drifted package counter",
				zap.String("org_id", orgID),
				zap.Int("cached", org.CurrentMonthPackages),
				zap.Int("actual", expected))
			report.CountersRepaired++
		}
	}

	return report, nil
}

func monthWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
