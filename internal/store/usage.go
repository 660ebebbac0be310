package store

import (
	"context"
	"time"
)

// IncrementPackageUsage adds one to the org's monthly package counter in a
// single statement. Concurrent package creation for the same org must never
// lose an increment, so the arithmetic happens in the database, not in Go.
func (s *Store) IncrementPackageUsage(ctx context.Context, orgID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET current_month_packages = current_month_packages + 1
		WHERE id = $1
	`, orgID)
	return err
}

// DecrementPackageUsage releases one counted package, floored at zero. Used
// when a package insert is rolled back after the counter was already bumped.
func (s *Store) DecrementPackageUsage(ctx context.Context, orgID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET current_month_packages = GREATEST(current_month_packages - 1, 0)
		WHERE id = $1
	`, orgID)
	return err
}

func (s *Store) ResetMonthlyUsage(ctx context.Context, orgID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET current_month_packages = 0,
		    usage_reset_date = $2
		WHERE id = $1
	`, orgID, now)
	return err
}

// ResetMonthlyUsageIfStale zeroes the counter only when the stored reset date
// falls in a different calendar month (UTC) than now. The month guard lives in
// the WHERE clause so two concurrent rollovers cannot double-apply, and a
// reset racing an increment is ordered by the database rather than by the
// caller. Returns whether this call performed the reset.
func (s *Store) ResetMonthlyUsageIfStale(ctx context.Context, orgID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET current_month_packages = 0,
		    usage_reset_date = $2
		WHERE id = $1
		  AND date_trunc('month', usage_reset_date AT TIME ZONE 'UTC') <> date_trunc('month', $2::timestamptz AT TIME ZONE 'UTC')
	`, orgID, now)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListStaleUsageOrgs returns orgs whose usage window lags behind the current
// calendar month. The offline reconciliation job force-rolls these.
func (s *Store) ListStaleUsageOrgs(ctx context.Context, now time.Time) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+organizationColumns+`
		FROM organizations
		WHERE date_trunc('month', usage_reset_date AT TIME ZONE 'UTC') <> date_trunc('month', $1::timestamptz AT TIME ZONE 'UTC')
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (s *Store) SetCurrentMonthPackages(ctx context.Context, orgID string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET current_month_packages = $2
		WHERE id = $1
	`, orgID, count)
	return err
}

func (s *Store) ListOrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM organizations ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
