package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Package struct {
	ID              string
	OrgID           string
	TrackingNumber  string
	Carrier         string
	RecipientName   string
	StorageLocation string
	Status          string // "received", "notified", "picked_up"
	ReceivedAt      time.Time
}

func (s *Store) InsertPackage(ctx context.Context, pkg Package) (string, error) {
	if pkg.ID == "" {
		pkg.ID = uuid.NewString()
	}
	if pkg.Status == "" {
		pkg.Status = "received"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (id, org_id, tracking_number, carrier, recipient_name, storage_location, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
	`, pkg.ID, pkg.OrgID, pkg.TrackingNumber, pkg.Carrier, pkg.RecipientName,
		nullIfEmpty(pkg.StorageLocation), pkg.Status, nullIfZeroTime(pkg.ReceivedAt))
	if err != nil {
		return "", err
	}
	return pkg.ID, nil
}

// CountPackagesInWindow is the authoritative package count for a usage
// window, used by the reconciliation job to repair a drifted counter.
func (s *Store) CountPackagesInWindow(ctx context.Context, orgID string, start, end time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM packages
		WHERE org_id = $1 AND received_at >= $2 AND received_at < $3
	`, orgID, start, end)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListPackages(ctx context.Context, orgID string, limit int) ([]Package, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, tracking_number, carrier, recipient_name, COALESCE(storage_location, ''), status, received_at
		FROM packages
		WHERE org_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID, &p.OrgID, &p.TrackingNumber, &p.Carrier, &p.RecipientName, &p.StorageLocation, &p.Status, &p.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
