package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Member struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"` // "admin", "staff"
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) AddMember(ctx context.Context, orgID, email, role string) (Member, error) {
	member := Member{
		ID:    uuid.NewString(),
		OrgID: orgID,
		Email: email,
		Role:  role,
	}
	if member.Role == "" {
		member.Role = "staff"
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO org_members (id, org_id, email, role)
		VALUES ($1, $2, lower($3), $4)
		RETURNING created_at
	`, member.ID, member.OrgID, member.Email, member.Role)
	if err := row.Scan(&member.CreatedAt); err != nil {
		return Member{}, err
	}
	return member, nil
}

// CountMembers is a live count of membership rows; there is no cached member
// count on the organization row to keep in sync.
func (s *Store) CountMembers(ctx context.Context, orgID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM org_members WHERE org_id = $1`, orgID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListMembers(ctx context.Context, orgID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, email, role, created_at
		FROM org_members
		WHERE org_id = $1
		ORDER BY created_at ASC
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.OrgID, &m.Email, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
