package store

import (
	"context"
	"database/sql"
	"errors"
)

// InsertWebhookEventIfAbsent records a provider event id for deduplication.
// Returns (inserted, existingStatus): a replayed event is not inserted and
// carries the status of the original delivery.
func (s *Store) InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, external_event_id, event_type, payload_hash, status)
		VALUES ($1, $2, $3, $4, 'received')
		ON CONFLICT (provider, external_event_id) DO NOTHING
	`, provider, eventID, eventType, payloadHash)
	if err != nil {
		return false, "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if affected > 0 {
		return true, "", nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT status FROM webhook_events WHERE provider = $1 AND external_event_id = $2
	`, provider, eventID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Row vanished between the insert and the read; treat as new.
			return true, "", nil
		}
		return false, "", err
	}
	return false, status, nil
}

func (s *Store) UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $3, detail = $4, updated_at = now()
		WHERE provider = $1 AND external_event_id = $2
	`, provider, eventID, status, detail)
	return err
}
