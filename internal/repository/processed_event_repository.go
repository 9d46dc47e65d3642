package repository

import (
	"context"
	"database/sql"
)

type ProcessedEventRepository struct {
	db *sql.DB
}

func NewProcessedEventRepository(db *sql.DB) *ProcessedEventRepository {
	return &ProcessedEventRepository{db: db}
}

func (r *ProcessedEventRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_provider_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (r *ProcessedEventRepository) MarkProcessed(ctx context.Context, eventID, holdID, outcome string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_provider_events (event_id, hold_id, outcome)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, holdID, outcome)
	return err
}
