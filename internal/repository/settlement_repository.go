package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
)

type SettlementRepository struct {
	db *sql.DB
}

func NewSettlementRepository(db *sql.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

func (r *SettlementRepository) CreateSettlement(ctx context.Context, rec *models.SettlementRecord) (*models.SettlementRecord, bool, error) {
	checkpoint, err := json.Marshal(rec.Checkpoint)
	if err != nil {
		return nil, false, err
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO settlements (auction_id, winning_hold_id, winning_bid_id, winner_id, capture_amount,
			losing_hold_ids, status, checkpoint, failure_reason, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (auction_id) DO NOTHING
	`, rec.AuctionID, rec.WinningHoldID, rec.WinningBidID, rec.WinnerID, rec.CaptureAmount,
		pq.Array(rec.LosingHoldIDs), rec.Status, checkpoint, rec.FailureReason, rec.CreatedAt, rec.UpdatedAt,
		rec.CompletedAt)
	if err != nil {
		return nil, false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	stored, err := r.GetSettlement(ctx, rec.AuctionID)
	if err != nil {
		return nil, false, err
	}
	return stored, affected == 1, nil
}

func (r *SettlementRepository) GetSettlement(ctx context.Context, auctionID string) (*models.SettlementRecord, error) {
	var (
		rec        models.SettlementRecord
		winning    sql.NullString
		losing     []string
		checkpoint []byte
		completed  sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT auction_id, winning_hold_id, winning_bid_id, winner_id, capture_amount, losing_hold_ids,
			status, checkpoint, failure_reason, created_at, updated_at, completed_at
		FROM settlements WHERE auction_id = $1
	`, auctionID).Scan(&rec.AuctionID, &winning, &rec.WinningBidID, &rec.WinnerID, &rec.CaptureAmount,
		pq.Array(&losing), &rec.Status, &checkpoint, &rec.FailureReason, &rec.CreatedAt, &rec.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}

	if winning.Valid {
		rec.WinningHoldID = &winning.String
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	rec.LosingHoldIDs = losing
	if err := json.Unmarshal(checkpoint, &rec.Checkpoint); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveSettlement writes progress. The status guard keeps a COMPLETE record from being overwritten.
func (r *SettlementRepository) SaveSettlement(ctx context.Context, rec *models.SettlementRecord) error {
	checkpoint, err := json.Marshal(rec.Checkpoint)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE settlements
		SET losing_hold_ids = $1, status = $2, checkpoint = $3, failure_reason = $4,
			updated_at = $5, completed_at = $6
		WHERE auction_id = $7 AND status <> $8
	`, pq.Array(rec.LosingHoldIDs), rec.Status, checkpoint, rec.FailureReason, rec.UpdatedAt,
		rec.CompletedAt, rec.AuctionID, models.SettlementComplete)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := r.GetSettlement(ctx, rec.AuctionID); err != nil {
			return err
		}
		return models.ErrStaleWrite
	}
	return nil
}
