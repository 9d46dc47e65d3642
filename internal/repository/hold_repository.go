package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
)

const captureIndex = "uq_payment_holds_one_capture"

type HoldRepository struct {
	db *sql.DB
}

func NewHoldRepository(db *sql.DB) *HoldRepository {
	return &HoldRepository{db: db}
}

const holdColumns = `id, auction_id, bidder_id, amount, captured_amount, provider_ref, idempotency_key,
	purpose, state, failure_reason, created_at, updated_at`

func scanHold(row rowScanner) (*models.PaymentHold, error) {
	var h models.PaymentHold
	err := row.Scan(&h.ID, &h.AuctionID, &h.BidderID, &h.Amount, &h.CapturedAmount, &h.ProviderRef,
		&h.IdempotencyKey, &h.Purpose, &h.State, &h.FailureReason, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *HoldRepository) InsertHold(ctx context.Context, h *models.PaymentHold) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, h.ID, h.AuctionID, h.BidderID, h.Amount, h.CapturedAmount, h.ProviderRef, h.IdempotencyKey,
		h.Purpose, h.State, h.FailureReason, h.CreatedAt, h.UpdatedAt)
	if isUniqueViolation(err, "") {
		return models.ErrDuplicateKey
	}
	return err
}

func (r *HoldRepository) GetHold(ctx context.Context, holdID string) (*models.PaymentHold, error) {
	return r.getOne(ctx, `SELECT `+holdColumns+` FROM payment_holds WHERE id = $1`, holdID)
}

func (r *HoldRepository) FindHoldByIdempotencyKey(ctx context.Context, key string) (*models.PaymentHold, error) {
	h, err := r.getOne(ctx, `SELECT `+holdColumns+` FROM payment_holds WHERE idempotency_key = $1`, key)
	if errors.Is(err, models.ErrHoldNotFound) {
		return nil, nil
	}
	return h, err
}

func (r *HoldRepository) GetHoldByProviderRef(ctx context.Context, ref string) (*models.PaymentHold, error) {
	return r.getOne(ctx, `SELECT `+holdColumns+` FROM payment_holds WHERE provider_ref = $1`, ref)
}

func (r *HoldRepository) getOne(ctx context.Context, query string, arg string) (*models.PaymentHold, error) {
	h, err := scanHold(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrHoldNotFound
	}
	return h, err
}

func (r *HoldRepository) ListHoldsByAuction(ctx context.Context, auctionID string, purpose models.HoldPurpose) ([]*models.PaymentHold, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+holdColumns+` FROM payment_holds
		WHERE auction_id = $1 AND purpose = $2
		ORDER BY created_at, id
	`, auctionID, purpose)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holds []*models.PaymentHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// TransitionHold is a compare-and-set on state. The partial unique index on captured holds turns a
// second capture for the same auction into ErrCaptureExists.
func (r *HoldRepository) TransitionHold(ctx context.Context, holdID string, from, to models.HoldState, update models.HoldUpdate) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_holds
		SET state = $1,
			captured_amount = CASE WHEN $1 = 'CAPTURED' THEN $2 ELSE captured_amount END,
			failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END,
			updated_at = $4
		WHERE id = $5 AND state = $6
	`, to, update.CapturedAmount, update.FailureReason, update.At, holdID, from)
	if isUniqueViolation(err, captureIndex) {
		return false, models.ErrCaptureExists
	}
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		if _, err := r.GetHold(ctx, holdID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
