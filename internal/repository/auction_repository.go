package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
)

type AuctionRepository struct {
	db *sql.DB
}

func NewAuctionRepository(db *sql.DB) *AuctionRepository {
	return &AuctionRepository{db: db}
}

const auctionColumns = `id, seller_id, title, status, starting_price, reserve_price, min_increment,
	start_time, end_time, high_bid_amount, high_bidder_id, high_bid_id, high_hold_id, last_sequence,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(row rowScanner) (*models.Auction, error) {
	var a models.Auction
	err := row.Scan(&a.ID, &a.SellerID, &a.Title, &a.Status, &a.StartingPrice, &a.ReservePrice, &a.MinIncrement,
		&a.StartTime, &a.EndTime, &a.HighBid.Amount, &a.HighBid.BidderID, &a.HighBid.BidID, &a.HighBid.HoldID,
		&a.LastSequence, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.HighBid.Sequence = a.LastSequence
	return &a, nil
}

func (r *AuctionRepository) CreateAuction(ctx context.Context, a *models.Auction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auctions (`+auctionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, a.ID, a.SellerID, a.Title, a.Status, a.StartingPrice, a.ReservePrice, a.MinIncrement,
		a.StartTime, a.EndTime, a.HighBid.Amount, a.HighBid.BidderID, a.HighBid.BidID, a.HighBid.HoldID,
		a.LastSequence, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err, "") {
		return models.ErrDuplicateKey
	}
	return err
}

func (r *AuctionRepository) GetAuction(ctx context.Context, auctionID string) (*models.Auction, error) {
	a, err := scanAuction(r.db.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAuctionNotFound
	}
	return a, err
}

// CommitBid moves the high bid and appends the bid in one transaction. The UPDATE only matches
// while the auction is ACTIVE, nobody else committed since expectedSequence and the amount clears
// the increment over the stored high bid.
func (r *AuctionRepository) CommitBid(ctx context.Context, bid *models.Bid, expectedSequence int64) error {
	if bid.SequenceNumber != expectedSequence+1 {
		return models.ErrStaleWrite
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE auctions
			SET high_bid_amount = $1, high_bidder_id = $2, high_bid_id = $3, high_hold_id = $4,
				last_sequence = $5, updated_at = $6
			WHERE id = $7 AND status = $8 AND last_sequence = $9 AND $1 >= high_bid_amount + min_increment
		`, bid.Amount, bid.BidderID, bid.ID, bid.HoldID, bid.SequenceNumber, bid.AcceptedAt,
			bid.AuctionID, models.AuctionActive, expectedSequence)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			if err := auctionExists(ctx, tx, bid.AuctionID); err != nil {
				return err
			}
			return models.ErrStaleWrite
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO bids (id, auction_id, bidder_id, amount, sequence_number, hold_id, accepted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, bid.ID, bid.AuctionID, bid.BidderID, bid.Amount, bid.SequenceNumber, bid.HoldID, bid.AcceptedAt)
		if isUniqueViolation(err, "") {
			return models.ErrStaleWrite
		}
		return err
	})
}

func auctionExists(ctx context.Context, tx *sql.Tx, auctionID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM auctions WHERE id = $1`, auctionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrAuctionNotFound
	}
	return err
}

func (r *AuctionRepository) TransitionStatus(ctx context.Context, auctionID string, from, to models.AuctionStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE auctions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, auctionID, from)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		if _, err := r.GetAuction(ctx, auctionID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *AuctionRepository) ListBids(ctx context.Context, auctionID string) ([]*models.Bid, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, auction_id, bidder_id, amount, sequence_number, hold_id, accepted_at
		FROM bids WHERE auction_id = $1 ORDER BY sequence_number
	`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (r *AuctionRepository) FindBidByHold(ctx context.Context, holdID string) (*models.Bid, error) {
	b, err := scanBid(r.db.QueryRowContext(ctx, `
		SELECT id, auction_id, bidder_id, amount, sequence_number, hold_id, accepted_at
		FROM bids WHERE hold_id = $1
	`, holdID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func scanBid(row rowScanner) (*models.Bid, error) {
	var b models.Bid
	if err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.SequenceNumber, &b.HoldID, &b.AcceptedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *AuctionRepository) ListDueForActivation(ctx context.Context, now time.Time) ([]*models.Auction, error) {
	return r.listAuctions(ctx, `SELECT `+auctionColumns+` FROM auctions
		WHERE status = $1 AND start_time <= $2 ORDER BY start_time`, models.AuctionScheduled, now)
}

func (r *AuctionRepository) ListDueForClose(ctx context.Context, now time.Time) ([]*models.Auction, error) {
	return r.listAuctions(ctx, `SELECT `+auctionColumns+` FROM auctions
		WHERE status = $1 AND end_time <= $2 ORDER BY end_time`, models.AuctionActive, now)
}

func (r *AuctionRepository) ListByStatus(ctx context.Context, status models.AuctionStatus) ([]*models.Auction, error) {
	return r.listAuctions(ctx, `SELECT `+auctionColumns+` FROM auctions
		WHERE status = $1 ORDER BY end_time`, status)
}

func (r *AuctionRepository) listAuctions(ctx context.Context, query string, args ...any) ([]*models.Auction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
