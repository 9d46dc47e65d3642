// Package memory is an in-process ledger with the same conditional-update semantics as the
// PostgreSQL repositories. It backs tests and the "memory" database driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
)

type Store struct {
	mu          sync.RWMutex
	auctions    map[string]*models.Auction
	bids        map[string][]*models.Bid
	holds       map[string]*models.PaymentHold
	holdKeys    map[string]string
	holdRefs    map[string]string
	settlements map[string]*models.SettlementRecord
	processed   map[string]string
}

func NewStore() *Store {
	return &Store{
		auctions:    make(map[string]*models.Auction),
		bids:        make(map[string][]*models.Bid),
		holds:       make(map[string]*models.PaymentHold),
		holdKeys:    make(map[string]string),
		holdRefs:    make(map[string]string),
		settlements: make(map[string]*models.SettlementRecord),
		processed:   make(map[string]string),
	}
}

func copyAuction(a *models.Auction) *models.Auction {
	c := *a
	return &c
}

func copyHold(h *models.PaymentHold) *models.PaymentHold {
	c := *h
	return &c
}

func (s *Store) CreateAuction(_ context.Context, auction *models.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[auction.ID]; ok {
		return models.ErrDuplicateKey
	}
	s.auctions[auction.ID] = copyAuction(auction)
	return nil
}

func (s *Store) GetAuction(_ context.Context, auctionID string) (*models.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, models.ErrAuctionNotFound
	}
	return copyAuction(a), nil
}

func (s *Store) CommitBid(_ context.Context, bid *models.Bid, expectedSequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[bid.AuctionID]
	if !ok {
		return models.ErrAuctionNotFound
	}
	if a.Status != models.AuctionActive || a.LastSequence != expectedSequence ||
		bid.Amount < a.HighBid.Amount+a.MinIncrement || bid.SequenceNumber != expectedSequence+1 {
		return models.ErrStaleWrite
	}

	a.HighBid = models.HighBid{
		Amount:   bid.Amount,
		BidderID: bid.BidderID,
		BidID:    bid.ID,
		HoldID:   bid.HoldID,
		Sequence: bid.SequenceNumber,
	}
	a.LastSequence = bid.SequenceNumber
	a.UpdatedAt = bid.AcceptedAt

	b := *bid
	s.bids[bid.AuctionID] = append(s.bids[bid.AuctionID], &b)
	return nil
}

func (s *Store) TransitionStatus(_ context.Context, auctionID string, from, to models.AuctionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return false, models.ErrAuctionNotFound
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) ListBids(_ context.Context, auctionID string) ([]*models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Bid, 0, len(s.bids[auctionID]))
	for _, b := range s.bids[auctionID] {
		c := *b
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) FindBidByHold(_ context.Context, holdID string) (*models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, bids := range s.bids {
		for _, b := range bids {
			if b.HoldID == holdID {
				c := *b
				return &c, nil
			}
		}
	}
	return nil, nil
}

func (s *Store) ListDueForActivation(_ context.Context, now time.Time) ([]*models.Auction, error) {
	return s.filterAuctions(func(a *models.Auction) bool {
		return a.Status == models.AuctionScheduled && !now.Before(a.StartTime)
	}), nil
}

func (s *Store) ListDueForClose(_ context.Context, now time.Time) ([]*models.Auction, error) {
	return s.filterAuctions(func(a *models.Auction) bool {
		return a.Status == models.AuctionActive && !now.Before(a.EndTime)
	}), nil
}

func (s *Store) ListByStatus(_ context.Context, status models.AuctionStatus) ([]*models.Auction, error) {
	return s.filterAuctions(func(a *models.Auction) bool {
		return a.Status == status
	}), nil
}

func (s *Store) filterAuctions(keep func(*models.Auction) bool) []*models.Auction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Auction
	for _, a := range s.auctions {
		if keep(a) {
			out = append(out, copyAuction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out
}

func (s *Store) InsertHold(_ context.Context, hold *models.PaymentHold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.holds[hold.ID]; ok {
		return models.ErrDuplicateKey
	}
	if _, ok := s.holdKeys[hold.IdempotencyKey]; ok {
		return models.ErrDuplicateKey
	}
	s.holds[hold.ID] = copyHold(hold)
	s.holdKeys[hold.IdempotencyKey] = hold.ID
	if hold.ProviderRef != "" {
		s.holdRefs[hold.ProviderRef] = hold.ID
	}
	return nil
}

func (s *Store) GetHold(_ context.Context, holdID string) (*models.PaymentHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holds[holdID]
	if !ok {
		return nil, models.ErrHoldNotFound
	}
	return copyHold(h), nil
}

func (s *Store) FindHoldByIdempotencyKey(_ context.Context, key string) (*models.PaymentHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.holdKeys[key]
	if !ok {
		return nil, nil
	}
	return copyHold(s.holds[id]), nil
}

func (s *Store) GetHoldByProviderRef(_ context.Context, ref string) (*models.PaymentHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.holdRefs[ref]
	if !ok {
		return nil, models.ErrHoldNotFound
	}
	return copyHold(s.holds[id]), nil
}

func (s *Store) ListHoldsByAuction(_ context.Context, auctionID string, purpose models.HoldPurpose) ([]*models.PaymentHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PaymentHold
	for _, h := range s.holds {
		if h.AuctionID == auctionID && h.Purpose == purpose {
			out = append(out, copyHold(h))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) TransitionHold(_ context.Context, holdID string, from, to models.HoldState, update models.HoldUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[holdID]
	if !ok {
		return false, models.ErrHoldNotFound
	}
	if h.State != from {
		return false, nil
	}
	if to == models.HoldCaptured {
		for _, other := range s.holds {
			if other.ID != h.ID && other.AuctionID == h.AuctionID && other.Purpose == h.Purpose && other.State == models.HoldCaptured {
				return false, models.ErrCaptureExists
			}
		}
		h.CapturedAmount = update.CapturedAmount
	}
	if update.FailureReason != "" {
		h.FailureReason = update.FailureReason
	}
	h.State = to
	h.UpdatedAt = update.At
	return true, nil
}

func (s *Store) CreateSettlement(_ context.Context, record *models.SettlementRecord) (*models.SettlementRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.settlements[record.AuctionID]; ok {
		return existing.Clone(), false, nil
	}
	s.settlements[record.AuctionID] = record.Clone()
	return record.Clone(), true, nil
}

func (s *Store) GetSettlement(_ context.Context, auctionID string) (*models.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.settlements[auctionID]
	if !ok {
		return nil, models.ErrSettlementNotFound
	}
	return r.Clone(), nil
}

func (s *Store) SaveSettlement(_ context.Context, record *models.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.settlements[record.AuctionID]
	if !ok {
		return models.ErrSettlementNotFound
	}
	if existing.Status == models.SettlementComplete {
		return models.ErrStaleWrite
	}
	s.settlements[record.AuctionID] = record.Clone()
	return nil
}

func (s *Store) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *Store) MarkProcessed(_ context.Context, eventID, _ string, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[eventID]; !ok {
		s.processed[eventID] = outcome
	}
	return nil
}
