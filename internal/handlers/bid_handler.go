package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/service"
)

const idempotencyHeader = "Idempotency-Key"

type BidHandler struct {
	bidding *service.BiddingService
}

func NewBidHandler(bidding *service.BiddingService) *BidHandler {
	return &BidHandler{bidding: bidding}
}

type placeBidRequest struct {
	BidderID string `json:"bidder_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,gt=0"`
}

type placeBidResponse struct {
	BidID          string         `json:"bid_id"`
	SequenceNumber int64          `json:"sequence_number"`
	CurrentHighBid models.HighBid `json:"current_high_bid"`
	HoldID         string         `json:"hold_id,omitempty"`
}

func (h *BidHandler) PlaceBid(c *gin.Context) {
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	bid, err := h.bidding.PlaceBid(c.Request.Context(), service.PlaceBidInput{
		AuctionID:      c.Param("id"),
		BidderID:       req.BidderID,
		Amount:         req.Amount,
		IdempotencyKey: c.GetHeader(idempotencyHeader),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, placeBidResponse{
		BidID:          bid.ID,
		SequenceNumber: bid.SequenceNumber,
		CurrentHighBid: models.HighBid{
			Amount:   bid.Amount,
			BidderID: bid.BidderID,
			BidID:    bid.ID,
			HoldID:   bid.HoldID,
			Sequence: bid.SequenceNumber,
		},
		HoldID: bid.HoldID,
	})
}
