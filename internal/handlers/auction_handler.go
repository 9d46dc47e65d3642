package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/auction-settlement/internal/service"
)

// SettlementTrigger runs settlement in the background.
type SettlementTrigger interface {
	TriggerSettlement(auctionID string)
}

type AuctionHandler struct {
	coordinator *service.BidCoordinator
	engine      *service.SettlementEngine
	trigger     SettlementTrigger
}

func NewAuctionHandler(coordinator *service.BidCoordinator, engine *service.SettlementEngine, trigger SettlementTrigger) *AuctionHandler {
	return &AuctionHandler{coordinator: coordinator, engine: engine, trigger: trigger}
}

func (h *AuctionHandler) CreateAuction(c *gin.Context) {
	var req service.ScheduleAuctionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	auction, err := h.coordinator.ScheduleAuction(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, auction)
}

func (h *AuctionHandler) GetAuction(c *gin.Context) {
	auction, err := h.coordinator.GetAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auction":          auction,
		"minimum_next_bid": auction.MinimumNextBid(),
		"reserve_met":      auction.ReserveMet(),
	})
}

func (h *AuctionHandler) ListBids(c *gin.Context) {
	bids, err := h.coordinator.ListBids(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auction_id": c.Param("id"), "bids": bids})
}

func (h *AuctionHandler) Activate(c *gin.Context) {
	activated, err := h.coordinator.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auction_id": c.Param("id"), "activated": activated})
}

// Close ends bidding early. Settlement starts in the background.
func (h *AuctionHandler) Close(c *gin.Context) {
	auctionID := c.Param("id")
	closed, err := h.coordinator.Close(c.Request.Context(), auctionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if closed {
		h.trigger.TriggerSettlement(auctionID)
	}
	c.JSON(http.StatusAccepted, gin.H{"auction_id": auctionID, "closed": closed})
}

func (h *AuctionHandler) GetSettlement(c *gin.Context) {
	rec, err := h.engine.GetSettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Settle runs settlement synchronously, e.g. to resume a stuck auction.
func (h *AuctionHandler) Settle(c *gin.Context) {
	rec, err := h.engine.Settle(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
