package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/service"
)

// HoldHandler exposes checkout-time and remaining-balance holds.
type HoldHandler struct {
	holds *service.HoldManager
}

func NewHoldHandler(holds *service.HoldManager) *HoldHandler {
	return &HoldHandler{holds: holds}
}

type createHoldRequest struct {
	BidderID  string             `json:"bidder_id" binding:"required"`
	AuctionID string             `json:"auction_id" binding:"required"`
	Amount    int64              `json:"amount" binding:"required,gt=0"`
	Purpose   models.HoldPurpose `json:"purpose" binding:"omitempty,oneof=bid balance"`
}

type captureRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

func (h *HoldHandler) CreateHold(c *gin.Context) {
	var req createHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	hold, err := h.holds.CreateHold(c.Request.Context(), service.CreateHoldInput{
		BidderID:       req.BidderID,
		AuctionID:      req.AuctionID,
		Amount:         req.Amount,
		Purpose:        req.Purpose,
		IdempotencyKey: c.GetHeader(idempotencyHeader),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, hold)
}

func (h *HoldHandler) GetHold(c *gin.Context) {
	hold, err := h.holds.GetHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

func (h *HoldHandler) CaptureHold(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	hold, err := h.holds.CaptureCheckoutHold(c.Request.Context(), c.Param("id"), req.Amount, c.GetHeader(idempotencyHeader))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

func (h *HoldHandler) ReleaseHold(c *gin.Context) {
	hold, err := h.holds.ReleaseCheckoutHold(c.Request.Context(), c.Param("id"), c.GetHeader(idempotencyHeader))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}
