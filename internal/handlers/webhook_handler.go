package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/auction-settlement/internal/service"
)

type WebhookHandler struct {
	reconciler *service.WebhookReconciler
}

func NewWebhookHandler(reconciler *service.WebhookReconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// ProviderEvent verifies the signature over the raw body, so the body is read unparsed.
func (h *WebhookHandler) ProviderEvent(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}

	ack, err := h.reconciler.HandleProviderEvent(c.Request.Context(), payload, c.GetHeader(service.SignatureHeader))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}
