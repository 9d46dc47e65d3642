package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/apperrors"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// respondError writes err as {"reason", "error"} with the matching status code.
func respondError(c *gin.Context, err error) {
	if appErr, ok := apperrors.As(err); ok {
		body := gin.H{"reason": appErr.Code, "error": appErr.Message}
		if len(appErr.Details) > 0 {
			body["details"] = appErr.Details
		}
		if appErr.Kind == apperrors.KindInternal || appErr.Kind == apperrors.KindUpstream {
			telemetry.Logger.Error("Request failed",
				zap.String("path", c.FullPath()),
				zap.String("reason", appErr.Code),
				zap.Error(err),
			)
		}
		c.JSON(appErr.StatusCode, body)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusGatewayTimeout, gin.H{"reason": "Timeout", "error": "request timed out"})
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nobody reads the body.
		c.Status(499)
		return
	}

	telemetry.Logger.Error("Unhandled error",
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"reason": apperrors.CodeInternal, "error": "internal error"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"reason": apperrors.CodeInvalidInput, "error": err.Error()})
}
