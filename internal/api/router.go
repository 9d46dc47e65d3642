package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/auction-settlement/internal/broadcast"
	"github.com/akylbek/payment-system/auction-settlement/internal/config"
	"github.com/akylbek/payment-system/auction-settlement/internal/handlers"
	"github.com/akylbek/payment-system/auction-settlement/internal/service"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	ServiceName string
	Coordinator *service.BidCoordinator
	Bidding     *service.BiddingService
	Holds       *service.HoldManager
	Engine      *service.SettlementEngine
	Webhooks    *service.WebhookReconciler
	Broadcaster *broadcast.Broadcaster
	Trigger     handlers.SettlementTrigger
	RateLimit   config.RateLimitConfig
}

func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": deps.ServiceName})
	})

	auctionHandler := handlers.NewAuctionHandler(deps.Coordinator, deps.Engine, deps.Trigger)
	bidHandler := handlers.NewBidHandler(deps.Bidding)
	holdHandler := handlers.NewHoldHandler(deps.Holds)
	webhookHandler := handlers.NewWebhookHandler(deps.Webhooks)
	streamHandler := handlers.NewStreamHandler(deps.Broadcaster, deps.Coordinator)

	// Auction routes
	auctions := r.Group("/auctions")
	auctions.POST("", auctionHandler.CreateAuction)
	auctions.GET("/:id", auctionHandler.GetAuction)
	auctions.GET("/:id/bids", auctionHandler.ListBids)
	auctions.POST("/:id/bids", RateLimit(deps.RateLimit), bidHandler.PlaceBid)
	auctions.POST("/:id/activate", auctionHandler.Activate)
	auctions.POST("/:id/close", auctionHandler.Close)
	auctions.GET("/:id/settlement", auctionHandler.GetSettlement)
	auctions.POST("/:id/settle", auctionHandler.Settle)
	auctions.GET("/:id/stream", streamHandler.Stream)

	// Hold routes
	holds := r.Group("/holds")
	holds.POST("", holdHandler.CreateHold)
	holds.GET("/:id", holdHandler.GetHold)
	holds.POST("/:id/capture", holdHandler.CaptureHold)
	holds.POST("/:id/release", holdHandler.ReleaseHold)

	// Provider notifications
	r.POST("/webhooks/provider", webhookHandler.ProviderEvent)

	return r
}
