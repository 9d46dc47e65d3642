package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/broadcast"
	"github.com/akylbek/payment-system/auction-settlement/internal/service"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamHandler pushes an auction's events over a websocket. There is no replay: clients that
// reconnect re-read the auction to catch up.
type StreamHandler struct {
	broadcaster *broadcast.Broadcaster
	coordinator *service.BidCoordinator
	upgrader    websocket.Upgrader
}

func NewStreamHandler(broadcaster *broadcast.Broadcaster, coordinator *service.BidCoordinator) *StreamHandler {
	return &StreamHandler{
		broadcaster: broadcaster,
		coordinator: coordinator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *StreamHandler) Stream(c *gin.Context) {
	auctionID := c.Param("id")
	if _, err := h.coordinator.GetAuction(c.Request.Context(), auctionID); err != nil {
		respondError(c, err)
		return
	}

	// Subscribe before the handshake completes so no event after it is missed.
	sub := h.broadcaster.Subscribe(auctionID)
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		telemetry.Logger.Warn("Websocket upgrade failed", zap.String("auction_id", auctionID), zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// readPump discards client messages and reports when the peer goes away.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
