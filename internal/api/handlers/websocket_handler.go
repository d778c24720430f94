package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/dashboard"
	"github.com/gsheet-analysis/dashboard/internal/notify"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
)

// WebSocketHandler pushes store events (changes, loading, notifications) of
// the caller's session.
type WebSocketHandler struct{}

func NewWebSocketHandler() *WebSocketHandler {
	return &WebSocketHandler{}
}

// Upgrade only lets authenticated websocket handshakes through.
func (h *WebSocketHandler) Upgrade(sessions *dashboard.Sessions) fiber.Handler {
	requireSession := RequireSession(sessions)
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return requireSession(c)
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	sess, ok := c.Locals(localSession).(*dashboard.Session)
	if !ok {
		c.Close()
		return
	}

	events := sess.Store.Changes()
	logger.Info("WebSocket connection established")

	defer func() {
		sess.Store.Unsubscribe(events)
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	// The client sends nothing we act on; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = c.WriteJSON(notify.Event{Kind: notify.KindLoading, Loading: sess.Store.IsLoading()})

	for {
		select {
		case <-closed:
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				logger.Debug("Failed to write WebSocket event", zap.Error(err))
				return
			}
		}
	}
}
