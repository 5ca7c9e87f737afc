package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/notify"
	"github.com/krishi-officer/backend/pkg/logger"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

type EventSubscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// WebSocketHandler streams escalation events to officer dashboards.
type WebSocketHandler struct {
	events EventSubscriber
}

func NewWebSocketHandler(events EventSubscriber) *WebSocketHandler {
	return &WebSocketHandler{
		events: events,
	}
}

type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

// HandleConnection relays every event on the officers channel until the
// officer disconnects.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	officerID := c.Query("officer_id")
	logger.Info("Officer feed connected", zap.String("officer_id", officerID))

	sub := h.events.Subscribe(ctx, notify.OfficersChannel)
	defer func() {
		cancel()
		sub.Close()
		c.Close()
		logger.Info("Officer feed closed", zap.String("officer_id", officerID))
	}()

	// Reads only detect the close; officers send nothing on this feed.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := forward(ctx, c, sub.Channel(), pingInterval); err != nil {
		logger.Debug("Officer feed write failed", zap.String("officer_id", officerID), zap.Error(err))
	}
}

// forward writes each published payload as a text frame and pings while the
// channel is quiet.
func forward(ctx context.Context, w frameWriter, events <-chan *redis.Message, ping time.Duration) error {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			if err := w.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return err
			}
			if err := w.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := w.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return err
			}
			if err := w.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
