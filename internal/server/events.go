package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type streamStatusPayload struct {
	OrganizationID string    `json:"organizationId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	principal, ok := h.requirePrincipal(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, principal.OrganizationID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := writeServerEvent(c, realtimeEventConnected, streamStatusPayload{
		OrganizationID: principal.OrganizationID,
		Timestamp:      time.Now().UTC(),
		Source:         realtimeSourceBackend,
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update, open := <-stream:
			if !open {
				return
			}
			if err := writeServerEvent(c, update.Type, update); err != nil {
				h.logger.Debug("event stream write failed", zap.String("organization_id", principal.OrganizationID), zap.Error(err))
				return
			}
		case <-heartbeat.C:
			if err := writeServerEvent(c, realtimeEventHeartbeat, streamStatusPayload{
				Timestamp: time.Now().UTC(),
				Source:    realtimeSourceBackend,
			}); err != nil {
				return
			}
		}
	}
}

func writeServerEvent(c *gin.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}
