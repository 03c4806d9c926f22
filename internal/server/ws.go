package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/events/store"
	"github.com/codesdk/codesdk/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local daemon; clients are same-host tools, not browsers on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventsWebSocket streams the same normalized events as the SSE route over a
// WebSocket, one JSON event per text message.
// GET /sessions/{id}/events/ws?after_seq|from_seq
func (h *Handler) EventsWebSocket(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	fromSeq := parseFromSeq(c)

	if !h.acquireStreamSlot() {
		respondError(c, apperrors.Backpressure("too many event stream clients"))
		return
	}
	defer h.releaseStreamSlot()

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		h.logger.WithSessionID(sess.ID).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub, err := h.store.Subscribe(c.Request.Context(), sess.ID, fromSeq, store.SubscribeOpts{
		Blocking: !h.cfg.CloseOnBackpressure,
	})
	if err != nil {
		h.logger.WithSessionID(sess.ID).WithError(err).Error("websocket subscribe failed")
		return
	}
	defer sub.Close()

	// Read pump: discard client messages, notice the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.WithSessionID(sess.ID).Debug("websocket read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				metrics.Backpressure.WithLabelValues("sse_backpressure").Inc()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return

		case <-c.Request.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
