package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/events/store"
	"github.com/codesdk/codesdk/internal/metrics"
	"github.com/codesdk/codesdk/internal/session"
)

const heartbeatInterval = 15 * time.Second

// Events serves the session event log: a JSON page by default, a live SSE
// stream when stream=1 or the client accepts text/event-stream.
// GET /sessions/{id}/events?after_seq|from_seq&limit&stream
func (h *Handler) Events(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	fromSeq := parseFromSeq(c)

	if c.Query("stream") == "1" || strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamEvents(c, sess, fromSeq)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.store.List(c.Request.Context(), sess.ID, fromSeq, limit)
	if err != nil {
		respondError(c, apperrors.Internal("failed to list events", err))
		return
	}
	nextSeq := fromSeq
	if len(events) > 0 {
		nextSeq = events[len(events)-1].Seq
	}
	c.JSON(http.StatusOK, ListEventsResponse{Events: events, NextSeq: nextSeq})
}

// parseFromSeq reads the resume cursor: after_seq or from_seq query
// parameters, falling back to the SSE Last-Event-ID header on reconnect.
func parseFromSeq(c *gin.Context) int64 {
	for _, key := range []string{"after_seq", "from_seq"} {
		if raw := c.Query(key); raw != "" {
			if seq, err := strconv.ParseInt(raw, 10, 64); err == nil && seq >= 0 {
				return seq
			}
		}
	}
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		if seq, err := strconv.ParseInt(raw, 10, 64); err == nil && seq >= 0 {
			return seq
		}
	}
	return 0
}

// acquireStreamSlot counts a subscriber against the connection cap.
func (h *Handler) acquireStreamSlot() bool {
	if h.cfg.MaxSSEClients > 0 && int(h.streamClients.Load()) >= h.cfg.MaxSSEClients {
		metrics.Backpressure.WithLabelValues("sse_clients").Inc()
		return false
	}
	h.streamClients.Add(1)
	metrics.SSEClients.Inc()
	return true
}

func (h *Handler) releaseStreamSlot() {
	h.streamClients.Add(-1)
	metrics.SSEClients.Dec()
}

func (h *Handler) streamEvents(c *gin.Context, sess *session.Session, fromSeq int64) {
	if !h.acquireStreamSlot() {
		respondError(c, apperrors.Backpressure("too many event stream clients"))
		return
	}
	defer h.releaseStreamSlot()

	sub, err := h.store.Subscribe(c.Request.Context(), sess.ID, fromSeq, store.SubscribeOpts{
		Blocking: !h.cfg.CloseOnBackpressure,
	})
	if err != nil {
		respondError(c, apperrors.Internal("failed to subscribe", err))
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	w := c.Writer
	fmt.Fprintf(w, "event: ready\ndata: {\"session_id\":%q}\n\n", sess.ID)
	w.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// The store terminated us: this client could not keep up.
				if ctx.Err() == nil {
					metrics.Backpressure.WithLabelValues("sse_backpressure").Inc()
				}
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				h.logger.WithSessionID(sess.ID).WithError(err).Error("failed to encode event")
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, raw)
			w.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			w.Flush()

		case <-ctx.Done():
			return
		}
	}
}
