package http

import (
	"bufio"
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"scan_server/core/domain"
	"scan_server/core/port/out"
	"scan_server/core/service/scan"
)

const ssePollLimit = 50

// =============================================================================
// SSE Handler - event log tail
// =============================================================================

// SSEHandler streams the per-session event log as Server-Sent Events.
// The log is the source of truth; a reconnecting client passes the last
// event id it saw (afterId or Last-Event-ID) and resumes from there.
type SSEHandler struct {
	orchestrator *scan.Orchestrator
	events       out.EventLog
	pollInterval time.Duration
	pingInterval time.Duration
	log          zerolog.Logger
}

func NewSSEHandler(orchestrator *scan.Orchestrator, events out.EventLog, pollMs, pingMs int, log zerolog.Logger) *SSEHandler {
	return &SSEHandler{
		orchestrator: orchestrator,
		events:       events,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
		pingInterval: time.Duration(pingMs) * time.Millisecond,
		log:          log.With().Str("handler", "sse").Logger(),
	}
}

// Register registers SSE routes.
func (h *SSEHandler) Register(v1 fiber.Router) {
	v1.Get("/gmail/scan/stream", h.Stream)
}

// Stream tails one session's events until done or error.
func (h *SSEHandler) Stream(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		return ErrorResponse(c, 400, "sessionId is required")
	}

	// Ownership check before committing to the stream.
	if _, err := h.orchestrator.Status(c.Context(), sessionID, userID.String()); err != nil {
		return AppErrorResponse(c, err)
	}

	afterID := parseAfterID(c)

	userIDStr := userID.String()
	h.log.Info().
		Str("user_id", userIDStr).
		Str("session_id", sessionID).
		Int64("after_id", afterID).
		Msg("SSE client connected")

	// Set SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.log.Info().
			Str("user_id", userIDStr).
			Str("session_id", sessionID).
			Msg("SSE client disconnected")

		poll := time.NewTicker(h.pollInterval)
		defer poll.Stop()
		ping := time.NewTicker(h.pingInterval)
		defer ping.Stop()

		// Polling outlives the request context once the body writer runs.
		ctx := context.Background()

		lastID := afterID
		terminal, ok := h.drain(ctx, w, sessionID, &lastID)
		if terminal || !ok {
			return
		}

		for {
			select {
			case <-poll.C:
				terminal, ok := h.drain(ctx, w, sessionID, &lastID)
				if terminal || !ok {
					return
				}
			case <-ping.C:
				if !writeSSE(w, 0, domain.EventPing, []byte(`{}`)) {
					return
				}
			}
		}
	})

	return nil
}

// drain writes every unseen event. Returns terminal=true after a done
// or error event, ok=false when the client went away.
func (h *SSEHandler) drain(ctx context.Context, w *bufio.Writer, sessionID string, lastID *int64) (terminal, ok bool) {
	for {
		events, err := h.events.PollEventsAfter(ctx, sessionID, *lastID, ssePollLimit)
		if err != nil {
			h.log.Error().Err(err).Str("session_id", sessionID).Msg("event poll failed")
			return false, true
		}
		if len(events) == 0 {
			return false, true
		}
		for _, ev := range events {
			*lastID = ev.ID
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				h.log.Error().Err(err).Msg("failed to serialize event payload")
				continue
			}
			if !writeSSE(w, ev.ID, ev.Type, data) {
				return false, false
			}
			if ev.Type.IsTerminal() {
				return true, true
			}
		}
		if len(events) < ssePollLimit {
			return false, true
		}
	}
}

// parseAfterID reads the resume cursor from the afterId query param,
// falling back to the Last-Event-ID header browsers send on reconnect.
func parseAfterID(c *fiber.Ctx) int64 {
	raw := c.Query("afterId")
	if raw == "" {
		raw = c.Get("Last-Event-ID")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// writeSSE writes one event in wire format. Log events carry an id:
// line so clients can resume; pings (id 0) do not. Returns false when
// the flush fails, i.e. the client disconnected.
func writeSSE(w *bufio.Writer, id int64, eventType domain.EventType, data []byte) bool {
	if id > 0 {
		w.WriteString("id: ")
		w.WriteString(strconv.FormatInt(id, 10))
		w.WriteString("\n")
	}
	w.WriteString("event: ")
	w.WriteString(string(eventType))
	w.WriteString("\n")
	w.WriteString("data: ")
	w.Write(data)
	w.WriteString("\n\n")
	return w.Flush() == nil
}
