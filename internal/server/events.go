package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/audit"
	"github.com/gin-gonic/gin"
)

const (
	sseHeartbeatInterval = 25 * time.Second
	sseEventHeartbeat    = "heartbeat"
)

type ledgerEventPayload struct {
	PollID     string    `json:"poll_id"`
	Sequence   int64     `json:"sequence,omitempty"`
	VoteHash   string    `json:"vote_hash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Valid      *bool     `json:"valid,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// handlePollEvents streams the poll's ledger events as server-sent events.
func (h *httpHandler) handlePollEvents(c *gin.Context) {
	pollID, ok := pathPollID(c)
	if !ok {
		return
	}
	if _, err := h.catalog.GetPoll(c.Request.Context(), pollID); err != nil {
		h.respondError(c, "poll_events", err)
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, pollID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(string(event.Type), eventPayload(event))
			flusher.Flush()
		case <-heartbeat.C:
			c.SSEvent(sseEventHeartbeat, gin.H{"at": h.clock().UTC()})
			flusher.Flush()
		}
	}
}

func eventPayload(event audit.Event) ledgerEventPayload {
	payload := ledgerEventPayload{
		PollID:     event.PollID,
		Sequence:   event.Sequence,
		VoteHash:   event.VoteHash,
		Reason:     event.Reason,
		OccurredAt: event.OccurredAt,
	}
	if event.Type == audit.EventChainVerified {
		valid := event.Valid
		payload.Valid = &valid
	}
	return payload
}
