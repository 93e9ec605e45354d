package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/anchor"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/ledger"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/polls"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type optionPayload struct {
	OptionID     string `json:"option_id,omitempty"`
	Text         string `json:"text"`
	DisplayOrder int    `json:"display_order"`
}

type createPollRequestPayload struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Kind        string          `json:"kind"`
	Anonymous   bool            `json:"anonymous"`
	OpensAt     time.Time       `json:"opens_at"`
	ClosesAt    time.Time       `json:"closes_at"`
	Options     []optionPayload `json:"options"`
}

type pollResponsePayload struct {
	PollID      string          `json:"poll_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Kind        polls.Kind      `json:"kind"`
	Anonymous   bool            `json:"anonymous"`
	Status      polls.Status    `json:"status"`
	OpensAt     time.Time       `json:"opens_at"`
	ClosesAt    time.Time       `json:"closes_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	CreatedBy   string          `json:"created_by"`
	Options     []optionPayload `json:"options,omitempty"`
}

type castVoteRequestPayload struct {
	OptionID   string `json:"option_id"`
	Identified *bool  `json:"identified"`
}

type castVoteResponsePayload struct {
	Sequence    int64     `json:"sequence"`
	VoteHash    string    `json:"vote_hash"`
	PrevHash    string    `json:"prev_hash"`
	ReceiptCode string    `json:"receipt_code"`
	CastAt      time.Time `json:"cast_at"`
}

type receiptResponsePayload struct {
	ReceiptCode string     `json:"receipt_code"`
	PollID      string     `json:"poll_id"`
	PollTitle   string     `json:"poll_title"`
	PollKind    polls.Kind `json:"poll_kind"`
	OptionID    string     `json:"option_id"`
	OptionText  string     `json:"option_text"`
	CastAt      time.Time  `json:"cast_at"`
	VoteHash    string     `json:"vote_hash"`
	PrevHash    string     `json:"prev_hash"`
}

type verificationResponsePayload struct {
	PollID           string           `json:"poll_id"`
	Valid            bool             `json:"valid"`
	TotalVotes       int              `json:"total_votes"`
	BrokenLinks      []int            `json:"broken_links"`
	HeadHash         string           `json:"head_hash"`
	AnchorConsistent *bool            `json:"anchor_consistent,omitempty"`
	AnchorFindings   []anchor.Finding `json:"anchor_findings,omitempty"`
}

type chainHeadResponsePayload struct {
	PollID     string `json:"poll_id"`
	TotalVotes int64  `json:"total_votes"`
	HeadHash   string `json:"head_hash"`
}

func (h *httpHandler) handleCreatePoll(c *gin.Context) {
	claims, _ := sessionClaims(c)
	var request createPollRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := polls.ParseKind(request.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	if kind == polls.KindBinding && !h.bindingEnabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "binding_polls_disabled"})
		return
	}

	draft := polls.PollDraft{
		Title:       request.Title,
		Description: request.Description,
		Kind:        kind,
		Anonymous:   request.Anonymous,
		OpensAt:     request.OpensAt,
		ClosesAt:    request.ClosesAt,
		CreatedBy:   claims.UserID,
		Options:     make([]polls.OptionDraft, 0, len(request.Options)),
	}
	for index, option := range request.Options {
		order := option.DisplayOrder
		if order == 0 {
			order = index + 1
		}
		draft.Options = append(draft.Options, polls.OptionDraft{Text: option.Text, DisplayOrder: order})
	}

	poll, options, err := h.catalog.CreatePoll(c.Request.Context(), draft)
	if err != nil {
		if errors.Is(err, polls.ErrInvalidDraft) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_poll", "detail": err.Error()})
			return
		}
		h.respondError(c, "create_poll", err)
		return
	}
	c.JSON(http.StatusCreated, h.pollResponse(poll, options))
}

func (h *httpHandler) handleGetPoll(c *gin.Context) {
	pollID, ok := pathPollID(c)
	if !ok {
		return
	}
	poll, err := h.catalog.GetPoll(c.Request.Context(), pollID)
	if err != nil {
		h.respondError(c, "get_poll", err)
		return
	}
	options, err := h.catalog.ListOptions(c.Request.Context(), pollID)
	if err != nil {
		h.respondError(c, "list_options", err)
		return
	}
	c.JSON(http.StatusOK, h.pollResponse(poll, options))
}

func (h *httpHandler) handleClosePoll(c *gin.Context) {
	pollID, ok := pathPollID(c)
	if !ok {
		return
	}
	poll, err := h.catalog.ClosePoll(c.Request.Context(), pollID)
	if err != nil {
		h.respondError(c, "close_poll", err)
		return
	}
	c.JSON(http.StatusOK, h.pollResponse(poll, nil))
}

// handleCastVote appends the caller's vote. On non-anonymous polls the vote is
// linked to the caller's voter id and a second one is refused with
// duplicate_vote. "identified": false asks for an unlinked vote, which is only
// accepted when unlinked votes are enabled and is then not subject to the
// duplicate check.
func (h *httpHandler) handleCastVote(c *gin.Context) {
	pollID, ok := pathPollID(c)
	if !ok {
		return
	}
	var request castVoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	optionID, err := polls.NewOptionID(request.OptionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_option"})
		return
	}

	ctx := c.Request.Context()
	poll, err := h.catalog.GetPoll(ctx, pollID)
	if err != nil {
		h.respondError(c, "cast_vote", err)
		return
	}
	if poll.Kind == polls.KindBinding && !h.bindingEnabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "binding_polls_disabled"})
		return
	}

	identified := request.Identified == nil || *request.Identified
	if !identified && !poll.Anonymous && !h.allowUnlinked {
		c.JSON(http.StatusForbidden, gin.H{"error": "identification_required"})
		return
	}
	var voterID *ledger.VoterID
	if identified && !poll.Anonymous {
		claims, _ := sessionClaims(c)
		resolved, err := h.voters.ResolveVoterID(ctx, claims)
		if err != nil {
			h.logger.Warn("voter identity resolution failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		voted, err := h.ledger.HasVoted(ctx, pollID, resolved)
		if err != nil {
			h.respondError(c, "cast_vote", err)
			return
		}
		if voted {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_vote"})
			return
		}
		voterID = &resolved
	}

	voteRequest, err := ledger.NewVoteRequest(ledger.VoteRequestConfig{
		PollID:      pollID,
		OptionID:    optionID,
		VoterID:     voterID,
		RequestedAt: h.clock().UTC(),
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.ledger.AppendVote(ctx, voteRequest)
	if err != nil {
		h.respondError(c, "cast_vote", err)
		return
	}
	c.JSON(http.StatusCreated, castVoteResponsePayload{
		Sequence:    result.Sequence,
		VoteHash:    result.VoteHash,
		PrevHash:    result.PrevHash,
		ReceiptCode: result.ReceiptCode,
		CastAt:      result.CastAt,
	})
}

func (h *httpHandler) handleLookupReceipt(c *gin.Context) {
	summary, err := h.ledger.LookupReceipt(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, "lookup_receipt", err)
		return
	}
	c.JSON(http.StatusOK, receiptResponsePayload{
		ReceiptCode: summary.ReceiptCode,
		PollID:      summary.PollID,
		PollTitle:   summary.PollTitle,
		PollKind:    summary.PollKind,
		OptionID:    summary.OptionID,
		OptionText:  summary.OptionText,
		CastAt:      summary.CastAt,
		VoteHash:    summary.VoteHash,
		PrevHash:    summary.PrevHash,
	})
}

func (h *httpHandler) handleVerifyChain(c *gin.Context) {
	pollID, ok := pathPollID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	report, err := h.ledger.VerifyChain(ctx, pollID)
	if err != nil {
		h.respondError(c, "verify_chain", err)
		return
	}
	response := verificationResponsePayload{
		PollID:      report.PollID,
		Valid:       report.Valid,
		TotalVotes:  report.TotalVotes,
		BrokenLinks: report.BrokenLinks,
		HeadHash:    report.HeadHash,
	}
	if h.anchor != nil {
		findings, err := h.anchor.Check(ctx, pollID.String(), report.Links)
		if err != nil {
			h.respondError(c, "verify_chain", err)
			return
		}
		consistent := len(findings) == 0
		response.AnchorConsistent = &consistent
		response.AnchorFindings = findings
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleChainHead(c *gin.Context) {
	pollID, ok := pathPollID(c)
	if !ok {
		return
	}
	head, err := h.ledger.ChainHead(c.Request.Context(), pollID)
	if err != nil {
		h.respondError(c, "chain_head", err)
		return
	}
	c.JSON(http.StatusOK, chainHeadResponsePayload{
		PollID:     head.PollID,
		TotalVotes: head.TotalVotes,
		HeadHash:   head.HeadHash,
	})
}

func (h *httpHandler) pollResponse(poll polls.Poll, options []polls.PollOption) pollResponsePayload {
	response := pollResponsePayload{
		PollID:      poll.PollID,
		Title:       poll.Title,
		Description: poll.Description,
		Kind:        poll.Kind,
		Anonymous:   poll.Anonymous,
		Status:      polls.GetPollStatus(poll, h.clock()),
		OpensAt:     poll.OpensAt(),
		ClosesAt:    poll.ClosesAt(),
		ClosedAt:    poll.ClosedAt(),
		CreatedBy:   poll.CreatedBy,
	}
	for _, option := range options {
		response.Options = append(response.Options, optionPayload{
			OptionID:     option.OptionID,
			Text:         strings.TrimSpace(option.Text),
			DisplayOrder: option.DisplayOrder,
		})
	}
	return response
}
