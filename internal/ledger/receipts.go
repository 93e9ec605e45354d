package ledger

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/chain"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/polls"
)

const (
	receiptSelect = "v.receipt_code AS receipt_code, v.poll_id AS poll_id, p.title AS poll_title, p.kind AS poll_kind, " +
		"v.option_id AS option_id, o.text AS option_text, v.cast_at_us AS cast_at_us, v.vote_hash AS vote_hash, v.prev_hash AS prev_hash"
	receiptJoinPoll   = "JOIN polls AS p ON p.poll_id = v.poll_id"
	receiptJoinOption = "JOIN poll_options AS o ON o.poll_id = v.poll_id AND o.option_id = v.option_id"
	receiptWhere      = "v.receipt_code = ?"
)

type receiptRow struct {
	ReceiptCode  string  `gorm:"column:receipt_code"`
	PollID       string  `gorm:"column:poll_id"`
	PollTitle    string  `gorm:"column:poll_title"`
	PollKind     string  `gorm:"column:poll_kind"`
	OptionID     string  `gorm:"column:option_id"`
	OptionText   string  `gorm:"column:option_text"`
	CastAtMicros int64   `gorm:"column:cast_at_us"`
	VoteHash     string  `gorm:"column:vote_hash"`
	PrevHash     *string `gorm:"column:prev_hash"`
}

// LookupReceipt resolves a receipt code to what the vote reveals publicly. Every
// input, malformed or not, runs the same query and the call never returns before
// the lookup floor, so timing says nothing about whether the code exists.
func (s *Service) LookupReceipt(ctx context.Context, rawCode string) (ReceiptSummary, error) {
	started := time.Now()
	code, normalizeErr := chain.NormalizeReceiptCode(rawCode)
	if normalizeErr != nil {
		code = chain.ProbeReceiptCode
	}

	var rows []receiptRow
	queryErr := s.db.WithContext(ctx).
		Table(Vote{}.TableName()+" AS v").
		Select(receiptSelect).
		Joins(receiptJoinPoll).
		Joins(receiptJoinOption).
		Where(receiptWhere, code).
		Limit(1).
		Scan(&rows).Error

	candidate := receiptRow{}
	if len(rows) > 0 {
		candidate = rows[0]
	}
	matched := subtle.ConstantTimeCompare([]byte(candidate.ReceiptCode), []byte(code)) == 1

	s.padLookup(ctx, started)

	if queryErr != nil {
		s.logError(opLookupReceipt, reasonQueryFail, queryErr)
		return ReceiptSummary{}, newServiceError(opLookupReceipt, reasonQueryFail, queryErr)
	}
	if !matched || normalizeErr != nil {
		s.logger.Debug("receipt lookup missed")
		return ReceiptSummary{}, ErrReceiptNotFound
	}
	return ReceiptSummary{
		ReceiptCode: candidate.ReceiptCode,
		PollID:      candidate.PollID,
		PollTitle:   candidate.PollTitle,
		PollKind:    polls.Kind(candidate.PollKind),
		OptionID:    candidate.OptionID,
		OptionText:  candidate.OptionText,
		CastAt:      time.UnixMicro(candidate.CastAtMicros).UTC(),
		VoteHash:    candidate.VoteHash,
		PrevHash:    chain.DisplayPrevHash(candidate.PrevHash),
	}, nil
}

func (s *Service) padLookup(ctx context.Context, started time.Time) {
	remaining := s.lookupFloor - time.Since(started)
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
