package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/audit"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/chain"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/polls"
	"go.uber.org/zap"
)

// VerifyChain replays the poll's chain in ledger order. Broken links are
// reported in the result, not as an error. No lock is taken: appends that
// commit after the read are simply not part of this report.
func (s *Service) VerifyChain(ctx context.Context, pollID polls.PollID) (VerificationReport, error) {
	links, err := s.ChainLinks(ctx, pollID)
	if err != nil {
		return VerificationReport{}, err
	}
	broken := chain.FindBrokenLinks(links)
	report := VerificationReport{
		PollID:      pollID.String(),
		Valid:       len(broken) == 0,
		TotalVotes:  len(links),
		BrokenLinks: broken,
		HeadHash:    chain.GenesisSentinel,
		Links:       links,
	}
	if len(links) > 0 {
		report.HeadHash = links[len(links)-1].VoteHash
	}

	fields := []zap.Field{
		zap.String(fieldPollID, report.PollID),
		zap.Int("total_votes", report.TotalVotes),
		zap.Bool("valid", report.Valid),
	}
	if report.Valid {
		s.logger.Info("chain verified", fields...)
	} else {
		s.logger.Warn("chain verification found broken links", append(fields, zap.Ints("broken_links", broken))...)
	}
	s.sink.Record(audit.Event{
		Type:       audit.EventChainVerified,
		PollID:     report.PollID,
		Sequence:   int64(report.TotalVotes),
		VoteHash:   report.HeadHash,
		Valid:      report.Valid,
		OccurredAt: s.clock().UTC(),
	})
	return report, nil
}

// ChainLinks reads every vote of the poll in ledger order as replayable links.
func (s *Service) ChainLinks(ctx context.Context, pollID polls.PollID) ([]chain.Link, error) {
	db := s.db.WithContext(ctx)
	if _, err := polls.LoadPoll(db, pollID); err != nil {
		if errors.Is(err, polls.ErrPollNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPollNotFound, pollID)
		}
		s.logError(opChainLinks, reasonQueryFail, err, zap.String(fieldPollID, pollID.String()))
		return nil, newServiceError(opChainLinks, reasonQueryFail, err)
	}
	var votes []Vote
	if err := db.Where(queryPollID, pollID.String()).Order(orderSequenceAsc).Find(&votes).Error; err != nil {
		s.logError(opVerifyChain, reasonQueryFail, err, zap.String(fieldPollID, pollID.String()))
		return nil, newServiceError(opVerifyChain, reasonQueryFail, err)
	}
	links := make([]chain.Link, 0, len(votes))
	for _, vote := range votes {
		links = append(links, vote.link())
	}
	return links, nil
}

// ChainHead returns the poll's latest hash, or the genesis sentinel when no vote exists.
func (s *Service) ChainHead(ctx context.Context, pollID polls.PollID) (ChainHead, error) {
	db := s.db.WithContext(ctx)
	if _, err := polls.LoadPoll(db, pollID); err != nil {
		if errors.Is(err, polls.ErrPollNotFound) {
			return ChainHead{}, fmt.Errorf("%w: %s", ErrPollNotFound, pollID)
		}
		s.logError(opChainHead, reasonQueryFail, err, zap.String(fieldPollID, pollID.String()))
		return ChainHead{}, newServiceError(opChainHead, reasonQueryFail, err)
	}
	head, found, err := loadHead(db, pollID)
	if err != nil {
		s.logError(opChainHead, reasonQueryFail, err, zap.String(fieldPollID, pollID.String()))
		return ChainHead{}, newServiceError(opChainHead, reasonQueryFail, err)
	}
	if !found {
		return ChainHead{PollID: pollID.String(), HeadHash: chain.GenesisSentinel}, nil
	}
	return ChainHead{PollID: pollID.String(), TotalVotes: head.Sequence, HeadHash: head.VoteHash}, nil
}
