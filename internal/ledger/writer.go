package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/audit"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/chain"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/polls"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppendVote records one vote at the head of the poll's chain. Preconditions are
// terminal; write conflicts are retried with jittered backoff and surface as a
// *TransientError once the attempts run out.
func (s *Service) AppendVote(ctx context.Context, request VoteRequest) (AppendResult, error) {
	if request.PollID() == "" || request.OptionID() == "" {
		return AppendResult{}, fmt.Errorf("%w: zero value request", ErrInvalidVoteRequest)
	}
	var lastConflict error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result, err := s.appendOnce(ctx, request)
		if err == nil {
			s.logger.Info("vote appended",
				zap.String(fieldPollID, request.PollID().String()),
				zap.Int64(fieldSequence, result.Sequence),
			)
			s.sink.Record(audit.Event{
				Type:       audit.EventVoteAccepted,
				PollID:     request.PollID().String(),
				Sequence:   result.Sequence,
				VoteHash:   result.VoteHash,
				OccurredAt: result.CastAt,
			})
			return result, nil
		}
		if !errors.Is(err, ErrWriteConflict) {
			s.reject(request, err)
			return AppendResult{}, err
		}
		lastConflict = err
		s.logger.Debug("vote append conflicted",
			zap.String(fieldPollID, request.PollID().String()),
			zap.Int(fieldAttempt, attempt),
			zap.Error(err),
		)
		if attempt == s.maxAttempts {
			break
		}
		if waitErr := s.backoff(ctx, attempt); waitErr != nil {
			s.reject(request, waitErr)
			return AppendResult{}, waitErr
		}
	}
	transient := &TransientError{Attempts: s.maxAttempts, err: lastConflict}
	s.logger.Warn("vote append exhausted retries",
		zap.String(fieldPollID, request.PollID().String()),
		zap.Int(fieldAttempt, s.maxAttempts),
	)
	s.reject(request, transient)
	return AppendResult{}, transient
}

// HasVoted reports whether the voter already has a vote in the poll.
func (s *Service) HasVoted(ctx context.Context, pollID polls.PollID, voterID VoterID) (bool, error) {
	voted, err := hasVoted(s.db.WithContext(ctx), pollID, voterID)
	if err != nil {
		s.logError(opHasVoted, reasonQueryFail, err, zap.String(fieldPollID, pollID.String()))
		return false, newServiceError(opHasVoted, reasonQueryFail, err)
	}
	return voted, nil
}

func (s *Service) appendOnce(ctx context.Context, request VoteRequest) (AppendResult, error) {
	pollID := request.PollID()
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	release, lockErr := s.locks.acquire(lockCtx, pollID.String())
	cancel()
	if lockErr != nil {
		if ctx.Err() != nil {
			return AppendResult{}, ctx.Err()
		}
		return AppendResult{}, fmt.Errorf("%w: poll lock not acquired within %s", ErrWriteConflict, s.lockTimeout)
	}
	defer release()

	var result AppendResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appended, err := s.appendInTransaction(tx, request)
		if err != nil {
			return err
		}
		result = appended
		return nil
	}, s.txOptions()...)
	if txErr == nil {
		return result, nil
	}
	var serviceErr *ServiceError
	switch {
	case IsPrecondition(txErr), errors.Is(txErr, ErrWriteConflict), errors.As(txErr, &serviceErr):
		return AppendResult{}, txErr
	case ctx.Err() != nil:
		return AppendResult{}, ctx.Err()
	case isStorageConflict(txErr):
		return AppendResult{}, fmt.Errorf("%w: %v", ErrWriteConflict, txErr)
	default:
		s.logError(opAppendVote, reasonInsertFail, txErr, zap.String(fieldPollID, pollID.String()))
		return AppendResult{}, newServiceError(opAppendVote, reasonInsertFail, txErr)
	}
}

func (s *Service) appendInTransaction(tx *gorm.DB, request VoteRequest) (AppendResult, error) {
	pollID := request.PollID()
	poll, err := s.lockPoll(tx, pollID)
	if err != nil {
		if errors.Is(err, polls.ErrPollNotFound) {
			return AppendResult{}, fmt.Errorf("%w: %s", ErrPollNotFound, pollID)
		}
		return AppendResult{}, err
	}
	now := s.clock().UTC()
	if status := polls.GetPollStatus(poll, now); status != polls.StatusActive {
		return AppendResult{}, fmt.Errorf("%w: poll is %s", ErrPollNotOpen, status)
	}
	if _, err := polls.LoadOption(tx, pollID, request.OptionID()); err != nil {
		if errors.Is(err, polls.ErrOptionNotFound) {
			return AppendResult{}, fmt.Errorf("%w: %s", ErrInvalidOption, request.OptionID())
		}
		return AppendResult{}, err
	}

	var voterID *string
	if !poll.Anonymous && request.VoterID() != nil {
		voted, err := hasVoted(tx, pollID, *request.VoterID())
		if err != nil {
			return AppendResult{}, err
		}
		if voted {
			return AppendResult{}, ErrDuplicateVote
		}
		value := request.VoterID().String()
		voterID = &value
	}

	head, found, err := loadHead(tx, pollID)
	if err != nil {
		return AppendResult{}, err
	}
	castAt := now.Truncate(time.Microsecond)
	sequence := int64(1)
	var prevHash *string
	if found {
		previous := head.VoteHash
		prevHash = &previous
		sequence = head.Sequence + 1
		if castAt.Before(head.CastAt()) {
			castAt = head.CastAt()
		}
	}

	voteHash := chain.ComputeVoteHash(voterID, request.OptionID().String(), castAt, prevHash)
	voteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendVote, reasonIDFailed, err)
		return AppendResult{}, newServiceError(opAppendVote, reasonIDFailed, err)
	}
	vote := Vote{
		VoteID:       voteID,
		PollID:       pollID.String(),
		Sequence:     sequence,
		OptionID:     request.OptionID().String(),
		VoterID:      voterID,
		CastAtMicros: castAt.UnixMicro(),
		PrevHash:     prevHash,
		VoteHash:     voteHash,
		ReceiptCode:  chain.DeriveReceiptCode(voteHash),
	}
	if err := tx.Create(&vote).Error; err != nil {
		return AppendResult{}, err
	}
	return AppendResult{
		VoteID:      vote.VoteID,
		Sequence:    vote.Sequence,
		VoteHash:    vote.VoteHash,
		PrevHash:    chain.DisplayPrevHash(vote.PrevHash),
		ReceiptCode: vote.ReceiptCode,
		CastAt:      castAt,
	}, nil
}

// serialization is how a dialect makes appends to one poll happen one at a time.
type serialization struct {
	// isolation is passed to BeginTx; nil keeps the driver default.
	isolation *sql.TxOptions
	// advisoryLock takes a transaction-scoped advisory lock named after the poll
	// before anything is read.
	advisoryLock bool
}

// serializationFor picks the strategy for a gorm dialect. SQLite writers share
// one connection and the in-process lock arena. Postgres writers in any process
// queue on the advisory lock, and the transaction stays READ COMMITTED so every
// read after the lock wait sees the head the previous holder committed.
func serializationFor(dialect string) serialization {
	if dialect != dialectPostgres {
		return serialization{}
	}
	return serialization{
		isolation:    &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		advisoryLock: true,
	}
}

// lockPoll loads the poll inside the transaction, first taking the advisory
// lock when the dialect uses one.
func (s *Service) lockPoll(tx *gorm.DB, pollID polls.PollID) (polls.Poll, error) {
	if !s.serialization.advisoryLock {
		return polls.LoadPoll(tx, pollID)
	}
	if err := tx.Exec(postgresPollLockSQL, pollID.String()).Error; err != nil {
		return polls.Poll{}, err
	}
	return polls.LoadPollForUpdate(tx, pollID)
}

func (s *Service) txOptions() []*sql.TxOptions {
	if s.serialization.isolation == nil {
		return nil
	}
	return []*sql.TxOptions{s.serialization.isolation}
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	delay := s.baseBackoff << (attempt - 1)
	delay += time.Duration(rand.Int64N(int64(s.baseBackoff) + 1))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) reject(request VoteRequest, err error) {
	s.sink.Record(audit.Event{
		Type:       audit.EventVoteRejected,
		PollID:     request.PollID().String(),
		Reason:     rejectionReason(err),
		OccurredAt: s.clock().UTC(),
	})
}

func hasVoted(db *gorm.DB, pollID polls.PollID, voterID VoterID) (bool, error) {
	var count int64
	err := db.Model(&Vote{}).Where(queryPollVoter, pollID.String(), voterID.String()).Count(&count).Error
	return count > 0, err
}

func loadHead(db *gorm.DB, pollID polls.PollID) (Vote, bool, error) {
	var head Vote
	err := db.Where(queryPollID, pollID.String()).Order(orderSequenceDesc).Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Vote{}, false, nil
	}
	if err != nil {
		return Vote{}, false, err
	}
	return head, true, nil
}
