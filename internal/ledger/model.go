package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/chain"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/polls"
	"gorm.io/gorm"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidVoterID indicates that a voter identifier is empty or exceeds storage bounds.
	ErrInvalidVoterID = errors.New("ledger: invalid voter id")
	// ErrInvalidVoteRequest indicates that a vote request is missing a required field.
	ErrInvalidVoteRequest = errors.New("ledger: invalid vote request")
	// ErrVoteImmutable is returned by GORM hooks when anything attempts to rewrite a vote.
	ErrVoteImmutable = errors.New("ledger: votes are append-only")
)

// VoterID represents a validated voter identity reference.
type VoterID string

// NewVoterID validates raw input and returns a VoterID.
func NewVoterID(rawInput string) (VoterID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVoterID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVoterID, maxIdentifierLength)
	}
	return VoterID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VoterID) String() string {
	return string(id)
}

// Vote is one immutable ledger entry. Sequence is the ledger-assigned position
// within the poll, starting at one.
type Vote struct {
	VoteID       string  `gorm:"column:vote_id;primaryKey;size:190;not null"`
	PollID       string  `gorm:"column:poll_id;size:190;not null;uniqueIndex:idx_votes_poll_sequence,priority:1;uniqueIndex:idx_votes_poll_voter,priority:1"`
	Sequence     int64   `gorm:"column:sequence;not null;uniqueIndex:idx_votes_poll_sequence,priority:2"`
	OptionID     string  `gorm:"column:option_id;size:190;not null"`
	VoterID      *string `gorm:"column:voter_id;size:190;uniqueIndex:idx_votes_poll_voter,priority:2"`
	CastAtMicros int64   `gorm:"column:cast_at_us;not null"`
	PrevHash     *string `gorm:"column:prev_hash;size:64"`
	VoteHash     string  `gorm:"column:vote_hash;size:64;not null;uniqueIndex:idx_votes_vote_hash"`
	ReceiptCode  string  `gorm:"column:receipt_code;size:32;not null;uniqueIndex:idx_votes_receipt_code"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "poll_votes"
}

// BeforeUpdate rejects every ORM-level update of a vote.
func (Vote) BeforeUpdate(*gorm.DB) error {
	return ErrVoteImmutable
}

// BeforeDelete rejects every ORM-level delete of a vote.
func (Vote) BeforeDelete(*gorm.DB) error {
	return ErrVoteImmutable
}

// CastAt returns the ledger-assigned timestamp.
func (vote Vote) CastAt() time.Time {
	return time.UnixMicro(vote.CastAtMicros).UTC()
}

func (vote Vote) link() chain.Link {
	return chain.Link{
		Sequence: vote.Sequence,
		VoterID:  vote.VoterID,
		OptionID: vote.OptionID,
		CastAt:   vote.CastAt(),
		PrevHash: vote.PrevHash,
		VoteHash: vote.VoteHash,
	}
}

// VoteRequest is the only accepted shape for casting a vote. The timestamp is
// informational; the ledger assigns its own.
type VoteRequest struct {
	pollID      polls.PollID
	optionID    polls.OptionID
	voterID     *VoterID
	requestedAt time.Time
}

// VoteRequestConfig describes the inputs required to build a VoteRequest.
type VoteRequestConfig struct {
	PollID      polls.PollID
	OptionID    polls.OptionID
	VoterID     *VoterID
	RequestedAt time.Time
}

// NewVoteRequest validates the configuration and returns a VoteRequest.
func NewVoteRequest(cfg VoteRequestConfig) (VoteRequest, error) {
	if cfg.PollID == "" {
		return VoteRequest{}, fmt.Errorf("%w: empty poll id", ErrInvalidVoteRequest)
	}
	if cfg.OptionID == "" {
		return VoteRequest{}, fmt.Errorf("%w: empty option id", ErrInvalidVoteRequest)
	}
	var voter *VoterID
	if cfg.VoterID != nil {
		if *cfg.VoterID == "" {
			return VoteRequest{}, fmt.Errorf("%w: empty voter id", ErrInvalidVoteRequest)
		}
		copied := *cfg.VoterID
		voter = &copied
	}
	return VoteRequest{
		pollID:      cfg.PollID,
		optionID:    cfg.OptionID,
		voterID:     voter,
		requestedAt: cfg.RequestedAt,
	}, nil
}

// PollID returns the target poll.
func (request VoteRequest) PollID() polls.PollID {
	return request.pollID
}

// OptionID returns the chosen option.
func (request VoteRequest) OptionID() polls.OptionID {
	return request.optionID
}

// VoterID returns the voter identity, or nil when the caller is not identified.
func (request VoteRequest) VoterID() *VoterID {
	return request.voterID
}

// RequestedAt returns the caller's submission time.
func (request VoteRequest) RequestedAt() time.Time {
	return request.requestedAt
}

// AppendResult describes the link created by a successful append.
type AppendResult struct {
	VoteID      string
	Sequence    int64
	VoteHash    string
	PrevHash    string
	ReceiptCode string
	CastAt      time.Time
}

// ReceiptSummary is what a receipt reveals. It has no voter identity field.
type ReceiptSummary struct {
	ReceiptCode string
	PollID      string
	PollTitle   string
	PollKind    polls.Kind
	OptionID    string
	OptionText  string
	CastAt      time.Time
	VoteHash    string
	PrevHash    string
}

// VerificationReport is the outcome of replaying a poll's chain.
type VerificationReport struct {
	PollID      string `json:"poll_id"`
	Valid       bool   `json:"valid"`
	TotalVotes  int    `json:"total_votes"`
	BrokenLinks []int  `json:"broken_links"`
	HeadHash    string `json:"head_hash"`

	// Links is the read the report was computed from.
	Links []chain.Link `json:"-"`
}

// ChainHead is the latest link of a poll's chain.
type ChainHead struct {
	PollID     string
	TotalVotes int64
	HeadHash   string
}
