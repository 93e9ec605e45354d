package polls

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the supported poll kinds.
type Kind string

const (
	// KindInformal is a non-binding sentiment poll.
	KindInformal Kind = "informal"
	// KindBinding is a poll whose outcome is formally binding.
	KindBinding Kind = "binding"
	// KindStrawPoll is a quick straw poll.
	KindStrawPoll Kind = "straw_poll"
)

// Status is the lifecycle state of a poll at a given instant.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusClosed    Status = "closed"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 300
	minimumOptionCount  = 2
)

var (
	// ErrInvalidPollID indicates that a poll identifier is empty or exceeds storage bounds.
	ErrInvalidPollID = errors.New("polls: invalid poll id")
	// ErrInvalidOptionID indicates that an option identifier is empty or exceeds storage bounds.
	ErrInvalidOptionID = errors.New("polls: invalid option id")
	// ErrInvalidKind indicates an unknown poll kind.
	ErrInvalidKind = errors.New("polls: invalid poll kind")
	// ErrInvalidDraft indicates that a poll draft violates a catalog invariant.
	ErrInvalidDraft = errors.New("polls: invalid poll draft")
	// ErrPollNotFound indicates that no poll exists for the identifier.
	ErrPollNotFound = errors.New("polls: poll not found")
	// ErrOptionNotFound indicates that the option does not belong to the poll.
	ErrOptionNotFound = errors.New("polls: option not found")
)

// PollID represents a validated poll identifier.
type PollID string

// NewPollID validates raw input and returns a PollID.
func NewPollID(rawInput string) (PollID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPollID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPollID, maxIdentifierLength)
	}
	return PollID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PollID) String() string {
	return string(id)
}

// OptionID represents a validated option identifier.
type OptionID string

// NewOptionID validates raw input and returns an OptionID.
func NewOptionID(rawInput string) (OptionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOptionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOptionID, maxIdentifierLength)
	}
	return OptionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OptionID) String() string {
	return string(id)
}

// ParseKind accepts the canonical kind names plus the hyphenated straw-poll spelling.
func ParseKind(rawInput string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(KindInformal):
		return KindInformal, nil
	case string(KindBinding):
		return KindBinding, nil
	case string(KindStrawPoll), "straw-poll", "strawpoll":
		return KindStrawPoll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// Poll is a votable proposition. Instants are stored as unix microseconds.
type Poll struct {
	PollID          string `gorm:"column:poll_id;primaryKey;size:190;not null"`
	Title           string `gorm:"column:title;size:300;not null"`
	Description     string `gorm:"column:description;type:text;not null;default:''"`
	Kind            Kind   `gorm:"column:kind;size:32;not null"`
	Anonymous       bool   `gorm:"column:anonymous;not null;default:false"`
	OpensAtMicros   int64  `gorm:"column:opens_at_us;not null;index:idx_polls_window,priority:1"`
	ClosesAtMicros  int64  `gorm:"column:closes_at_us;not null;index:idx_polls_window,priority:2"`
	ClosedAtMicros  *int64 `gorm:"column:closed_at_us"`
	CreatedBy       string `gorm:"column:created_by;size:190;not null"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Poll) TableName() string {
	return "polls"
}

// OpensAt returns the start of the voting window.
func (poll Poll) OpensAt() time.Time {
	return time.UnixMicro(poll.OpensAtMicros).UTC()
}

// ClosesAt returns the scheduled end of the voting window.
func (poll Poll) ClosesAt() time.Time {
	return time.UnixMicro(poll.ClosesAtMicros).UTC()
}

// ClosedAt returns the administrative closure instant, if any.
func (poll Poll) ClosedAt() *time.Time {
	if poll.ClosedAtMicros == nil {
		return nil
	}
	closedAt := time.UnixMicro(*poll.ClosedAtMicros).UTC()
	return &closedAt
}

// PollOption is one selectable choice within a poll.
type PollOption struct {
	OptionID     string `gorm:"column:option_id;primaryKey;size:190;not null"`
	PollID       string `gorm:"column:poll_id;size:190;not null;uniqueIndex:idx_poll_options_order,priority:1"`
	Text         string `gorm:"column:text;size:500;not null"`
	DisplayOrder int    `gorm:"column:display_order;not null;uniqueIndex:idx_poll_options_order,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (PollOption) TableName() string {
	return "poll_options"
}

// GetPollStatus reports the lifecycle state of poll at now. The window is
// inclusive at both ends; an administrative closure ends it early.
func GetPollStatus(poll Poll, now time.Time) Status {
	nowMicros := now.UTC().UnixMicro()
	if poll.ClosedAtMicros != nil && nowMicros >= *poll.ClosedAtMicros {
		return StatusClosed
	}
	switch {
	case nowMicros < poll.OpensAtMicros:
		return StatusScheduled
	case nowMicros > poll.ClosesAtMicros:
		return StatusClosed
	default:
		return StatusActive
	}
}
