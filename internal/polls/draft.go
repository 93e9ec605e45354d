package polls

import (
	"fmt"
	"strings"
	"time"
)

// OptionDraft describes one option supplied when creating a poll.
type OptionDraft struct {
	Text         string
	DisplayOrder int
}

// PollDraft describes a poll to be created by an administrator.
type PollDraft struct {
	Title       string
	Description string
	Kind        Kind
	Anonymous   bool
	OpensAt     time.Time
	ClosesAt    time.Time
	CreatedBy   string
	Options     []OptionDraft
}

func (draft PollDraft) validate() error {
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidDraft)
	}
	if len(title) > maxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidDraft, maxTitleLength)
	}
	if _, err := ParseKind(string(draft.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	if draft.OpensAt.IsZero() || draft.ClosesAt.IsZero() {
		return fmt.Errorf("%w: voting window required", ErrInvalidDraft)
	}
	if !draft.ClosesAt.After(draft.OpensAt) {
		return fmt.Errorf("%w: closes_at must be after opens_at", ErrInvalidDraft)
	}
	if strings.TrimSpace(draft.CreatedBy) == "" {
		return fmt.Errorf("%w: creator required", ErrInvalidDraft)
	}
	if len(draft.Options) < minimumOptionCount {
		return fmt.Errorf("%w: at least %d options required", ErrInvalidDraft, minimumOptionCount)
	}
	seenOrders := make(map[int]struct{}, len(draft.Options))
	for _, option := range draft.Options {
		if strings.TrimSpace(option.Text) == "" {
			return fmt.Errorf("%w: empty option text", ErrInvalidDraft)
		}
		if _, duplicate := seenOrders[option.DisplayOrder]; duplicate {
			return fmt.Errorf("%w: duplicate display order %d", ErrInvalidDraft, option.DisplayOrder)
		}
		seenOrders[option.DisplayOrder] = struct{}{}
	}
	return nil
}
