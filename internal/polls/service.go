package polls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew    = "polls.service.new"
	opCreatePoll    = "polls.create_poll"
	opGetPoll       = "polls.get_poll"
	opListOptions   = "polls.list_options"
	opValidateOpt   = "polls.validate_option"
	opClosePoll     = "polls.close_poll"
	fieldPollID     = "poll_id"
	fieldOptionID   = "option_id"
	queryPollID     = "poll_id = ?"
	queryPollOption = "poll_id = ? AND option_id = ?"
	orderDisplayAsc = "display_order ASC"

	reasonMissingDatabase = "missing_database"
	reasonIDFailed        = "id_generation_failed"
	reasonInsertFailed    = "insert_failed"
	reasonQueryFailed     = "query_failed"
	reasonUpdateFailed    = "update_failed"
)

// ServiceError carries an "<operation>.<reason>" code for infrastructure failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the poll catalog.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the poll catalog: it owns Poll and PollOption rows.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the catalog.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreatePoll validates the draft and persists the poll with its options atomically.
func (s *Service) CreatePoll(ctx context.Context, draft PollDraft) (Poll, []PollOption, error) {
	if err := draft.validate(); err != nil {
		return Poll{}, nil, err
	}
	kind, _ := ParseKind(string(draft.Kind))

	pollID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreatePoll, reasonIDFailed, err)
		return Poll{}, nil, newServiceError(opCreatePoll, reasonIDFailed, err)
	}
	poll := Poll{
		PollID:          pollID,
		Title:           strings.TrimSpace(draft.Title),
		Description:     strings.TrimSpace(draft.Description),
		Kind:            kind,
		Anonymous:       draft.Anonymous,
		OpensAtMicros:   draft.OpensAt.UTC().UnixMicro(),
		ClosesAtMicros:  draft.ClosesAt.UTC().UnixMicro(),
		CreatedBy:       strings.TrimSpace(draft.CreatedBy),
		CreatedAtMicros: s.clock().UTC().UnixMicro(),
	}
	options := make([]PollOption, 0, len(draft.Options))
	for _, optionDraft := range draft.Options {
		optionID, idErr := s.idProvider.NewID()
		if idErr != nil {
			s.logError(opCreatePoll, reasonIDFailed, idErr, zap.String(fieldPollID, pollID))
			return Poll{}, nil, newServiceError(opCreatePoll, reasonIDFailed, idErr)
		}
		options = append(options, PollOption{
			OptionID:     optionID,
			PollID:       pollID,
			Text:         strings.TrimSpace(optionDraft.Text),
			DisplayOrder: optionDraft.DisplayOrder,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&poll).Error; err != nil {
			return err
		}
		return tx.Create(&options).Error
	})
	if txErr != nil {
		s.logError(opCreatePoll, reasonInsertFailed, txErr, zap.String(fieldPollID, pollID))
		return Poll{}, nil, newServiceError(opCreatePoll, reasonInsertFailed, txErr)
	}

	s.logger.Info("poll created",
		zap.String(fieldPollID, pollID),
		zap.String("kind", string(kind)),
		zap.Bool("anonymous", poll.Anonymous),
		zap.Int("options", len(options)))
	return poll, options, nil
}

// GetPoll returns the poll or ErrPollNotFound.
func (s *Service) GetPoll(ctx context.Context, pollID PollID) (Poll, error) {
	poll, err := LoadPoll(s.db.WithContext(ctx), pollID)
	if err != nil && !errors.Is(err, ErrPollNotFound) {
		s.logError(opGetPoll, reasonQueryFailed, err, zap.String(fieldPollID, pollID.String()))
		return Poll{}, newServiceError(opGetPoll, reasonQueryFailed, err)
	}
	return poll, err
}

// PollStatus reports the lifecycle state of the poll at the catalog clock.
func (s *Service) PollStatus(ctx context.Context, pollID PollID) (Status, error) {
	poll, err := s.GetPoll(ctx, pollID)
	if err != nil {
		return "", err
	}
	return GetPollStatus(poll, s.clock()), nil
}

// ListOptions returns the poll's options in display order.
func (s *Service) ListOptions(ctx context.Context, pollID PollID) ([]PollOption, error) {
	options, err := LoadOptions(s.db.WithContext(ctx), pollID)
	if err != nil {
		s.logError(opListOptions, reasonQueryFailed, err, zap.String(fieldPollID, pollID.String()))
		return nil, newServiceError(opListOptions, reasonQueryFailed, err)
	}
	return options, nil
}

// ValidateOption confirms that the option belongs to the poll.
func (s *Service) ValidateOption(ctx context.Context, pollID PollID, optionID OptionID) (PollOption, error) {
	option, err := LoadOption(s.db.WithContext(ctx), pollID, optionID)
	if err != nil && !errors.Is(err, ErrOptionNotFound) {
		s.logError(opValidateOpt, reasonQueryFailed, err,
			zap.String(fieldPollID, pollID.String()),
			zap.String(fieldOptionID, optionID.String()))
		return PollOption{}, newServiceError(opValidateOpt, reasonQueryFailed, err)
	}
	return option, err
}

// ClosePoll ends the voting window early. Closing a closed poll is a no-op.
func (s *Service) ClosePoll(ctx context.Context, pollID PollID) (Poll, error) {
	var closed Poll
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		poll, err := LoadPollForUpdate(tx, pollID)
		if err != nil {
			return err
		}
		now := s.clock().UTC()
		if GetPollStatus(poll, now) == StatusClosed {
			closed = poll
			return nil
		}
		closedAt := now.UnixMicro()
		if err := tx.Model(&Poll{}).Where(queryPollID, poll.PollID).Update("closed_at_us", closedAt).Error; err != nil {
			return newServiceError(opClosePoll, reasonUpdateFailed, err)
		}
		poll.ClosedAtMicros = &closedAt
		closed = poll
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrPollNotFound) {
			return Poll{}, txErr
		}
		s.logError(opClosePoll, reasonUpdateFailed, txErr, zap.String(fieldPollID, pollID.String()))
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			return Poll{}, txErr
		}
		return Poll{}, newServiceError(opClosePoll, reasonQueryFailed, txErr)
	}
	s.logger.Info("poll closed", zap.String(fieldPollID, pollID.String()))
	return closed, nil
}

// LoadPoll reads a poll through the provided handle, which may be a transaction.
func LoadPoll(db *gorm.DB, pollID PollID) (Poll, error) {
	var poll Poll
	err := db.Where(queryPollID, pollID.String()).Take(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Poll{}, fmt.Errorf("%w: %s", ErrPollNotFound, pollID)
	}
	return poll, err
}

// LoadPollForUpdate reads a poll and, where the dialect supports it, locks its row
// for the remainder of the transaction.
func LoadPollForUpdate(tx *gorm.DB, pollID PollID) (Poll, error) {
	return LoadPoll(tx.Clauses(clause.Locking{Strength: "UPDATE"}), pollID)
}

// LoadOption reads an option of the poll through the provided handle.
func LoadOption(db *gorm.DB, pollID PollID, optionID OptionID) (PollOption, error) {
	var option PollOption
	err := db.Where(queryPollOption, pollID.String(), optionID.String()).Take(&option).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PollOption{}, fmt.Errorf("%w: %s", ErrOptionNotFound, optionID)
	}
	return option, err
}

// LoadOptions reads all options of the poll in display order.
func LoadOptions(db *gorm.DB, pollID PollID) ([]PollOption, error) {
	var options []PollOption
	if err := db.Where(queryPollID, pollID.String()).Order(orderDisplayAsc).Find(&options).Error; err != nil {
		return nil, err
	}
	return options, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("polls service error", attrs...)
}
