package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrPollNotFound indicates that the target poll does not exist.
	ErrPollNotFound = errors.New("ledger: poll not found")
	// ErrPollNotOpen indicates that the poll is scheduled or closed.
	ErrPollNotOpen = errors.New("ledger: poll not open")
	// ErrInvalidOption indicates that the option does not belong to the poll.
	ErrInvalidOption = errors.New("ledger: invalid option")
	// ErrDuplicateVote indicates that the voter already voted in a non-anonymous poll.
	ErrDuplicateVote = errors.New("ledger: duplicate vote")
	// ErrWriteConflict indicates contention on the poll's serialized unit.
	ErrWriteConflict = errors.New("ledger: write conflict")
	// ErrReceiptNotFound indicates that no vote carries the receipt code.
	ErrReceiptNotFound = errors.New("ledger: receipt not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
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

// TransientError is returned once write conflicts survive every retry.
type TransientError struct {
	Attempts int
	err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("ledger: transient failure after %d attempts: %v", e.Attempts, e.err)
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// IsPrecondition reports whether err is a caller-caused rejection that must not be retried.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPollNotFound) ||
		errors.Is(err, ErrPollNotOpen) ||
		errors.Is(err, ErrInvalidOption) ||
		errors.Is(err, ErrDuplicateVote) ||
		errors.Is(err, ErrInvalidVoteRequest)
}

// IsTransient reports whether err is contention the caller may retry later.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrPollNotFound):
		return "poll_not_found"
	case errors.Is(err, ErrPollNotOpen):
		return "poll_not_open"
	case errors.Is(err, ErrInvalidOption):
		return "invalid_option"
	case errors.Is(err, ErrDuplicateVote):
		return "duplicate_vote"
	case errors.Is(err, ErrInvalidVoteRequest):
		return "invalid_request"
	case IsTransient(err):
		return "write_conflict"
	default:
		return "internal"
	}
}

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateUniqueViolation      = "23505"
)

// isStorageConflict classifies driver errors caused by concurrent writers on the
// same poll. Unique violations count: a racing writer took the sequence slot.
func isStorageConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable, sqlStateUniqueViolation:
			return true
		}
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "sqlite_busy") ||
		strings.Contains(message, "unique constraint failed")
}
