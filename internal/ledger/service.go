package ledger

import (
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/audit"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/polls"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 10 * time.Millisecond
	defaultLockTimeout = 2 * time.Second
	defaultLookupFloor = 25 * time.Millisecond

	dialectPostgres = "postgres"

	opServiceNew     = "ledger.service.new"
	opAppendVote     = "ledger.append_vote"
	opHasVoted       = "ledger.has_voted"
	opChainHead      = "ledger.chain_head"
	opVerifyChain    = "ledger.verify_chain"
	opLookupReceipt  = "ledger.lookup_receipt"
	opChainLinks     = "ledger.chain_links"
	reasonIDFailed   = "id_generation_failed"
	reasonInsertFail = "insert_failed"
	reasonQueryFail  = "query_failed"

	fieldPollID   = "poll_id"
	fieldAttempt  = "attempt"
	fieldSequence = "sequence"

	queryPollID         = "poll_id = ?"
	queryPollVoter      = "poll_id = ? AND voter_id = ?"
	orderSequenceAsc    = "sequence ASC"
	orderSequenceDesc   = "sequence DESC"
	postgresPollLockSQL = "SELECT pg_advisory_xact_lock(hashtext(?))"
)

// ServiceConfig describes the dependencies of the ledger.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  polls.IDProvider
	Logger      *zap.Logger
	Sink        audit.Sink
	MaxAttempts int
	BaseBackoff time.Duration
	LockTimeout time.Duration
	LookupFloor time.Duration
}

// Service appends votes to per-poll hash chains, verifies them and resolves receipts.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    polls.IDProvider
	logger        *zap.Logger
	sink          audit.Sink
	locks         *pollLocks
	serialization serialization
	maxAttempts   int
	baseBackoff   time.Duration
	lockTimeout   time.Duration
	lookupFloor   time.Duration
}

// NewService validates the configuration and constructs the ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
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
		logger = zap.NewNop()
	}
	var sink audit.Sink = audit.NopSink{}
	if cfg.Sink != nil {
		sink = cfg.Sink
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	lookupFloor := cfg.LookupFloor
	if lookupFloor < 0 {
		lookupFloor = 0
	} else if lookupFloor == 0 {
		lookupFloor = defaultLookupFloor
	}
	return &Service{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		sink:          sink,
		locks:         newPollLocks(),
		serialization: serializationFor(dialectName(cfg.Database)),
		maxAttempts:   maxAttempts,
		baseBackoff:   baseBackoff,
		lockTimeout:   lockTimeout,
		lookupFloor:   lookupFloor,
	}, nil
}

func dialectName(db *gorm.DB) string {
	if db.Dialector == nil {
		return ""
	}
	return db.Dialector.Name()
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
	s.logger.Error("ledger service error", attrs...)
}
