package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/auth"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for voter identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves session claims to stable voter ids.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveVoterID returns the canonical voter id for the session, creating the
// identity mapping the first time a provider+subject pair is seen. The id is
// stable across provider prefix changes in the session payload.
func (s *Service) ResolveVoterID(ctx context.Context, claims auth.SessionClaims) (ledger.VoterID, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if voterID, ok := cached.(ledger.VoterID); ok {
			return voterID, nil
		}
	}

	db := s.db.WithContext(ctx)
	nowMicros := s.now().UTC().UnixMicro()
	var identity Identity
	err := db.Where("provider = ? AND subject = ?", provider, subject).Take(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:         provider,
			Subject:          subject,
			VoterID:          subject,
			DisplayName:      normalize(claims.UserDisplayName),
			FirstSeenAtMicro: nowMicros,
			LastSeenAtMicro:  nowMicros,
		}
		if err := db.Create(&identity).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		updates := map[string]interface{}{"last_seen_at_us": nowMicros}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
		}
		if err := db.Model(&Identity{}).Where("provider = ? AND subject = ?", provider, subject).Updates(updates).Error; err != nil {
			s.logger.Warn("voter identity touch failed", zap.String("provider", provider), zap.Error(err))
		}
	}

	voterID, err := ledger.NewVoterID(identity.VoterID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	s.cache.Store(cacheKey, voterID)
	return voterID, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
