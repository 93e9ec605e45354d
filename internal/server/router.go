package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/anchor"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/audit"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/auth"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/ledger"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/polls"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	claimsContextKey = "ballotledger_session_claims"

	defaultAdminRole    = "admin"
	defaultReceiptRate  = 2
	defaultReceiptBurst = 10
	retryAfterSeconds   = "1"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingVoterResolver    = errors.New("voter resolver dependency required")
	errMissingCatalog          = errors.New("poll catalog dependency required")
	errMissingLedger           = errors.New("ledger dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// VoterResolver maps session claims to the voter id recorded on votes.
type VoterResolver interface {
	ResolveVoterID(ctx context.Context, claims auth.SessionClaims) (ledger.VoterID, error)
}

// Dependencies bundles everything the HTTP surface needs.
type Dependencies struct {
	SessionValidator SessionValidator
	VoterResolver    VoterResolver
	Catalog          *polls.Service
	Ledger           *ledger.Service
	Events           *audit.Dispatcher
	Anchor           *anchor.Log
	Clock            func() time.Time
	Logger           *zap.Logger
	AdminRole        string
	VoterRoles       []string
	BindingEnabled   bool
	// AllowUnlinked lets voters on non-anonymous polls opt out of identification.
	// Unlinked votes escape the one-vote-per-voter check, so one session can cast
	// any number of them next to its identified vote.
	AllowUnlinked    bool
	ReceiptRate      rate.Limit
	ReceiptBurst     int
}

// NewHTTPHandler wires the REST routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.VoterResolver == nil {
		return nil, errMissingVoterResolver
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	adminRole := strings.TrimSpace(deps.AdminRole)
	if adminRole == "" {
		adminRole = defaultAdminRole
	}
	receiptRate := deps.ReceiptRate
	if receiptRate <= 0 {
		receiptRate = defaultReceiptRate
	}
	receiptBurst := deps.ReceiptBurst
	if receiptBurst <= 0 {
		receiptBurst = defaultReceiptBurst
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:       deps.SessionValidator,
		voters:         deps.VoterResolver,
		catalog:        deps.Catalog,
		ledger:         deps.Ledger,
		events:         deps.Events,
		anchor:         deps.Anchor,
		clock:          clock,
		logger:         logger,
		adminRole:      adminRole,
		voterRoles:     append([]string(nil), deps.VoterRoles...),
		bindingEnabled: deps.BindingEnabled,
		allowUnlinked:  deps.AllowUnlinked,
	}
	receiptLimiter := newClientRateLimiter(receiptRate, receiptBurst, clock)

	router.GET("/polls/:poll_id", handler.handleGetPoll)
	router.GET("/polls/:poll_id/head", handler.handleChainHead)
	router.GET("/receipts/:code", rateLimitMiddleware(receiptLimiter), handler.handleLookupReceipt)
	if deps.Events != nil {
		router.GET("/polls/:poll_id/events", handler.handlePollEvents)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/polls", handler.requireRoles(adminRole), handler.handleCreatePoll)
	protected.POST("/polls/:poll_id/close", handler.requireRoles(adminRole), handler.handleClosePoll)
	protected.GET("/polls/:poll_id/verify", handler.requireRoles(adminRole), handler.handleVerifyChain)
	protected.POST("/polls/:poll_id/votes", handler.requireRoles(handler.voterRoles...), handler.handleCastVote)

	return router, nil
}

type httpHandler struct {
	sessions       SessionValidator
	voters         VoterResolver
	catalog        *polls.Service
	ledger         *ledger.Service
	events         *audit.Dispatcher
	anchor         *anchor.Log
	clock          func() time.Time
	logger         *zap.Logger
	adminRole      string
	voterRoles     []string
	bindingEnabled bool
	allowUnlinked  bool
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireRoles(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := sessionClaims(c)
		if !ok || !claims.HasAnyRole(roles) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, exists := c.Get(claimsContextKey)
	if !exists {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func pathPollID(c *gin.Context) (polls.PollID, bool) {
	pollID, err := polls.NewPollID(c.Param("poll_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_poll_id"})
		return "", false
	}
	return pollID, true
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, polls.ErrPollNotFound), errors.Is(err, ledger.ErrPollNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "poll_not_found"})
	case errors.Is(err, ledger.ErrPollNotOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "poll_not_open"})
	case errors.Is(err, ledger.ErrInvalidOption), errors.Is(err, polls.ErrInvalidOptionID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_option"})
	case errors.Is(err, ledger.ErrDuplicateVote):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_vote"})
	case errors.Is(err, ledger.ErrReceiptNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt_not_found"})
	case ledger.IsTransient(err):
		c.Header("Retry-After", retryAfterSeconds)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "write_conflict"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request_cancelled"})
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
