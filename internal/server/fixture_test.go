package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/anchor"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/audit"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/auth"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/database"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/ledger"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/polls"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-secret"
	testCookieName    = "app_session"
	testIssuer        = "tauth"
	jsonContentType   = "application/json"
)

type fixture struct {
	t          *testing.T
	db         *gorm.DB
	handler    http.Handler
	catalog    *polls.Service
	ledger     *ledger.Service
	dispatcher *audit.Dispatcher
	anchor     *anchor.Log
}

type fixtureOptions struct {
	bindingDisabled bool
	allowUnlinked   bool
	receiptBurst    int
	withAnchor      bool
}

func newFixture(t *testing.T, options fixtureOptions) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	catalog, err := polls.NewService(polls.ServiceConfig{Database: db, IDProvider: polls.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	dispatcher := audit.NewDispatcher(zap.NewNop())
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:    db,
		IDProvider:  polls.NewUUIDProvider(),
		Sink:        dispatcher,
		LookupFloor: -1,
	})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	voters, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build voter resolver: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}

	var anchorLog *anchor.Log
	if options.withAnchor {
		anchorLog, err = anchor.OpenInMemory(zap.NewNop())
		if err != nil {
			t.Fatalf("failed to open anchor log: %v", err)
		}
		t.Cleanup(func() { _ = anchorLog.Close() })
	}

	burst := options.receiptBurst
	if burst == 0 {
		burst = 100
	}
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		VoterResolver:    voters,
		Catalog:          catalog,
		Ledger:           ledgerService,
		Events:           dispatcher,
		Anchor:           anchorLog,
		Logger:           zap.NewNop(),
		AdminRole:        "admin",
		VoterRoles:       []string{"resident", "board"},
		BindingEnabled:   !options.bindingDisabled,
		AllowUnlinked:    options.allowUnlinked,
		ReceiptRate:      1,
		ReceiptBurst:     burst,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &fixture{
		t:          t,
		db:         db,
		handler:    handler,
		catalog:    catalog,
		ledger:     ledgerService,
		dispatcher: dispatcher,
		anchor:     anchorLog,
	}
}

func (f *fixture) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *fixture) createPoll(adminToken string, overrides map[string]any) pollResponsePayload {
	f.t.Helper()
	body := map[string]any{
		"title":     "Pool Hours",
		"kind":      "informal",
		"anonymous": false,
		"opens_at":  time.Now().Add(-time.Hour).UTC(),
		"closes_at": time.Now().Add(time.Hour).UTC(),
		"options": []map[string]any{
			{"text": "Extend to 10pm"},
			{"text": "Keep 8pm"},
		},
	}
	for key, value := range overrides {
		body[key] = value
	}
	recorder := f.do(http.MethodPost, "/polls", body, adminToken)
	if recorder.Code != http.StatusCreated {
		f.t.Fatalf("unexpected create status %d: %s", recorder.Code, recorder.Body.String())
	}
	var poll pollResponsePayload
	decodeBody(f.t, recorder, &poll)
	return poll
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	decodeBody(t, recorder, &payload)
	return payload.Error
}

func mustSessionToken(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	signed, _, err := issuer.IssueSessionToken(userID, "", roles)
	if err != nil {
		t.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}
