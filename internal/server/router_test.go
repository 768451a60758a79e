package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/access"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/auth"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/collab"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/store"
)

func newRouterFixture(testContext *testing.T) (http.Handler, *collab.PresenceTracker, *auth.TokenIssuer) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&store.SnapshotRecord{}, &access.DocumentRecord{}, &access.CollaboratorRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	adapter, err := store.NewAdapter(store.AdapterConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build adapter: %v", err)
	}
	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Store: adapter,
		Timings: collab.Timings{
			HandshakeTimeout:         time.Second,
			IdleEvictionDelay:        time.Hour,
			FlushDebounce:            time.Hour,
			FlushMaxInterval:         2 * time.Hour,
			QuietWindow:              time.Hour,
			CompactionThresholdBytes: 1 << 30,
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	resolver, err := access.NewResolver(access.ResolverConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build resolver: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "collab-auth",
		Audience:      "collab-sync",
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	presence := collab.NewPresenceTracker()

	gatekeeper, err := collab.NewGatekeeper(collab.GatekeeperConfig{
		Registry:         registry,
		Presence:         presence,
		Tokens:           issuer,
		Permissions:      resolver,
		Epoch:            collab.NewServerEpoch(time.Now),
		HandshakeTimeout: time.Second,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build gatekeeper: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Gatekeeper:   gatekeeper,
		Presence:     presence,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return handler, presence, issuer
}

func TestNewHTTPHandlerValidatesDependencies(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		testContext.Fatalf("expected missing dependencies to be rejected")
	}
}

func TestHealthEndpoint(testContext *testing.T) {
	handler, _, _ := newRouterFixture(testContext)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestPresenceEndpointRequiresBearerToken(testContext *testing.T) {
	handler, _, _ := newRouterFixture(testContext)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/documents/doc-1/presence", nil)
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 without credential, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodGet, "/documents/doc-1/presence", nil)
	request.Header.Set("Authorization", "Bearer garbage")
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 for invalid token, got %d", recorder.Code)
	}
}

func TestPresenceEndpointListsUsers(testContext *testing.T) {
	handler, presence, issuer := newRouterFixture(testContext)
	presence.Register("doc-1", "user-b", 1)
	presence.Register("doc-1", "user-a", 2)
	presence.Register("doc-1", "user-a", 3)

	token, _, err := issuer.IssueToken(context.Background(), "user-a")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/documents/doc-1/presence", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d (%s)", recorder.Code, recorder.Body.String())
	}

	var payload presenceResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.UserIDs) != 2 || payload.UserIDs[0] != "user-a" || payload.UserIDs[1] != "user-b" {
		testContext.Fatalf("unexpected presence payload: %v", payload.UserIDs)
	}
}
