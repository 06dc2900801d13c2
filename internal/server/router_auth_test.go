package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/rolodex/internal/auth"
	"github.com/MarcoPoloResearchLab/rolodex/internal/contacts"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubUserResolver struct {
	userID string
	err    error
}

func (s stubUserResolver) ResolveCanonicalUserID(context.Context, auth.SessionClaims) (string, error) {
	return s.userID, s.err
}

func TestAuthorizeRequestLogsExpiredSessionAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/messages/unmatched", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired session, got %s", entry.Level)
	}
	if entry.Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired session error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedSessionErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/messages/unmatched", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: errors.New("signature mismatch")},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestAuthorizeRequestStoresCanonicalUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/messages/unmatched", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "google:42"}},
		users:    stubUserResolver{userID: "42"},
		logger:   zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to continue, got status %d", recorder.Code)
	}
	userID, ok := currentUserID(ctx)
	if !ok || userID != contacts.UserID("42") {
		t.Fatalf("expected canonical user id 42, got %q", userID)
	}
}

func TestAuthorizeRequestRejectsUnresolvableUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/messages/unmatched", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "google:42"}},
		users:    stubUserResolver{err: errors.New("database down")},
		logger:   zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}
