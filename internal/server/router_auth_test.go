package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/boardready/internal/auth"
	"github.com/MarcoPoloResearchLab/boardready/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/api/devices", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions:   stubSessionValidator{err: auth.ErrExpiredSessionToken},
		principals: stubPrincipalResolver{},
		logger:     zap.New(core),
	}

	handler.authorize(false)(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
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
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/api/devices", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions:   stubSessionValidator{err: auth.ErrInvalidSessionToken},
		principals: stubPrincipalResolver{},
		logger:     zap.New(core),
	}

	handler.authorize(false)(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestAuthorizeAcceptsQueryTokenOnlyWhenAllowed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator := stubSessionValidator{
		err:         auth.ErrMissingSessionToken,
		tokenClaims: auth.SessionClaims{UserID: "user-1", OrganizationID: "org-1"},
	}
	resolver := stubPrincipalResolver{principal: users.Principal{UserID: "user-1", OrganizationID: "org-1"}}

	testCases := []struct {
		name       string
		allowQuery bool
		wantStatus int
	}{
		{name: "query allowed", allowQuery: true, wantStatus: http.StatusOK},
		{name: "query refused", allowQuery: false, wantStatus: http.StatusUnauthorized},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			handler := &httpHandler{sessions: validator, principals: resolver, logger: zap.NewNop()}
			router := gin.New()
			router.GET("/api/events", handler.authorize(testCase.allowQuery), func(c *gin.Context) {
				principal, ok := principalFrom(c)
				if !ok || principal.OrganizationID != "org-1" {
					c.Status(http.StatusInternalServerError)
					return
				}
				c.Status(http.StatusOK)
			})

			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/events?access_token=abc", http.NoBody))
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d", testCase.wantStatus, recorder.Code)
			}
		})
	}
}

func TestAuthorizeRejectsClaimsWithoutIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/devices", http.NoBody)

	handler := &httpHandler{
		sessions:   stubSessionValidator{claims: auth.SessionClaims{OrganizationID: "org-1"}},
		principals: stubPrincipalResolver{err: users.ErrInvalidIdentity},
		logger:     zap.NewNop(),
	}

	handler.authorize(false)(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

type stubSessionValidator struct {
	claims      auth.SessionClaims
	err         error
	tokenClaims auth.SessionClaims
	tokenErr    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

func (s stubSessionValidator) ValidateToken(string) (auth.SessionClaims, error) {
	return s.tokenClaims, s.tokenErr
}

type stubPrincipalResolver struct {
	principal users.Principal
	err       error
}

func (s stubPrincipalResolver) ResolvePrincipal(context.Context, auth.SessionClaims) (users.Principal, error) {
	return s.principal, s.err
}
