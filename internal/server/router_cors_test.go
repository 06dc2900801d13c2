package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/rolodex/internal/auth"
	"github.com/MarcoPoloResearchLab/rolodex/internal/contacts"
	"github.com/MarcoPoloResearchLab/rolodex/internal/messages"
	"github.com/gin-gonic/gin"
)

const extensionOrigin = "chrome-extension://abcdef"

func TestPreflightAllowsCredentialedExtensionRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:        stubSessionValidator{err: auth.ErrMissingSessionToken},
		ContactsService: &contacts.Service{},
		MessagesService: &messages.Service{},
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	for _, route := range []string{"/contacts/import", "/messages/sync", "/messages/link"} {
		request := httptest.NewRequest(http.MethodOptions, route, http.NoBody)
		request.Header.Set("Origin", extensionOrigin)
		request.Header.Set("Access-Control-Request-Method", http.MethodPost)
		request.Header.Set("Access-Control-Request-Headers", "Content-Type, Authorization")

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)

		if recorder.Code != http.StatusNoContent {
			t.Fatalf("%s: expected preflight status %d, got %d", route, http.StatusNoContent, recorder.Code)
		}
		allowHeaders := strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers"))
		if !strings.Contains(allowHeaders, "content-type") || !strings.Contains(allowHeaders, "authorization") {
			t.Fatalf("%s: expected Content-Type and Authorization to be allowed, got %q", route, allowHeaders)
		}
		if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Fatalf("%s: expected credentials to be enabled", route)
		}
		if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != extensionOrigin {
			t.Fatalf("%s: expected the request origin to be echoed, got %q", route, origin)
		}
	}

	rejected := httptest.NewRequest(http.MethodPost, "/contacts/import", strings.NewReader("{}"))
	rejected.Header.Set("Origin", extensionOrigin)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, rejected)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthenticated import to be rejected, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != extensionOrigin {
		t.Fatalf("expected CORS headers on error responses, got %q", origin)
	}
}
