package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecorderExposesPipelineCounters(t *testing.T) {
	recorder := NewRecorder()
	recorder.ImportCompleted("linkedin", true)
	recorder.ContactResolved("")
	recorder.ContactResolved("platform_handle")
	recorder.MessagesStored(3, 1)
	recorder.HandleLinked()
	recorder.MirrorFailed()
	recorder.RequestThrottled("/messages/sync")

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	body := response.Body.String()

	expected := []string{
		`rolodex_profile_imports_total{created="true",platform="linkedin"} 1`,
		`rolodex_contact_resolutions_total{strategy="none"} 1`,
		`rolodex_contact_resolutions_total{strategy="platform_handle"} 1`,
		`rolodex_messages_stored_total{outcome="inserted"} 3`,
		`rolodex_messages_stored_total{outcome="updated"} 1`,
		`rolodex_handles_linked_total 1`,
		`rolodex_image_mirror_failures_total 1`,
		`rolodex_throttled_requests_total{route="/messages/sync"} 1`,
	}
	for _, line := range expected {
		if !strings.Contains(body, line) {
			t.Fatalf("expected metrics output to contain %q\n%s", line, body)
		}
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.ImportCompleted("x", false)
	recorder.ContactResolved("identifier")
	recorder.MessagesStored(1, 1)
	recorder.HandleLinked()
	recorder.MirrorFailed()
	recorder.RequestThrottled("/contacts/import")
	if recorder.Registry() != nil {
		t.Fatalf("nil recorder should not expose a registry")
	}
}
