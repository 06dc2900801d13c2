package contacts

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/identity"
	"github.com/google/go-cmp/cmp"
)

func TestImportProfileCreatesContactFromLinkedInURL(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")

	result := mustImport(t, fixture.service, userID, LinkedInFragment{
		ProfileFields: ProfileFields{
			HandleOrURL:   "https://www.linkedin.com/in/Jane-Doe-42/?trk=feed",
			Name:          "Jane Doe",
			HeadlineOrBio: "Staff Engineer",
			Location:      "SF",
			ImageURL:      "https://media.licdn.com/jane.png",
			About:         "Builds databases.",
		},
		Experience: []Experience{{Title: "Engineer", Company: "Acme", Dates: "2019 - 2024"}},
	})

	if !result.IsNew {
		t.Fatalf("expected a new contact")
	}
	if result.DisplayNameStrategy != "fragment_name" {
		t.Fatalf("unexpected display name strategy %q", result.DisplayNameStrategy)
	}
	if result.Match.Matched() {
		t.Fatalf("expected no match for a first import, got %+v", result.Match)
	}
	wantContact := Contact{
		ID:              result.Contact.ID,
		UserID:          "user-1",
		DisplayName:     "Jane Doe",
		DisplayNameKey:  "jane doe",
		CustomBio:       "Staff Engineer",
		CustomLocation:  "San Francisco",
		CustomImageURL:  "https://cdn.example.com/user-1/mirrored.png",
		CreatedAtMillis: fixture.clock.Now().UnixMilli(),
		UpdatedAtMillis: fixture.clock.Now().UnixMilli(),
	}
	if diff := cmp.Diff(wantContact, result.Contact); diff != "" {
		t.Fatalf("unexpected contact (-want +got):\n%s", diff)
	}
	if result.Profile.Handle != "jane-doe-42" || result.Profile.ProfileURL != "https://www.linkedin.com/in/jane-doe-42" {
		t.Fatalf("unexpected profile key: %+v", result.Profile)
	}
	if result.Note == nil || result.Note.Source != NoteSourceLinkedInImport {
		t.Fatalf("expected a linkedin import note, got %+v", result.Note)
	}
	if !strings.Contains(result.Note.Body, "- Engineer at Acme (2019 - 2024)") {
		t.Fatalf("unexpected note body %q", result.Note.Body)
	}
	if fixture.metrics.created != 1 || len(fixture.notifier.events) != 1 {
		t.Fatalf("expected metrics and notification for the import")
	}
}

func TestDuplicateLinkedInImportKeepsOneProfileAndAppendsNotes(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")
	fragment := LinkedInFragment{ProfileFields: ProfileFields{
		HandleOrURL:   "https://www.linkedin.com/in/jdoe",
		Name:          "Jane Doe",
		HeadlineOrBio: "Engineer",
		About:         "First about.",
	}}

	first := mustImport(t, fixture.service, userID, fragment)
	fixture.clock.Advance(time.Hour)
	fragment.HeadlineOrBio = "Principal Engineer"
	second := mustImport(t, fixture.service, userID, fragment)

	if second.IsNew {
		t.Fatalf("expected the second import to resolve the existing contact")
	}
	if second.Contact.ID != first.Contact.ID {
		t.Fatalf("expected the same contact, got %s and %s", first.Contact.ID, second.Contact.ID)
	}
	if second.Match.Strategy != StrategyPlatformHandle {
		t.Fatalf("expected platform handle match, got %q", second.Match.Strategy)
	}
	if got := countRows(t, fixture.db, &PlatformProfile{}, "contact_id = ?", first.Contact.ID); got != 1 {
		t.Fatalf("expected exactly one profile row, got %d", got)
	}
	if second.Profile.Headline != "Principal Engineer" || second.Profile.ID != first.Profile.ID {
		t.Fatalf("expected the existing profile row to be updated, got %+v", second.Profile)
	}
	if got := countRows(t, fixture.db, &Note{}, "contact_id = ?", first.Contact.ID); got != 2 {
		t.Fatalf("expected two import notes, got %d", got)
	}
	if second.Contact.CustomBio != "Engineer" {
		t.Fatalf("expected the first bio to be kept on the contact, got %q", second.Contact.CustomBio)
	}
}

func TestImportPrefersPlatformHandleOverDisplayName(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")

	handleOwner := mustImport(t, fixture.service, userID, XFragment{ProfileFields: ProfileFields{
		HandleOrURL: "@jdoe",
		Name:        "J. Doe",
	}})
	namesake, err := fixture.service.CreateContact(context.Background(), userID, "Jane Doe")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	result := mustImport(t, fixture.service, userID, XFragment{ProfileFields: ProfileFields{
		HandleOrURL: "https://x.com/JDoe",
		Name:        "Jane Doe",
	}})
	if result.Contact.ID != handleOwner.Contact.ID {
		t.Fatalf("expected handle owner %s, got %s (namesake %s)", handleOwner.Contact.ID, result.Contact.ID, namesake.ID)
	}
	if result.Match.Strategy != StrategyPlatformHandle {
		t.Fatalf("expected platform handle strategy, got %q", result.Match.Strategy)
	}
}

func TestImportFallsBackToDisplayName(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")
	existing, err := fixture.service.CreateContact(context.Background(), userID, "Jane Doe")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	result := mustImport(t, fixture.service, userID, LinkedInFragment{ProfileFields: ProfileFields{
		HandleOrURL: "linkedin.com/in/jane-d",
		Name:        "  jane doe ",
	}})
	if result.Contact.ID != existing.ID || result.Match.Strategy != StrategyDisplayName {
		t.Fatalf("expected display name match on %s, got %s via %q", existing.ID, result.Contact.ID, result.Match.Strategy)
	}
	if result.IsNew {
		t.Fatalf("expected an existing contact")
	}
}

func TestImportMatchesNonASCIIDisplayNameCaseInsensitively(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")

	first := mustImport(t, fixture.service, userID, LinkedInFragment{ProfileFields: ProfileFields{
		HandleOrURL: "linkedin.com/in/emile-zola",
		Name:        "Émile Zola",
	}})
	second := mustImport(t, fixture.service, userID, LinkedInFragment{ProfileFields: ProfileFields{
		HandleOrURL: "linkedin.com/in/ezola-1840",
		Name:        "ÉMILE ZOLA",
	}})

	if second.IsNew || second.Contact.ID != first.Contact.ID {
		t.Fatalf("expected %s to be reused, got %s (new=%v)", first.Contact.ID, second.Contact.ID, second.IsNew)
	}
	if second.Match.Strategy != StrategyDisplayName {
		t.Fatalf("expected display name strategy, got %q", second.Match.Strategy)
	}
	if got := countRows(t, fixture.db, &Contact{}, "user_id = ?", userID.String()); got != 1 {
		t.Fatalf("expected one contact, got %d", got)
	}
}

func TestResolveFragmentMatchesStoredProfileURL(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")
	existing, err := fixture.service.CreateContact(context.Background(), userID, "Someone Else")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	legacy := PlatformProfile{
		ID:              "profile-legacy",
		UserID:          userID.String(),
		ContactID:       existing.ID,
		Platform:        identity.PlatformLinkedIn,
		ProfileURL:      "https://www.linkedin.com/in/JDoe/details/experience",
		FetchedAtMillis: 1,
	}
	if err := fixture.db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}

	contact, match, err := fixture.service.Resolver().ResolveFragment(context.Background(), userID, LinkedInFragment{
		ProfileFields: ProfileFields{HandleOrURL: "jdoe", Name: "Jane Doe"},
	})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if contact == nil || contact.ID != existing.ID || match.Strategy != StrategyProfileURL {
		t.Fatalf("expected profile url match on %s, got %+v via %q", existing.ID, contact, match.Strategy)
	}

	other, _, err := fixture.service.Resolver().ResolveFragment(context.Background(), mustUserID(t, "user-2"), LinkedInFragment{
		ProfileFields: ProfileFields{HandleOrURL: "jdoe"},
	})
	if err != nil || other != nil {
		t.Fatalf("expected resolution to be scoped to the user, got %+v, %v", other, err)
	}
}

func TestImportNeverOverwritesUserAuthoredFields(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")
	contact, err := fixture.service.CreateContact(context.Background(), userID, "Jane Doe")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := fixture.db.Model(&Contact{}).Where("id = ?", contact.ID).
		Update("custom_bio", "Hand-written bio").Error; err != nil {
		t.Fatalf("failed to seed bio: %v", err)
	}

	result := mustImport(t, fixture.service, userID, LinkedInFragment{ProfileFields: ProfileFields{
		HandleOrURL:   "https://www.linkedin.com/in/janedoe",
		Name:          "Jane Doe",
		HeadlineOrBio: "Imported headline",
		Website:       "https://jane.example.com",
	}})

	if result.Contact.CustomBio != "Hand-written bio" {
		t.Fatalf("expected user bio to survive, got %q", result.Contact.CustomBio)
	}
	if result.Contact.CustomWebsite != "https://jane.example.com" {
		t.Fatalf("expected empty website to be filled, got %q", result.Contact.CustomWebsite)
	}
	if result.Profile.Headline != "Imported headline" {
		t.Fatalf("expected profile to carry the imported headline, got %q", result.Profile.Headline)
	}

	var stored Contact
	if err := fixture.db.Where("id = ?", contact.ID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload contact: %v", err)
	}
	if stored.CustomBio != "Hand-written bio" {
		t.Fatalf("expected stored bio to survive, got %q", stored.CustomBio)
	}
}

func TestImportToleratesImageMirrorFailure(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.mirror.err = errors.New("cdn timeout")
	userID := mustUserID(t, "user-1")

	result := mustImport(t, fixture.service, userID, XFragment{ProfileFields: ProfileFields{
		HandleOrURL: "@jack",
		ImageURL:    "https://pbs.twimg.com/jack.jpg",
	}})

	if result.Contact.CustomImageURL != "" || result.Profile.ImageURL != "" {
		t.Fatalf("expected no image after a failed mirror, got %+v / %+v", result.Contact, result.Profile)
	}
	if result.Contact.DisplayName != "@jack" || result.DisplayNameStrategy != "platform_handle" {
		t.Fatalf("expected handle display name, got %q via %q", result.Contact.DisplayName, result.DisplayNameStrategy)
	}
	if fixture.metrics.mirrorFails != 1 {
		t.Fatalf("expected one mirror failure to be counted, got %d", fixture.metrics.mirrorFails)
	}
	if result.Note != nil {
		t.Fatalf("expected no note for a fragment without free text")
	}
}

func TestImportRejectsInvalidFragments(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")

	testCases := []struct {
		name     string
		fragment Fragment
	}{
		{name: "no name and no handle", fragment: LinkedInFragment{ProfileFields: ProfileFields{HeadlineOrBio: "bio"}}},
		{name: "x handle too long", fragment: XFragment{ProfileFields: ProfileFields{HandleOrURL: "@averyveryverylonghandle"}}},
		{name: "reserved x path", fragment: XFragment{ProfileFields: ProfileFields{HandleOrURL: "https://x.com/home"}}},
		{name: "unrecognized url", fragment: LinkedInFragment{ProfileFields: ProfileFields{HandleOrURL: "https://example.com/in/ jane", Name: "Jane"}}},
		{name: "nil fragment", fragment: nil},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := fixture.service.ImportProfile(context.Background(), userID, testCase.fragment)
			requireKind(t, err, ErrValidation)
		})
	}
	if got := countRows(t, fixture.db, &Contact{}, "user_id = ?", userID.String()); got != 0 {
		t.Fatalf("expected no contacts after rejected imports, got %d", got)
	}
}

func TestBumpTouchpointIsMonotonic(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")
	contact, err := fixture.service.CreateContact(context.Background(), userID, "Jane Doe")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	contactID := mustContactID(t, contact.ID)
	t1 := time.Date(2024, time.February, 10, 9, 0, 0, 0, time.UTC)
	t0 := t1.Add(-48 * time.Hour)

	changed, err := fixture.service.BumpTouchpoint(context.Background(), userID, contactID, t1)
	if err != nil || !changed {
		t.Fatalf("expected first bump to apply, got %v, %v", changed, err)
	}
	changed, err = fixture.service.BumpTouchpoint(context.Background(), userID, contactID, t0)
	if err != nil || changed {
		t.Fatalf("expected older bump to be ignored, got %v, %v", changed, err)
	}
	changed, err = fixture.service.BumpTouchpoint(context.Background(), userID, contactID, t1)
	if err != nil || changed {
		t.Fatalf("expected equal bump to be ignored, got %v, %v", changed, err)
	}

	details, err := fixture.service.GetContact(context.Background(), userID, contactID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	last, ok := details.Contact.LastTouchpoint()
	if !ok || !last.Equal(t1) {
		t.Fatalf("expected last touchpoint %v, got %v (set=%v)", t1, last, ok)
	}
}

func TestRecordTouchpointLogsEventAndRespectsOwnership(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")
	contact, err := fixture.service.CreateContact(context.Background(), userID, "Jane Doe")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	contactID := mustContactID(t, contact.ID)
	at := time.Date(2024, time.January, 5, 18, 30, 0, 0, time.UTC)

	event, err := fixture.service.RecordTouchpoint(context.Background(), userID, contactID, at, " coffee ")
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	if event.Comment != "coffee" || event.Source != TouchpointSourceManual || event.OccurredAtMillis != at.UnixMilli() {
		t.Fatalf("unexpected event %+v", event)
	}
	if _, err := fixture.service.RecordTouchpoint(context.Background(), userID, contactID, at.Add(-time.Hour), "earlier"); err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	if got := countRows(t, fixture.db, &TouchpointEvent{}, "contact_id = ?", contact.ID); got != 2 {
		t.Fatalf("expected both events to be logged, got %d", got)
	}
	details, err := fixture.service.GetContact(context.Background(), userID, contactID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if last, _ := details.Contact.LastTouchpoint(); !last.Equal(at) {
		t.Fatalf("expected touchpoint to stay at %v, got %v", at, last)
	}

	_, err = fixture.service.RecordTouchpoint(context.Background(), mustUserID(t, "user-2"), contactID, at, "")
	requireKind(t, err, ErrNotFound)
	if code := ErrorCode(err); code != "contacts.record_touchpoint.contact_not_found" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestAddNoteBumpsTouchpoint(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")
	contact, err := fixture.service.CreateContact(context.Background(), userID, "Jane Doe")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	contactID := mustContactID(t, contact.ID)
	notedAt := time.Date(2024, time.February, 1, 8, 0, 0, 0, time.UTC)

	note, err := fixture.service.AddNote(context.Background(), userID, contactID, "Met at the conference", notedAt)
	if err != nil {
		t.Fatalf("unexpected note error: %v", err)
	}
	if note.Source != NoteSourceUser {
		t.Fatalf("expected a user note, got %q", note.Source)
	}
	details, err := fixture.service.GetContact(context.Background(), userID, contactID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if last, ok := details.Contact.LastTouchpoint(); !ok || !last.Equal(notedAt) {
		t.Fatalf("expected note to bump touchpoint to %v, got %v", notedAt, last)
	}

	_, err = fixture.service.AddNote(context.Background(), userID, contactID, "   ", notedAt)
	requireKind(t, err, ErrValidation)

	notes, err := fixture.service.ListNotes(context.Background(), userID, contactID)
	if err != nil || len(notes) != 1 {
		t.Fatalf("expected one stored note, got %d (%v)", len(notes), err)
	}
}

func TestWriteIdentifierIsIdempotent(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")
	contact, err := fixture.service.CreateContact(context.Background(), userID, "Jane Doe")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	contactID := mustContactID(t, contact.ID)

	created, err := fixture.service.WriteIdentifier(context.Background(), userID, contactID, identity.IdentifierKindPhone, "4155550100")
	if err != nil || !created {
		t.Fatalf("expected identifier to be written, got %v, %v", created, err)
	}
	created, err = fixture.service.WriteIdentifier(context.Background(), userID, contactID, identity.IdentifierKindPhone, "4155550100")
	if err != nil || created {
		t.Fatalf("expected duplicate identifier to be skipped, got %v, %v", created, err)
	}

	resolved, match, err := fixture.service.Resolver().ResolveMessageHandle(context.Background(), userID, "+1 (415) 555-0100", "Someone")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if resolved == nil || resolved.ID != contact.ID || match.Strategy != StrategyIdentifier {
		t.Fatalf("expected identifier match, got %+v via %q", resolved, match.Strategy)
	}
}

func TestResolveMessageHandleFallsBackToFuzzyName(t *testing.T) {
	fixture := newServiceFixture(t)
	userID := mustUserID(t, "user-1")
	contact, err := fixture.service.CreateContact(context.Background(), userID, "Jonathan Smith")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	resolved, match, err := fixture.service.Resolver().ResolveMessageHandle(context.Background(), userID, "jon@example.com", "Jon Smith")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if resolved == nil || resolved.ID != contact.ID || match.Strategy != StrategyFuzzyName {
		t.Fatalf("expected fuzzy match, got %+v via %q", resolved, match.Strategy)
	}
	if math.Abs(match.Score-0.65) > 1e-9 {
		t.Fatalf("expected score 0.65, got %v", match.Score)
	}

	resolved, _, err = fixture.service.Resolver().ResolveMessageHandle(context.Background(), userID, "alex@example.com", "Alex Jones")
	if err != nil || resolved != nil {
		t.Fatalf("expected no match for an unrelated name, got %+v, %v", resolved, err)
	}
}

func TestZeroValueServiceReportsMissingDatabase(t *testing.T) {
	service := &Service{}
	_, err := service.ImportProfile(context.Background(), "user-1", XFragment{ProfileFields: ProfileFields{HandleOrURL: "jack"}})
	if code := ErrorCode(err); code != "contacts.import_profile.missing_database" {
		t.Fatalf("unexpected error code %q", code)
	}
}
