package contacts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/identity"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("contacts: invalid user id")
	// ErrInvalidContactID indicates that a contact identifier is empty or exceeds storage bounds.
	ErrInvalidContactID = errors.New("contacts: invalid contact id")
)

// UserID represents a validated user identifier. Every query is scoped by it.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ContactID represents a validated contact identifier.
type ContactID string

// NewContactID validates raw input and returns a ContactID.
func NewContactID(rawInput string) (ContactID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContactID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidContactID, maxIdentifierLength)
	}
	return ContactID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ContactID) String() string {
	return string(id)
}

// NoteSource tags who authored a note.
type NoteSource string

const (
	NoteSourceUser           NoteSource = "user"
	NoteSourceLinkedInImport NoteSource = "linkedin_import"
	NoteSourceXImport        NoteSource = "x_import"
	NoteSourceMessageSync    NoteSource = "message_sync"
)

// TouchpointSource tags what produced a touchpoint event.
type TouchpointSource string

const (
	TouchpointSourceManual      TouchpointSource = "manual"
	TouchpointSourceMessageSync TouchpointSource = "message_sync"
	TouchpointSourceNote        TouchpointSource = "note"
)

// Contact is one real-world person in a user's address book.
type Contact struct {
	ID                   string `gorm:"column:id;primaryKey;size:64;not null"`
	UserID               string `gorm:"column:user_id;size:190;not null;index:idx_contacts_user_name_key,priority:1"`
	DisplayName          string `gorm:"column:display_name;size:320;not null"`
	DisplayNameKey       string `gorm:"column:display_name_key;size:320;not null;default:'';index:idx_contacts_user_name_key,priority:2"`
	CustomBio            string `gorm:"column:custom_bio;type:text;not null;default:''"`
	CustomLocation       string `gorm:"column:custom_location;size:320;not null;default:''"`
	CustomWebsite        string `gorm:"column:custom_website;size:1024;not null;default:''"`
	CustomImageURL       string `gorm:"column:custom_image_url;size:1024;not null;default:''"`
	Hidden               bool   `gorm:"column:hidden;not null;default:false"`
	LastTouchpointMillis *int64 `gorm:"column:last_touchpoint_ms"`
	CreatedAtMillis      int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis      int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Contact) TableName() string {
	return "contacts"
}

// DisplayNameKey folds a display name for exact case-insensitive lookups. The folding happens in
// Go because SQLite's LOWER() only maps ASCII letters.
func DisplayNameKey(displayName string) string {
	return strings.ToLower(strings.TrimSpace(displayName))
}

// LastTouchpoint returns the most recent interaction time, if one was recorded.
func (c Contact) LastTouchpoint() (time.Time, bool) {
	if c.LastTouchpointMillis == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*c.LastTouchpointMillis).UTC(), true
}

// Identifier is a normalized phone number or email used for exact matching.
type Identifier struct {
	ID              string                  `gorm:"column:id;primaryKey;size:64;not null"`
	UserID          string                  `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_identifiers_user_type_value,priority:1"`
	ContactID       string                  `gorm:"column:contact_id;size:64;not null;index"`
	Type            identity.IdentifierKind `gorm:"column:type;size:16;not null;uniqueIndex:idx_identifiers_user_type_value,priority:2"`
	Value           string                  `gorm:"column:value;size:320;not null;uniqueIndex:idx_identifiers_user_type_value,priority:3"`
	CreatedAtMillis int64                   `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Identifier) TableName() string {
	return "contact_identifiers"
}

// PlatformProfile mirrors the latest fragment seen for one platform of one contact.
type PlatformProfile struct {
	ID              string            `gorm:"column:id;primaryKey;size:64;not null"`
	UserID          string            `gorm:"column:user_id;size:190;not null;index:idx_profiles_user_platform_handle,priority:1"`
	ContactID       string            `gorm:"column:contact_id;size:64;not null;uniqueIndex:idx_profiles_contact_platform,priority:1"`
	Platform        identity.Platform `gorm:"column:platform;size:16;not null;uniqueIndex:idx_profiles_contact_platform,priority:2;index:idx_profiles_user_platform_handle,priority:2"`
	Handle          string            `gorm:"column:handle;size:190;not null;default:'';index:idx_profiles_user_platform_handle,priority:3"`
	ProfileURL      string            `gorm:"column:profile_url;size:1024;not null;default:''"`
	DisplayName     string            `gorm:"column:display_name;size:320;not null;default:''"`
	Headline        string            `gorm:"column:headline;type:text;not null;default:''"`
	Location        string            `gorm:"column:location;size:320;not null;default:''"`
	ImageURL        string            `gorm:"column:image_url;size:1024;not null;default:''"`
	Website         string            `gorm:"column:website;size:1024;not null;default:''"`
	FollowersCount  *int64            `gorm:"column:followers_count"`
	FollowingCount  *int64            `gorm:"column:following_count"`
	FetchedAtMillis int64             `gorm:"column:fetched_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PlatformProfile) TableName() string {
	return "contact_platform_profiles"
}

// Note is append-only free text attached to a contact.
type Note struct {
	ID              string     `gorm:"column:id;primaryKey;size:64;not null"`
	UserID          string     `gorm:"column:user_id;size:190;not null;index:idx_notes_user_contact,priority:1"`
	ContactID       string     `gorm:"column:contact_id;size:64;not null;index:idx_notes_user_contact,priority:2"`
	Body            string     `gorm:"column:body;type:text;not null"`
	Source          NoteSource `gorm:"column:source;size:32;not null"`
	NotedAtMillis   int64      `gorm:"column:noted_at_ms;not null"`
	CreatedAtMillis int64      `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "contact_notes"
}

// TouchpointEvent is the history record of a manual touchpoint edit.
type TouchpointEvent struct {
	ID               string           `gorm:"column:id;primaryKey;size:64;not null"`
	UserID           string           `gorm:"column:user_id;size:190;not null;index:idx_touchpoints_user_contact,priority:1"`
	ContactID        string           `gorm:"column:contact_id;size:64;not null;index:idx_touchpoints_user_contact,priority:2"`
	OccurredAtMillis int64            `gorm:"column:occurred_at_ms;not null"`
	Source           TouchpointSource `gorm:"column:source;size:32;not null"`
	Comment          string           `gorm:"column:comment;type:text;not null;default:''"`
	CreatedAtMillis  int64            `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TouchpointEvent) TableName() string {
	return "contact_touchpoint_events"
}

// Models lists every table owned by this package, in migration order.
func Models() []interface{} {
	return []interface{}{&Contact{}, &Identifier{}, &PlatformProfile{}, &Note{}, &TouchpointEvent{}}
}

// ContactDetails is a contact with its platform profiles.
type ContactDetails struct {
	Contact  Contact
	Profiles []PlatformProfile
}
