package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/auth"
)

// Identity maps a provider login onto the canonical user id that owns contacts and messages.
type Identity struct {
	Provider         string `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject          string `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index"`
	Email            string `gorm:"column:user_email;size:320"`
	DisplayName      string `gorm:"column:user_display_name;size:320"`
	AvatarURL        string `gorm:"column:user_avatar_url;size:512"`
	LastSeenAtMillis int64  `gorm:"column:last_seen_at_ms;not null"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
}

func (Identity) TableName() string {
	return "user_identities"
}

func newIdentity(provider, subject string, claims auth.SessionClaims, seenAt time.Time) Identity {
	seenMillis := seenAt.UTC().UnixMilli()
	return Identity{
		Provider:         provider,
		Subject:          subject,
		UserID:           subject,
		Email:            strings.ToLower(strings.TrimSpace(claims.UserEmail)),
		DisplayName:      strings.TrimSpace(claims.UserDisplayName),
		AvatarURL:        strings.TrimSpace(claims.UserAvatarURL),
		LastSeenAtMillis: seenMillis,
		CreatedAtMillis:  seenMillis,
	}
}

// profileUpdates lists the columns the fresh claims change. Empty claim values never clear
// a stored profile field.
func (existing Identity) profileUpdates(fresh Identity) map[string]interface{} {
	updates := map[string]interface{}{"last_seen_at_ms": fresh.LastSeenAtMillis}
	if fresh.Email != "" && fresh.Email != existing.Email {
		updates["user_email"] = fresh.Email
	}
	if fresh.DisplayName != "" && fresh.DisplayName != existing.DisplayName {
		updates["user_display_name"] = fresh.DisplayName
	}
	if fresh.AvatarURL != "" && fresh.AvatarURL != existing.AvatarURL {
		updates["user_avatar_url"] = fresh.AvatarURL
	}
	return updates
}
