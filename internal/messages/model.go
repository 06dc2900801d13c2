package messages

import "time"

// MessageRecord is one externally numbered message. (user_id, handle, external_id) is its
// natural key; resyncs update the row in place instead of inserting a duplicate.
type MessageRecord struct {
	ID              int64   `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          string  `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_messages_natural_key,priority:1;index:idx_messages_user_contact,priority:1"`
	Handle          string  `gorm:"column:handle;size:320;not null;uniqueIndex:idx_messages_natural_key,priority:2"`
	ExternalID      int64   `gorm:"column:external_id;not null;uniqueIndex:idx_messages_natural_key,priority:3"`
	ContactID       *string `gorm:"column:contact_id;size:64;index:idx_messages_user_contact,priority:2"`
	DisplayName     string  `gorm:"column:display_name;size:320;not null;default:''"`
	Text            string  `gorm:"column:text;type:text;not null;default:''"`
	IsFromMe        bool    `gorm:"column:is_from_me;not null;default:false"`
	SentAtMillis    int64   `gorm:"column:sent_at_ms;not null;default:0"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRecord) TableName() string {
	return "message_records"
}

// Models lists every table owned by this package.
func Models() []interface{} {
	return []interface{}{&MessageRecord{}}
}

// Message is one message of a synced conversation.
type Message struct {
	ExternalID int64
	Text       string
	IsFromMe   bool
	SentAt     time.Time
}

// Conversation groups the messages exchanged with one source handle.
type Conversation struct {
	Handle        string
	ContactName   string
	Messages      []Message
	LastMessageAt time.Time
}

// newest returns the latest of the conversation timestamp and its message timestamps.
func (c Conversation) newest() time.Time {
	latest := c.LastMessageAt
	for _, message := range c.Messages {
		if message.SentAt.After(latest) {
			latest = message.SentAt
		}
	}
	return latest
}

// SyncResult counts the outcome of a sync batch.
type SyncResult struct {
	// Synced counts conversations that resolved to a contact.
	Synced int
	// Matched counts distinct contacts touched by the batch.
	Matched int
	// TotalMessages counts newly inserted rows.
	TotalMessages int
	// UpdatedMessages counts existing rows whose linkage, name or text changed.
	UpdatedMessages int
	ContactIDs      []string
}

// UnmatchedHandle summarizes unlinked messages for one handle.
type UnmatchedHandle struct {
	Handle        string
	MessageCount  int64
	DisplayName   string
	LastMessageAt time.Time
}

// LinkRequest asks to attach a handle to an existing contact, or to a new contact with Name.
type LinkRequest struct {
	Handle    string
	ContactID string
	Name      string
}

// LinkResult reports the outcome of linking one handle.
type LinkResult struct {
	Handle            string
	ContactID         string
	ContactCreated    bool
	Relinked          int64
	IdentifierWritten bool
	Err               error
}
