package messages

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/contacts"
	"github.com/MarcoPoloResearchLab/rolodex/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew    = "messages.service.new"
	opSyncBatch     = "messages.sync_batch"
	opListUnmatched = "messages.list_unmatched"
	opLinkHandle    = "messages.link_handle"
)

const (
	reasonMissingDatabase  = "missing_database"
	reasonMissingContacts  = "missing_contacts"
	reasonMissingResolver  = "missing_resolver"
	reasonInvalidHandle    = "invalid_handle"
	reasonInvalidTarget    = "invalid_target"
	reasonResolveFailed    = "resolve_failed"
	reasonMessageInsert    = "message_insert_failed"
	reasonMessageLookup    = "message_lookup_failed"
	reasonMessageUpdate    = "message_update_failed"
	reasonUnmatchedQuery   = "unmatched_query_failed"
	reasonRelinkFailed     = "relink_failed"
	reasonNewestLookup     = "newest_lookup_failed"
	reasonTouchpointFailed = "touchpoint_failed"
)

const (
	fieldUserID    = "user_id"
	fieldHandle    = "handle"
	fieldContactID = "contact_id"
)

var noOpLogger = zap.NewNop()

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingContacts = errors.New("contact directory is required")
	errMissingResolver = errors.New("handle resolver is required")
	errEmptyHandle     = errors.New("handle is required")
	errLinkTarget      = errors.New("exactly one of contact id or name is required")
)

// Directory is the contact store the sync layer writes through.
type Directory interface {
	RequireContact(ctx context.Context, userID contacts.UserID, contactID contacts.ContactID) (contacts.Contact, error)
	CreateContact(ctx context.Context, userID contacts.UserID, displayName string) (contacts.Contact, error)
	WriteIdentifier(ctx context.Context, userID contacts.UserID, contactID contacts.ContactID, kind identity.IdentifierKind, value string) (bool, error)
	BumpTouchpoint(ctx context.Context, userID contacts.UserID, contactID contacts.ContactID, at time.Time) (bool, error)
}

// HandleResolver maps a message handle and reported name to a contact.
type HandleResolver interface {
	ResolveIdentifier(ctx context.Context, userID contacts.UserID, handle string) (*contacts.Contact, contacts.Match, error)
	Candidates(ctx context.Context, userID contacts.UserID) ([]contacts.Contact, error)
	MatchName(reportedName string, candidates []contacts.Contact) (*contacts.Contact, contacts.Match)
}

// Metrics receives sync counters.
type Metrics interface {
	MessagesStored(inserted, updated int)
	ContactResolved(strategy string)
	HandleLinked()
}

// ServiceConfig wires the dependencies of a Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Contacts   Directory
	Resolver   HandleResolver
	PhoneRules identity.PhoneRules
	Clock      func() time.Time
	Logger     *zap.Logger
	Notifier   contacts.ChangeNotifier
	Metrics    Metrics
}

// Service stores synced message history idempotently and links handles to contacts.
type Service struct {
	db         *gorm.DB
	contacts   Directory
	resolver   HandleResolver
	normalizer identity.Normalizer
	clock      func() time.Time
	logger     *zap.Logger
	notifier   contacts.ChangeNotifier
	metrics    Metrics
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, contacts.NewServiceError(opServiceNew, reasonMissingDatabase, contacts.ErrValidation, errMissingDatabase)
	}
	if cfg.Contacts == nil {
		return nil, contacts.NewServiceError(opServiceNew, reasonMissingContacts, contacts.ErrValidation, errMissingContacts)
	}
	if cfg.Resolver == nil {
		return nil, contacts.NewServiceError(opServiceNew, reasonMissingResolver, contacts.ErrValidation, errMissingResolver)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	phoneRules := cfg.PhoneRules
	if phoneRules.CountryCode == "" && phoneRules.NationalLength == 0 {
		phoneRules = identity.DefaultPhoneRules()
	}
	return &Service{
		db:         cfg.Database,
		contacts:   cfg.Contacts,
		resolver:   cfg.Resolver,
		normalizer: identity.NewNormalizer(phoneRules),
		clock:      clock,
		logger:     logger,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
	}, nil
}

// SyncBatch stores every message of the batch keyed on (user, handle, external id). Resubmitting
// a batch is safe: existing rows are refreshed in place and never duplicated.
func (s *Service) SyncBatch(ctx context.Context, userID contacts.UserID, conversations []Conversation) (SyncResult, error) {
	if err := s.ready(opSyncBatch); err != nil {
		return SyncResult{}, err
	}
	for index := range conversations {
		if strings.TrimSpace(conversations[index].Handle) == "" {
			return SyncResult{}, contacts.NewServiceError(opSyncBatch, reasonInvalidHandle, contacts.ErrValidation, errEmptyHandle)
		}
	}

	var (
		result     SyncResult
		candidates []contacts.Contact
		loaded     bool
		touched    = make(map[string]time.Time)
		order      []string
	)
	for _, conversation := range conversations {
		handle := strings.TrimSpace(conversation.Handle)
		contact, match, err := s.resolveConversation(ctx, userID, handle, conversation.ContactName, &candidates, &loaded)
		if err != nil {
			s.logError(opSyncBatch, reasonResolveFailed, err, zap.String(fieldUserID, userID.String()), zap.String(fieldHandle, handle))
			return result, contacts.NewServiceError(opSyncBatch, reasonResolveFailed, contacts.ErrPersistence, err)
		}

		var contactID *string
		if contact != nil {
			id := contact.ID
			contactID = &id
			if s.metrics != nil {
				s.metrics.ContactResolved(string(match.Strategy))
			}
		}

		inserted, updated, err := s.storeConversation(ctx, userID, handle, conversation, contactID)
		result.TotalMessages += inserted
		result.UpdatedMessages += updated
		if err != nil {
			return result, err
		}

		if contact == nil {
			continue
		}
		result.Synced++
		newest := conversation.newest()
		previous, seen := touched[contact.ID]
		if !seen {
			order = append(order, contact.ID)
		}
		if !seen || newest.After(previous) {
			touched[contact.ID] = newest
		}
	}

	for _, contactID := range order {
		at := touched[contactID]
		if at.IsZero() {
			continue
		}
		if _, err := s.contacts.BumpTouchpoint(ctx, userID, contacts.ContactID(contactID), at); err != nil {
			s.logError(opSyncBatch, reasonTouchpointFailed, err, zap.String(fieldUserID, userID.String()), zap.String(fieldContactID, contactID))
			return result, err
		}
	}

	result.Matched = len(order)
	result.ContactIDs = order
	if s.metrics != nil {
		s.metrics.MessagesStored(result.TotalMessages, result.UpdatedMessages)
	}
	s.notify(userID, order)
	return result, nil
}

func (s *Service) resolveConversation(ctx context.Context, userID contacts.UserID, handle, reportedName string, candidates *[]contacts.Contact, loaded *bool) (*contacts.Contact, contacts.Match, error) {
	contact, match, err := s.resolver.ResolveIdentifier(ctx, userID, handle)
	if err != nil || contact != nil {
		return contact, match, err
	}
	if strings.TrimSpace(reportedName) == "" {
		return nil, contacts.Match{}, nil
	}
	if !*loaded {
		all, err := s.resolver.Candidates(ctx, userID)
		if err != nil {
			return nil, contacts.Match{}, err
		}
		*candidates = all
		*loaded = true
	}
	contact, match = s.resolver.MatchName(reportedName, *candidates)
	return contact, match, nil
}

// storeConversation writes one conversation in a single transaction. A conflicting row only
// takes the resolved contact, a non-empty display name and non-empty text.
func (s *Service) storeConversation(ctx context.Context, userID contacts.UserID, handle string, conversation Conversation, contactID *string) (int, int, error) {
	var inserted, updated int
	displayName := strings.TrimSpace(conversation.ContactName)
	nowMillis := s.clock().UTC().UnixMilli()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, message := range conversation.Messages {
			record := MessageRecord{
				UserID:          userID.String(),
				Handle:          handle,
				ExternalID:      message.ExternalID,
				ContactID:       contactID,
				DisplayName:     displayName,
				Text:            message.Text,
				IsFromMe:        message.IsFromMe,
				SentAtMillis:    unixMillis(message.SentAt),
				CreatedAtMillis: nowMillis,
				UpdatedAtMillis: nowMillis,
			}
			createResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
			if createResult.Error != nil {
				s.logError(opSyncBatch, reasonMessageInsert, createResult.Error,
					zap.String(fieldUserID, userID.String()),
					zap.String(fieldHandle, handle),
					zap.Int64("external_id", message.ExternalID))
				return contacts.NewServiceError(opSyncBatch, reasonMessageInsert, contacts.ErrPersistence, createResult.Error)
			}
			if createResult.RowsAffected > 0 {
				inserted++
				continue
			}

			changed, err := s.refreshExisting(tx, userID, handle, message, contactID, displayName, nowMillis)
			if err != nil {
				return err
			}
			if changed {
				updated++
			}
		}
		return nil
	})
	if txErr != nil {
		return 0, 0, txErr
	}
	return inserted, updated, nil
}

func (s *Service) refreshExisting(tx *gorm.DB, userID contacts.UserID, handle string, message Message, contactID *string, displayName string, nowMillis int64) (bool, error) {
	var existing MessageRecord
	lookup := tx.Where("user_id = ? AND handle = ? AND external_id = ?", userID.String(), handle, message.ExternalID).
		Limit(1).
		Find(&existing)
	if lookup.Error != nil {
		s.logError(opSyncBatch, reasonMessageLookup, lookup.Error, zap.String(fieldUserID, userID.String()), zap.String(fieldHandle, handle))
		return false, contacts.NewServiceError(opSyncBatch, reasonMessageLookup, contacts.ErrPersistence, lookup.Error)
	}
	if lookup.RowsAffected == 0 {
		return false, nil
	}

	updates := make(map[string]interface{}, 4)
	if contactID != nil && (existing.ContactID == nil || *existing.ContactID != *contactID) {
		updates["contact_id"] = *contactID
	}
	if displayName != "" && existing.DisplayName != displayName {
		updates["display_name"] = displayName
	}
	if message.Text != "" && existing.Text != message.Text {
		updates["text"] = message.Text
	}
	if len(updates) == 0 {
		return false, nil
	}
	updates["updated_at_ms"] = nowMillis

	if err := tx.Model(&MessageRecord{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		s.logError(opSyncBatch, reasonMessageUpdate, err, zap.String(fieldUserID, userID.String()), zap.String(fieldHandle, handle))
		return false, contacts.NewServiceError(opSyncBatch, reasonMessageUpdate, contacts.ErrPersistence, err)
	}
	return true, nil
}

// ListUnmatchedHandles groups unlinked messages by handle, busiest handle first.
func (s *Service) ListUnmatchedHandles(ctx context.Context, userID contacts.UserID) ([]UnmatchedHandle, error) {
	if err := s.ready(opListUnmatched); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var groups []struct {
		Handle       string
		MessageCount int64
		LastSentAtMs int64
	}
	if err := db.Model(&MessageRecord{}).
		Select("handle, COUNT(*) AS message_count, MAX(sent_at_ms) AS last_sent_at_ms").
		Where("user_id = ? AND contact_id IS NULL", userID.String()).
		Group("handle").
		Order("message_count DESC").
		Order("handle ASC").
		Scan(&groups).Error; err != nil {
		s.logError(opListUnmatched, reasonUnmatchedQuery, err, zap.String(fieldUserID, userID.String()))
		return nil, contacts.NewServiceError(opListUnmatched, reasonUnmatchedQuery, contacts.ErrPersistence, err)
	}
	if len(groups) == 0 {
		return []UnmatchedHandle{}, nil
	}

	var named []MessageRecord
	if err := db.Select("handle", "display_name").
		Where("user_id = ? AND contact_id IS NULL AND display_name <> ''", userID.String()).
		Order("sent_at_ms DESC").
		Order("id DESC").
		Find(&named).Error; err != nil {
		s.logError(opListUnmatched, reasonUnmatchedQuery, err, zap.String(fieldUserID, userID.String()))
		return nil, contacts.NewServiceError(opListUnmatched, reasonUnmatchedQuery, contacts.ErrPersistence, err)
	}
	latestName := make(map[string]string, len(groups))
	for _, record := range named {
		if _, ok := latestName[record.Handle]; !ok {
			latestName[record.Handle] = record.DisplayName
		}
	}

	handles := make([]UnmatchedHandle, 0, len(groups))
	for _, group := range groups {
		handles = append(handles, UnmatchedHandle{
			Handle:        group.Handle,
			MessageCount:  group.MessageCount,
			DisplayName:   latestName[group.Handle],
			LastMessageAt: time.UnixMilli(group.LastSentAtMs).UTC(),
		})
	}
	return handles, nil
}

// LinkHandle attaches every unlinked message of a handle to a contact and records the handle as
// an identifier so later syncs resolve it directly. A name-only request reuses the contact that
// already owns the handle or carries that name, and creates one otherwise.
func (s *Service) LinkHandle(ctx context.Context, userID contacts.UserID, request LinkRequest) (LinkResult, error) {
	result := LinkResult{Handle: strings.TrimSpace(request.Handle)}
	if err := s.ready(opLinkHandle); err != nil {
		return result, err
	}
	if result.Handle == "" {
		return result, contacts.NewServiceError(opLinkHandle, reasonInvalidHandle, contacts.ErrValidation, errEmptyHandle)
	}
	contactIDInput := strings.TrimSpace(request.ContactID)
	name := strings.TrimSpace(request.Name)
	if (contactIDInput == "") == (name == "") {
		return result, contacts.NewServiceError(opLinkHandle, reasonInvalidTarget, contacts.ErrValidation, errLinkTarget)
	}

	var contact contacts.Contact
	if contactIDInput != "" {
		contactID, err := contacts.NewContactID(contactIDInput)
		if err != nil {
			return result, contacts.NewServiceError(opLinkHandle, reasonInvalidTarget, contacts.ErrValidation, err)
		}
		contact, err = s.contacts.RequireContact(ctx, userID, contactID)
		if err != nil {
			return result, err
		}
	} else {
		existing, err := s.findLinkTarget(ctx, userID, result.Handle, name)
		if err != nil {
			s.logError(opLinkHandle, reasonResolveFailed, err, zap.String(fieldUserID, userID.String()), zap.String(fieldHandle, result.Handle))
			return result, contacts.NewServiceError(opLinkHandle, reasonResolveFailed, contacts.ErrPersistence, err)
		}
		if existing != nil {
			contact = *existing
		} else {
			created, err := s.contacts.CreateContact(ctx, userID, name)
			if err != nil {
				return result, err
			}
			contact = created
			result.ContactCreated = true
		}
	}
	result.ContactID = contact.ID

	var newestMillis int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		relink := tx.Model(&MessageRecord{}).
			Where("user_id = ? AND handle = ? AND contact_id IS NULL", userID.String(), result.Handle).
			Updates(map[string]interface{}{
				"contact_id":    contact.ID,
				"updated_at_ms": s.clock().UTC().UnixMilli(),
			})
		if relink.Error != nil {
			s.logError(opLinkHandle, reasonRelinkFailed, relink.Error,
				zap.String(fieldUserID, userID.String()),
				zap.String(fieldHandle, result.Handle),
				zap.String(fieldContactID, contact.ID))
			return contacts.NewServiceError(opLinkHandle, reasonRelinkFailed, contacts.ErrPersistence, relink.Error)
		}
		result.Relinked = relink.RowsAffected

		var newest struct{ NewestMs *int64 }
		if err := tx.Model(&MessageRecord{}).
			Select("MAX(sent_at_ms) AS newest_ms").
			Where("user_id = ? AND handle = ? AND contact_id = ?", userID.String(), result.Handle, contact.ID).
			Scan(&newest).Error; err != nil {
			s.logError(opLinkHandle, reasonNewestLookup, err, zap.String(fieldUserID, userID.String()), zap.String(fieldHandle, result.Handle))
			return contacts.NewServiceError(opLinkHandle, reasonNewestLookup, contacts.ErrPersistence, err)
		}
		if newest.NewestMs != nil {
			newestMillis = *newest.NewestMs
		}
		return nil
	})
	if txErr != nil {
		return result, txErr
	}

	kind, value := s.normalizer.ParseHandle(result.Handle)
	written, err := s.contacts.WriteIdentifier(ctx, userID, contacts.ContactID(contact.ID), kind, value)
	if err != nil {
		return result, err
	}
	result.IdentifierWritten = written

	if newestMillis > 0 {
		if _, err := s.contacts.BumpTouchpoint(ctx, userID, contacts.ContactID(contact.ID), time.UnixMilli(newestMillis)); err != nil {
			return result, err
		}
	}

	if s.metrics != nil {
		s.metrics.HandleLinked()
	}
	s.notify(userID, []string{contact.ID})
	return result, nil
}

// findLinkTarget returns the contact a name-only link should reuse: the owner of the handle's
// identifier, else the oldest contact whose display name equals name ignoring case.
func (s *Service) findLinkTarget(ctx context.Context, userID contacts.UserID, handle, name string) (*contacts.Contact, error) {
	owner, _, err := s.resolver.ResolveIdentifier(ctx, userID, handle)
	if err != nil || owner != nil {
		return owner, err
	}
	candidates, err := s.resolver.Candidates(ctx, userID)
	if err != nil {
		return nil, err
	}
	key := contacts.DisplayNameKey(name)
	for index := range candidates {
		if contacts.DisplayNameKey(candidates[index].DisplayName) == key {
			return &candidates[index], nil
		}
	}
	return nil, nil
}

// LinkHandles links each request independently. Failures are reported per handle and never
// stop the remaining links.
func (s *Service) LinkHandles(ctx context.Context, userID contacts.UserID, requests []LinkRequest) []LinkResult {
	results := make([]LinkResult, 0, len(requests))
	for _, request := range requests {
		result, err := s.LinkHandle(ctx, userID, request)
		result.Err = err
		results = append(results, result)
	}
	return results
}

func (s *Service) notify(userID contacts.UserID, contactIDs []string) {
	if s.notifier == nil || len(contactIDs) == 0 {
		return
	}
	s.notifier.ContactsChanged(userID.String(), contactIDs)
}

func (s *Service) ready(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return contacts.NewServiceError(operation, reasonMissingDatabase, contacts.ErrPersistence, errMissingDatabase)
	}
	if s.contacts == nil {
		s.logError(operation, reasonMissingContacts, errMissingContacts)
		return contacts.NewServiceError(operation, reasonMissingContacts, contacts.ErrPersistence, errMissingContacts)
	}
	if s.resolver == nil {
		s.logError(operation, reasonMissingResolver, errMissingResolver)
		return contacts.NewServiceError(operation, reasonMissingResolver, contacts.ErrPersistence, errMissingResolver)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("messages service error", attrs...)
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}
