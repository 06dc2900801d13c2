package contacts

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

const (
	opServiceNew       = "contacts.service.new"
	opImportProfile    = "contacts.import_profile"
	opGetContact       = "contacts.get_contact"
	opCreateContact    = "contacts.create_contact"
	opWriteIdentifier  = "contacts.write_identifier"
	opBumpTouchpoint   = "contacts.bump_touchpoint"
	opRecordTouchpoint = "contacts.record_touchpoint"
	opAddNote          = "contacts.add_note"
)

// LocationNormalizer canonicalizes free-text locations.
type LocationNormalizer interface {
	Normalize(raw string) string
}

// ImageMirror copies a remote image and returns the URL of the copy.
type ImageMirror interface {
	Mirror(ctx context.Context, userID, sourceURL string) (string, error)
}

// ChangeNotifier is told which contacts changed after a write commits.
type ChangeNotifier interface {
	ContactsChanged(userID string, contactIDs []string)
}

// Metrics receives import pipeline counters.
type Metrics interface {
	ImportCompleted(platform string, created bool)
	ContactResolved(strategy string)
	MirrorFailed()
}

// ServiceConfig wires the dependencies of a Service.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	PhoneRules    identity.PhoneRules
	NameThreshold float64
	Locations     LocationNormalizer
	Images        ImageMirror
	Notifier      ChangeNotifier
	Metrics       Metrics
}

// Service owns contact resolution, enrichment merges, notes and touchpoints.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	resolver   *Resolver
	locations  LocationNormalizer
	images     ImageMirror
	notifier   ChangeNotifier
	metrics    Metrics
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opServiceNew, "missing_database", ErrValidation, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, NewServiceError(opServiceNew, "missing_id_provider", ErrValidation, errMissingIDProvider)
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
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		resolver: NewResolver(ResolverConfig{
			Database:      cfg.Database,
			Normalizer:    identity.NewNormalizer(phoneRules),
			NameThreshold: cfg.NameThreshold,
		}),
		locations: cfg.Locations,
		images:    cfg.Images,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
	}, nil
}

// Resolver exposes the resolver used by the service.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// ImportResult reports the outcome of one profile import.
type ImportResult struct {
	IsNew               bool
	Contact             Contact
	Profile             PlatformProfile
	Note                *Note
	Match               Match
	DisplayNameStrategy string
}

// ImportProfile resolves a scraped fragment to a contact, creating one when nothing matches,
// fills empty contact fields, replaces the platform profile and appends an import note.
func (s *Service) ImportProfile(ctx context.Context, userID UserID, fragment Fragment) (ImportResult, error) {
	if err := s.ready(opImportProfile); err != nil {
		return ImportResult{}, err
	}
	if fragment == nil {
		return ImportResult{}, NewServiceError(opImportProfile, "missing_fragment", ErrValidation, errUnknownPlatform)
	}
	if err := fragment.Validate(); err != nil {
		return ImportResult{}, NewServiceError(opImportProfile, "invalid_fragment", ErrValidation, err)
	}

	fields := fragment.Profile()
	platform := fragment.Platform()
	handle := FragmentHandle(fragment)
	location := s.normalizeLocation(fields.Location)
	imageURL := s.mirrorImage(ctx, userID, fields.ImageURL)
	merge := mergeInput{
		Bio:      fields.HeadlineOrBio,
		Location: location,
		ImageURL: imageURL,
		Website:  fields.Website,
	}
	noteBody := BuildImportNote(fragment)

	var result ImportResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		nowMillis := s.clock().UTC().UnixMilli()

		contact, match, err := s.resolver.resolveFragment(tx, userID, fragment)
		if err != nil {
			s.logError(opImportProfile, "resolve_failed", err, zap.String("user_id", userID.String()))
			return NewServiceError(opImportProfile, "resolve_failed", ErrPersistence, err)
		}
		result.Match = match

		if contact == nil {
			created, strategy, err := s.createFromFragment(tx, userID, fragment, merge, nowMillis)
			if err != nil {
				return err
			}
			contact = created
			result.IsNew = true
			result.DisplayNameStrategy = strategy
		} else if updates := planMerge(*contact, merge); len(updates) > 0 {
			updates["updated_at_ms"] = nowMillis
			if err := tx.Model(&Contact{}).
				Where("id = ? AND user_id = ?", contact.ID, userID.String()).
				Updates(updates).Error; err != nil {
				s.logError(opImportProfile, "merge_failed", err,
					zap.String("user_id", userID.String()),
					zap.String("contact_id", contact.ID))
				return NewServiceError(opImportProfile, "merge_failed", ErrPersistence, err)
			}
			applyMerge(contact, updates)
			contact.UpdatedAtMillis = nowMillis
		}
		result.Contact = *contact

		profile, err := s.upsertProfile(tx, userID, contact.ID, platform, handle, fields, location, imageURL, nowMillis)
		if err != nil {
			return err
		}
		result.Profile = profile

		if noteBody != "" {
			note, err := s.insertNote(tx, opImportProfile, userID, contact.ID, noteBody, noteSourceFor(platform), nowMillis, nowMillis)
			if err != nil {
				return err
			}
			result.Note = &note
		}
		return nil
	})
	if txErr != nil {
		return ImportResult{}, txErr
	}

	s.recordImport(platform, result)
	s.notify(userID, result.Contact.ID)
	return result, nil
}

func (s *Service) createFromFragment(tx *gorm.DB, userID UserID, fragment Fragment, merge mergeInput, nowMillis int64) (*Contact, string, error) {
	contactID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opImportProfile, "id_generation_failed", err, zap.String("user_id", userID.String()))
		return nil, "", NewServiceError(opImportProfile, "id_generation_failed", ErrPersistence, err)
	}
	displayName, strategy := chooseDisplayName(fragment)
	contact := &Contact{
		ID:              contactID,
		UserID:          userID.String(),
		DisplayName:     displayName,
		DisplayNameKey:  DisplayNameKey(displayName),
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
	}
	applyMerge(contact, planMerge(Contact{}, merge))
	if err := tx.Create(contact).Error; err != nil {
		s.logError(opImportProfile, "contact_insert_failed", err, zap.String("user_id", userID.String()))
		return nil, "", NewServiceError(opImportProfile, "contact_insert_failed", ErrPersistence, err)
	}
	return contact, strategy, nil
}

// upsertProfile replaces the single profile row kept per (contact, platform). A concurrent
// insert of the same pair lands on the unique index and turns into an update.
func (s *Service) upsertProfile(tx *gorm.DB, userID UserID, contactID string, platform identity.Platform, handle string, fields ProfileFields, location, imageURL string, nowMillis int64) (PlatformProfile, error) {
	profileID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opImportProfile, "id_generation_failed", err, zap.String("user_id", userID.String()))
		return PlatformProfile{}, NewServiceError(opImportProfile, "id_generation_failed", ErrPersistence, err)
	}
	profile := PlatformProfile{
		ID:              profileID,
		UserID:          userID.String(),
		ContactID:       contactID,
		Platform:        platform,
		Handle:          handle,
		ProfileURL:      identity.ProfileURL(platform, handle),
		DisplayName:     strings.TrimSpace(fields.Name),
		Headline:        strings.TrimSpace(fields.HeadlineOrBio),
		Location:        location,
		ImageURL:        imageURL,
		Website:         strings.TrimSpace(fields.Website),
		FollowersCount:  fields.FollowersCount,
		FollowingCount:  fields.FollowingCount,
		FetchedAtMillis: nowMillis,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "contact_id"}, {Name: "platform"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"handle", "profile_url", "display_name", "headline", "location", "image_url",
			"website", "followers_count", "following_count", "fetched_at_ms",
		}),
	}).Create(&profile).Error; err != nil {
		s.logError(opImportProfile, "profile_upsert_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("contact_id", contactID))
		return PlatformProfile{}, NewServiceError(opImportProfile, "profile_upsert_failed", ErrPersistence, err)
	}

	var stored PlatformProfile
	if err := tx.Where("contact_id = ? AND platform = ?", contactID, platform).Take(&stored).Error; err != nil {
		s.logError(opImportProfile, "profile_reload_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("contact_id", contactID))
		return PlatformProfile{}, NewServiceError(opImportProfile, "profile_reload_failed", ErrPersistence, err)
	}
	return stored, nil
}

// GetContact returns a contact of the user together with its platform profiles.
func (s *Service) GetContact(ctx context.Context, userID UserID, contactID ContactID) (ContactDetails, error) {
	if err := s.ready(opGetContact); err != nil {
		return ContactDetails{}, err
	}
	db := s.db.WithContext(ctx)
	contact, err := s.requireContact(db, opGetContact, userID, contactID)
	if err != nil {
		return ContactDetails{}, err
	}
	var profiles []PlatformProfile
	if err := db.Where("user_id = ? AND contact_id = ?", userID.String(), contact.ID).
		Order("platform ASC").
		Find(&profiles).Error; err != nil {
		s.logError(opGetContact, "profile_query_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("contact_id", contact.ID))
		return ContactDetails{}, NewServiceError(opGetContact, "profile_query_failed", ErrPersistence, err)
	}
	return ContactDetails{Contact: contact, Profiles: profiles}, nil
}

// RequireContact returns the contact or a NotFound error when it does not belong to the user.
func (s *Service) RequireContact(ctx context.Context, userID UserID, contactID ContactID) (Contact, error) {
	if err := s.ready(opGetContact); err != nil {
		return Contact{}, err
	}
	return s.requireContact(s.db.WithContext(ctx), opGetContact, userID, contactID)
}

// CreateContact inserts a contact with only a display name.
func (s *Service) CreateContact(ctx context.Context, userID UserID, displayName string) (Contact, error) {
	if err := s.ready(opCreateContact); err != nil {
		return Contact{}, err
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		return Contact{}, NewServiceError(opCreateContact, "missing_name", ErrValidation, errMissingName)
	}
	contactID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateContact, "id_generation_failed", err, zap.String("user_id", userID.String()))
		return Contact{}, NewServiceError(opCreateContact, "id_generation_failed", ErrPersistence, err)
	}
	nowMillis := s.clock().UTC().UnixMilli()
	contact := Contact{
		ID:              contactID,
		UserID:          userID.String(),
		DisplayName:     name,
		DisplayNameKey:  DisplayNameKey(name),
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
	}
	if err := s.db.WithContext(ctx).Create(&contact).Error; err != nil {
		s.logError(opCreateContact, "contact_insert_failed", err, zap.String("user_id", userID.String()))
		return Contact{}, NewServiceError(opCreateContact, "contact_insert_failed", ErrPersistence, err)
	}
	return contact, nil
}

// WriteIdentifier stores a normalized phone or email for a contact. It reports false when the
// user already has that identifier, whichever contact owns it.
func (s *Service) WriteIdentifier(ctx context.Context, userID UserID, contactID ContactID, kind identity.IdentifierKind, value string) (bool, error) {
	if err := s.ready(opWriteIdentifier); err != nil {
		return false, err
	}
	if strings.TrimSpace(value) == "" {
		return false, nil
	}
	identifierID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opWriteIdentifier, "id_generation_failed", err, zap.String("user_id", userID.String()))
		return false, NewServiceError(opWriteIdentifier, "id_generation_failed", ErrPersistence, err)
	}
	record := Identifier{
		ID:              identifierID,
		UserID:          userID.String(),
		ContactID:       contactID.String(),
		Type:            kind,
		Value:           value,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		s.logError(opWriteIdentifier, "identifier_insert_failed", result.Error,
			zap.String("user_id", userID.String()),
			zap.String("contact_id", contactID.String()))
		return false, NewServiceError(opWriteIdentifier, "identifier_insert_failed", ErrPersistence, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// BumpTouchpoint moves the contact's last touchpoint forward to at. Older or equal timestamps
// leave it untouched; the result reports whether the row changed.
func (s *Service) BumpTouchpoint(ctx context.Context, userID UserID, contactID ContactID, at time.Time) (bool, error) {
	if err := s.ready(opBumpTouchpoint); err != nil {
		return false, err
	}
	if at.IsZero() {
		return false, NewServiceError(opBumpTouchpoint, "missing_timestamp", ErrValidation, errMissingTimestamp)
	}
	return s.bumpTouchpoint(s.db.WithContext(ctx), opBumpTouchpoint, userID, contactID.String(), at)
}

func (s *Service) bumpTouchpoint(db *gorm.DB, operation string, userID UserID, contactID string, at time.Time) (bool, error) {
	atMillis := at.UTC().UnixMilli()
	result := db.Model(&Contact{}).
		Where("id = ? AND user_id = ? AND (last_touchpoint_ms IS NULL OR last_touchpoint_ms < ?)", contactID, userID.String(), atMillis).
		Updates(map[string]interface{}{
			"last_touchpoint_ms": atMillis,
			"updated_at_ms":      s.clock().UTC().UnixMilli(),
		})
	if result.Error != nil {
		s.logError(operation, "touchpoint_update_failed", result.Error,
			zap.String("user_id", userID.String()),
			zap.String("contact_id", contactID))
		return false, NewServiceError(operation, "touchpoint_update_failed", ErrPersistence, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RecordTouchpoint logs a manual touchpoint and bumps the contact with it.
func (s *Service) RecordTouchpoint(ctx context.Context, userID UserID, contactID ContactID, at time.Time, comment string) (TouchpointEvent, error) {
	if err := s.ready(opRecordTouchpoint); err != nil {
		return TouchpointEvent{}, err
	}
	if at.IsZero() {
		return TouchpointEvent{}, NewServiceError(opRecordTouchpoint, "missing_timestamp", ErrValidation, errMissingTimestamp)
	}

	var event TouchpointEvent
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contact, err := s.requireContact(tx, opRecordTouchpoint, userID, contactID)
		if err != nil {
			return err
		}
		eventID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opRecordTouchpoint, "id_generation_failed", err, zap.String("user_id", userID.String()))
			return NewServiceError(opRecordTouchpoint, "id_generation_failed", ErrPersistence, err)
		}
		event = TouchpointEvent{
			ID:               eventID,
			UserID:           userID.String(),
			ContactID:        contact.ID,
			OccurredAtMillis: at.UTC().UnixMilli(),
			Source:           TouchpointSourceManual,
			Comment:          strings.TrimSpace(comment),
			CreatedAtMillis:  s.clock().UTC().UnixMilli(),
		}
		if err := tx.Create(&event).Error; err != nil {
			s.logError(opRecordTouchpoint, "event_insert_failed", err,
				zap.String("user_id", userID.String()),
				zap.String("contact_id", contact.ID))
			return NewServiceError(opRecordTouchpoint, "event_insert_failed", ErrPersistence, err)
		}
		_, err = s.bumpTouchpoint(tx, opRecordTouchpoint, userID, contact.ID, at)
		return err
	})
	if txErr != nil {
		return TouchpointEvent{}, txErr
	}
	s.notify(userID, event.ContactID)
	return event, nil
}

// AddNote appends a user-authored note. The note time counts as a touchpoint.
func (s *Service) AddNote(ctx context.Context, userID UserID, contactID ContactID, body string, notedAt time.Time) (Note, error) {
	if err := s.ready(opAddNote); err != nil {
		return Note{}, err
	}
	text := strings.TrimSpace(body)
	if text == "" {
		return Note{}, NewServiceError(opAddNote, "empty_body", ErrValidation, errEmptyNote)
	}
	now := s.clock().UTC()
	if notedAt.IsZero() {
		notedAt = now
	}

	var note Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contact, err := s.requireContact(tx, opAddNote, userID, contactID)
		if err != nil {
			return err
		}
		note, err = s.insertNote(tx, opAddNote, userID, contact.ID, text, NoteSourceUser, notedAt.UTC().UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		_, err = s.bumpTouchpoint(tx, opAddNote, userID, contact.ID, notedAt)
		return err
	})
	if txErr != nil {
		return Note{}, txErr
	}
	s.notify(userID, note.ContactID)
	return note, nil
}

// ListNotes returns the notes of a contact, newest first.
func (s *Service) ListNotes(ctx context.Context, userID UserID, contactID ContactID) ([]Note, error) {
	if err := s.ready(opGetContact); err != nil {
		return nil, err
	}
	var notes []Note
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND contact_id = ?", userID.String(), contactID.String()).
		Order("noted_at_ms DESC").
		Order("created_at_ms DESC").
		Find(&notes).Error; err != nil {
		s.logError(opGetContact, "note_query_failed", err, zap.String("user_id", userID.String()))
		return nil, NewServiceError(opGetContact, "note_query_failed", ErrPersistence, err)
	}
	return notes, nil
}

func (s *Service) insertNote(tx *gorm.DB, operation string, userID UserID, contactID, body string, source NoteSource, notedAtMillis, createdAtMillis int64) (Note, error) {
	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String("user_id", userID.String()))
		return Note{}, NewServiceError(operation, "id_generation_failed", ErrPersistence, err)
	}
	note := Note{
		ID:              noteID,
		UserID:          userID.String(),
		ContactID:       contactID,
		Body:            body,
		Source:          source,
		NotedAtMillis:   notedAtMillis,
		CreatedAtMillis: createdAtMillis,
	}
	if err := tx.Create(&note).Error; err != nil {
		s.logError(operation, "note_insert_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("contact_id", contactID))
		return Note{}, NewServiceError(operation, "note_insert_failed", ErrPersistence, err)
	}
	return note, nil
}

func (s *Service) requireContact(db *gorm.DB, operation string, userID UserID, contactID ContactID) (Contact, error) {
	contact, err := loadContact(db, userID, contactID.String())
	if err != nil {
		s.logError(operation, "contact_query_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("contact_id", contactID.String()))
		return Contact{}, NewServiceError(operation, "contact_query_failed", ErrPersistence, err)
	}
	if contact == nil {
		return Contact{}, NewServiceError(operation, "contact_not_found", ErrNotFound, nil)
	}
	return *contact, nil
}

func (s *Service) normalizeLocation(raw string) string {
	if s.locations == nil {
		return strings.TrimSpace(raw)
	}
	return s.locations.Normalize(raw)
}

// mirrorImage returns the mirrored image URL, or "" when there is none or mirroring failed.
// A failed mirror never fails the import.
func (s *Service) mirrorImage(ctx context.Context, userID UserID, sourceURL string) string {
	source := strings.TrimSpace(sourceURL)
	if source == "" {
		return ""
	}
	if s.images == nil {
		return source
	}
	mirrored, err := s.images.Mirror(ctx, userID.String(), source)
	if err != nil {
		upstreamErr := NewServiceError(opImportProfile, "image_mirror_failed", ErrUpstreamFetch, err)
		s.loggerOrDefault().Warn("profile image not mirrored",
			zap.String("operation", opImportProfile),
			zap.String("user_id", userID.String()),
			zap.Error(upstreamErr))
		if s.metrics != nil {
			s.metrics.MirrorFailed()
		}
		return ""
	}
	return mirrored
}

func (s *Service) recordImport(platform identity.Platform, result ImportResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.ContactResolved(string(result.Match.Strategy))
	s.metrics.ImportCompleted(platform.String(), result.IsNew)
}

func (s *Service) notify(userID UserID, contactID string) {
	if s.notifier == nil || contactID == "" {
		return
	}
	s.notifier.ContactsChanged(userID.String(), []string{contactID})
}

func (s *Service) ready(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, "missing_database", errMissingDatabase)
		return NewServiceError(operation, "missing_database", ErrPersistence, errMissingDatabase)
	}
	if s.idProvider == nil {
		s.logError(operation, "missing_id_provider", errMissingIDProvider)
		return NewServiceError(operation, "missing_id_provider", ErrPersistence, errMissingIDProvider)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
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
	s.loggerOrDefault().Error("contacts service error", attrs...)
}
