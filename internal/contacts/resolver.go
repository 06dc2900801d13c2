package contacts

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/rolodex/internal/identity"
	"gorm.io/gorm"
)

// Strategy names the rule that matched an incoming fragment or handle to a contact.
type Strategy string

const (
	StrategyPlatformHandle Strategy = "platform_handle"
	StrategyProfileURL     Strategy = "profile_url"
	StrategyDisplayName    Strategy = "display_name"
	StrategyIdentifier     Strategy = "identifier"
	StrategyFuzzyName      Strategy = "fuzzy_name"
)

// Match describes how a contact was found. The zero value means no match.
type Match struct {
	Strategy Strategy
	Score    float64
}

// Matched reports whether any strategy produced a contact.
func (m Match) Matched() bool {
	return m.Strategy != ""
}

type fragmentQuery struct {
	platform identity.Platform
	handle   string
	name     string
}

type fragmentStrategy struct {
	name Strategy
	find func(db *gorm.DB, userID UserID, query fragmentQuery) (*Contact, error)
}

// Ordered from the most to the least specific key: names collide far more often than handles.
var fragmentStrategies = []fragmentStrategy{
	{name: StrategyPlatformHandle, find: findByPlatformHandle},
	{name: StrategyProfileURL, find: findByProfileURL},
	{name: StrategyDisplayName, find: findByDisplayName},
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Database      *gorm.DB
	Normalizer    identity.Normalizer
	NameThreshold float64
}

// Resolver finds at most one existing contact for an incoming fragment or message handle.
type Resolver struct {
	db            *gorm.DB
	normalizer    identity.Normalizer
	nameThreshold float64
}

// NewResolver constructs a Resolver. A non-positive threshold selects identity.DefaultNameThreshold.
func NewResolver(cfg ResolverConfig) *Resolver {
	threshold := cfg.NameThreshold
	if threshold <= 0 {
		threshold = identity.DefaultNameThreshold
	}
	return &Resolver{db: cfg.Database, normalizer: cfg.Normalizer, nameThreshold: threshold}
}

// ResolveFragment tries the platform handle, then the profile URL, then the exact display name.
// A nil contact with a nil error means nothing matched.
func (r *Resolver) ResolveFragment(ctx context.Context, userID UserID, fragment Fragment) (*Contact, Match, error) {
	if r == nil || r.db == nil {
		return nil, Match{}, errMissingDatabase
	}
	return r.resolveFragment(r.db.WithContext(ctx), userID, fragment)
}

func (r *Resolver) resolveFragment(db *gorm.DB, userID UserID, fragment Fragment) (*Contact, Match, error) {
	query := fragmentQuery{
		platform: fragment.Platform(),
		handle:   FragmentHandle(fragment),
		name:     strings.TrimSpace(fragment.Profile().Name),
	}
	for _, strategy := range fragmentStrategies {
		contact, err := strategy.find(db, userID, query)
		if err != nil {
			return nil, Match{}, err
		}
		if contact != nil {
			return contact, Match{Strategy: strategy.name, Score: 1}, nil
		}
	}
	return nil, Match{}, nil
}

// ResolveMessageHandle matches a message-source handle by its phone or email identifier and
// falls back to fuzzy matching the reported name against all of the user's contacts.
func (r *Resolver) ResolveMessageHandle(ctx context.Context, userID UserID, handle, reportedName string) (*Contact, Match, error) {
	contact, match, err := r.ResolveIdentifier(ctx, userID, handle)
	if err != nil || contact != nil {
		return contact, match, err
	}
	if strings.TrimSpace(reportedName) == "" {
		return nil, Match{}, nil
	}
	candidates, err := r.Candidates(ctx, userID)
	if err != nil {
		return nil, Match{}, err
	}
	contact, match = r.MatchName(reportedName, candidates)
	return contact, match, nil
}

// ResolveIdentifier finds the contact owning the normalized phone or email behind handle.
func (r *Resolver) ResolveIdentifier(ctx context.Context, userID UserID, handle string) (*Contact, Match, error) {
	if r == nil || r.db == nil {
		return nil, Match{}, errMissingDatabase
	}
	kind, value := r.normalizer.ParseHandle(handle)
	if value == "" {
		return nil, Match{}, nil
	}
	db := r.db.WithContext(ctx)
	var identifiers []Identifier
	if err := db.Where("user_id = ? AND type = ? AND value = ?", userID.String(), kind, value).
		Limit(1).
		Find(&identifiers).Error; err != nil {
		return nil, Match{}, err
	}
	if len(identifiers) == 0 {
		return nil, Match{}, nil
	}
	contact, err := loadContact(db, userID, identifiers[0].ContactID)
	if err != nil || contact == nil {
		return nil, Match{}, err
	}
	return contact, Match{Strategy: StrategyIdentifier, Score: 1}, nil
}

// Candidates loads every contact of the user for fuzzy name matching, oldest first.
func (r *Resolver) Candidates(ctx context.Context, userID UserID) ([]Contact, error) {
	if r == nil || r.db == nil {
		return nil, errMissingDatabase
	}
	var candidates []Contact
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at_ms ASC").
		Order("id ASC").
		Find(&candidates).Error; err != nil {
		return nil, err
	}
	return candidates, nil
}

// MatchName returns the best candidate whose display name scores at or above the threshold.
func (r *Resolver) MatchName(reportedName string, candidates []Contact) (*Contact, Match) {
	index, score := identity.BestNameMatch(reportedName, candidates, func(c Contact) string {
		return c.DisplayName
	}, r.nameThreshold)
	if index < 0 {
		return nil, Match{}
	}
	contact := candidates[index]
	return &contact, Match{Strategy: StrategyFuzzyName, Score: score}
}

func findByPlatformHandle(db *gorm.DB, userID UserID, query fragmentQuery) (*Contact, error) {
	if query.handle == "" {
		return nil, nil
	}
	var profiles []PlatformProfile
	if err := db.Where("user_id = ? AND platform = ? AND handle = ?", userID.String(), query.platform, query.handle).
		Order("fetched_at_ms DESC").
		Limit(1).
		Find(&profiles).Error; err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, nil
	}
	return loadContact(db, userID, profiles[0].ContactID)
}

// findByProfileURL matches stored profile URLs that contain the handle, for rows whose handle
// column was never populated or was saved under a different spelling.
func findByProfileURL(db *gorm.DB, userID UserID, query fragmentQuery) (*Contact, error) {
	if query.handle == "" {
		return nil, nil
	}
	var profiles []PlatformProfile
	if err := db.Where("user_id = ? AND LOWER(profile_url) LIKE ? ESCAPE '\\'", userID.String(), "%"+escapeLike(query.handle)+"%").
		Order("fetched_at_ms DESC").
		Find(&profiles).Error; err != nil {
		return nil, err
	}
	for _, profile := range profiles {
		if identity.NormalizeHandle(query.platform, profile.ProfileURL) == query.handle {
			return loadContact(db, userID, profile.ContactID)
		}
	}
	return nil, nil
}

func findByDisplayName(db *gorm.DB, userID UserID, query fragmentQuery) (*Contact, error) {
	if query.name == "" {
		return nil, nil
	}
	var contacts []Contact
	if err := db.Where("user_id = ? AND display_name_key = ?", userID.String(), DisplayNameKey(query.name)).
		Order("created_at_ms ASC").
		Limit(1).
		Find(&contacts).Error; err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return &contacts[0], nil
}

func loadContact(db *gorm.DB, userID UserID, contactID string) (*Contact, error) {
	var contact Contact
	err := db.Where("id = ? AND user_id = ?", contactID, userID.String()).Take(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(strings.ToLower(value))
}
