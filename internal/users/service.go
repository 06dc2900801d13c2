package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/auth"
	"github.com/MarcoPoloResearchLab/rolodex/internal/cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultProvider = "default"
	cacheKeyPrefix  = "user-identity:"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Cache    cache.Store[string]
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps provider logins onto the canonical user id that scopes every contact.
type Service struct {
	db     *gorm.DB
	cache  cache.Store[string]
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the identity service. Without a cache every lookup reads the database.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		cache:  cfg.Cache,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := cacheKeyPrefix + provider + ":" + subject
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, cacheKey)
		if err != nil {
			s.logger.Warn("user identity cache read failed", zap.String("provider", provider), zap.Error(err))
		} else if ok && cached != "" {
			return cached, nil
		}
	}

	db := s.db.WithContext(ctx)
	identity := newIdentity(provider, subject, claims, s.now())
	created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity)
	if created.Error != nil {
		return "", created.Error
	}
	if created.RowsAffected == 0 {
		var existing Identity
		if err := db.Where("provider = ? AND subject = ?", provider, subject).Take(&existing).Error; err != nil {
			return "", err
		}
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(existing.profileUpdates(identity)).Error; err != nil {
			s.logger.Warn("user identity refresh failed", zap.String("provider", provider), zap.Error(err))
		}
		identity = existing
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, identity.UserID); err != nil {
			s.logger.Warn("user identity cache write failed", zap.String("provider", provider), zap.Error(err))
		}
	}
	return identity.UserID, nil
}

// deriveProviderSubject splits a "provider:subject" user id; otherwise the JWT subject, the
// raw user id and finally the email identify the login under the default provider.
func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	raw := strings.TrimSpace(claims.UserID)
	if provider, subject, found := strings.Cut(raw, ":"); found {
		provider, subject = strings.TrimSpace(provider), strings.TrimSpace(subject)
		if provider != "" && subject != "" {
			return provider, subject
		}
	}
	for _, candidate := range []string{claims.Subject, raw, claims.UserEmail} {
		if subject := strings.TrimSpace(candidate); subject != "" {
			return defaultProvider, subject
		}
	}
	return defaultProvider, ""
}
