package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "tauth"
	defaultClockLeeway   = 30 * time.Second
	bearerPrefix         = "Bearer "
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims is the payload of a session JWT minted by the session issuer.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserAvatarURL   string   `json:"user_avatar_url"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how session JWTs are checked. An empty issuer selects
// "tauth"; a zero leeway allows 30s of clock skew.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Leeway        time.Duration
	Clock         func() time.Time
}

// SessionValidator validates HS256 session JWTs carried in a cookie or a bearer header.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultClockLeeway
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken verifies signature, issuer and expiry and requires both subject and user id.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest prefers the session cookie and falls back to an Authorization bearer token,
// which the message sync companion sends.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token, ok := v.tokenFromRequest(r)
	if !ok {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(token)
}

func (v *SessionValidator) tokenFromRequest(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value, true
	}
	header := r.Header.Get("Authorization")
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return header[len(bearerPrefix):], true
	}
	return "", false
}

func (v *SessionValidator) signingKey(*jwt.Token) (interface{}, error) {
	return v.signingSecret, nil
}
