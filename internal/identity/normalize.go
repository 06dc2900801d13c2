package identity

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// IdentifierKind classifies a contact identifier used for exact matching.
type IdentifierKind string

const (
	// IdentifierKindPhone marks a phone number normalized to national digits.
	IdentifierKindPhone IdentifierKind = "phone"
	// IdentifierKindEmail marks a lower-cased email address.
	IdentifierKindEmail IdentifierKind = "email"
)

// Platform names a social platform a profile fragment originates from.
type Platform string

const (
	// PlatformLinkedIn identifies linkedin.com profiles.
	PlatformLinkedIn Platform = "linkedin"
	// PlatformX identifies x.com (formerly twitter.com) profiles.
	PlatformX Platform = "x"
)

const (
	defaultCountryCode    = "1"
	defaultNationalLength = 10
	linkedInSlugMinLength = 3
	linkedInSlugMaxLength = 100
	xHandleMaxLength      = 15
)

var (
	// ErrUnknownPlatform indicates that a platform name is not supported.
	ErrUnknownPlatform = errors.New("identity: unknown platform")
	// ErrInvalidHandle indicates that a platform handle fails the platform's character-set rule.
	ErrInvalidHandle = errors.New("identity: invalid platform handle")

	linkedInSlugPattern = regexp.MustCompile(`(?i)linkedin\.com/in/([^/?#\s]+)`)
	xUsernamePattern    = regexp.MustCompile(`(?i)(?:^|[/.])(?:x|twitter)\.com/@?([^/?#\s]+)`)

	xReservedPaths = map[string]bool{
		"home": true, "i": true, "search": true, "explore": true, "notifications": true,
		"messages": true, "settings": true, "login": true, "logout": true, "signup": true,
		"compose": true, "intent": true, "share": true, "hashtag": true, "tos": true,
		"privacy": true, "about": true, "help": true,
	}
)

// ParsePlatform maps a raw platform name onto a supported Platform.
func ParsePlatform(raw string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(PlatformLinkedIn):
		return PlatformLinkedIn, nil
	case string(PlatformX), "twitter":
		return PlatformX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, raw)
	}
}

// String returns the platform name.
func (p Platform) String() string {
	return string(p)
}

// PhoneRules captures the locale assumptions applied when canonicalizing phone numbers.
type PhoneRules struct {
	CountryCode    string
	NationalLength int
}

// DefaultPhoneRules returns the North American numbering assumptions.
func DefaultPhoneRules() PhoneRules {
	return PhoneRules{CountryCode: defaultCountryCode, NationalLength: defaultNationalLength}
}

// Normalize strips everything but digits and removes the country code prefix when the
// remaining digits are exactly a country code followed by a national number.
func (rules PhoneRules) Normalize(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if rules.CountryCode == "" || rules.NationalLength <= 0 {
		return digits
	}
	if len(digits) == len(rules.CountryCode)+rules.NationalLength && strings.HasPrefix(digits, rules.CountryCode) {
		return digits[len(rules.CountryCode):]
	}
	return digits
}

// Normalizer canonicalizes identifiers into comparable keys.
type Normalizer struct {
	phone PhoneRules
}

// NewNormalizer constructs a Normalizer using the provided phone rules.
func NewNormalizer(rules PhoneRules) Normalizer {
	return Normalizer{phone: rules}
}

// NormalizePhone canonicalizes a phone number.
func (n Normalizer) NormalizePhone(raw string) string {
	return n.phone.Normalize(raw)
}

// ParseHandle classifies a message-source handle of unknown type.
func (n Normalizer) ParseHandle(raw string) (IdentifierKind, string) {
	if strings.Contains(raw, "@") {
		return IdentifierKindEmail, NormalizeEmail(raw)
	}
	return IdentifierKindPhone, n.NormalizePhone(raw)
}

// NormalizePhone canonicalizes a phone number with the default rules.
func NormalizePhone(raw string) string {
	return DefaultPhoneRules().Normalize(raw)
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ParseHandle classifies a handle with the default phone rules.
func ParseHandle(raw string) (IdentifierKind, string) {
	return NewNormalizer(DefaultPhoneRules()).ParseHandle(raw)
}

// NormalizeHandle extracts the username from a profile URL, or cleans a bare handle, and
// lower-cases it. An empty string means no username could be found.
func NormalizeHandle(platform Platform, raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	switch platform {
	case PlatformLinkedIn:
		if match := linkedInSlugPattern.FindStringSubmatch(trimmed); len(match) > 1 {
			return strings.ToLower(unescapeSegment(match[1]))
		}
	case PlatformX:
		if match := xUsernamePattern.FindStringSubmatch(trimmed); len(match) > 1 {
			return strings.ToLower(match[1])
		}
	default:
		return ""
	}
	if strings.ContainsAny(trimmed, "/ ") {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(trimmed, "@"))
}

// ValidateHandle checks a normalized handle against the platform's character-set rule.
func ValidateHandle(platform Platform, handle string) error {
	switch platform {
	case PlatformLinkedIn:
		length := len([]rune(handle))
		if length < linkedInSlugMinLength || length > linkedInSlugMaxLength {
			return fmt.Errorf("%w: linkedin slug must be %d-%d characters", ErrInvalidHandle, linkedInSlugMinLength, linkedInSlugMaxLength)
		}
		for _, r := range handle {
			if linkedInSlugRune(r) {
				continue
			}
			return fmt.Errorf("%w: linkedin slug contains %q", ErrInvalidHandle, r)
		}
		return nil
	case PlatformX:
		if handle == "" || len(handle) > xHandleMaxLength {
			return fmt.Errorf("%w: x handle must be 1-%d characters", ErrInvalidHandle, xHandleMaxLength)
		}
		if xReservedPaths[handle] {
			return fmt.Errorf("%w: %q is a reserved x path", ErrInvalidHandle, handle)
		}
		for _, r := range handle {
			isLower := r >= 'a' && r <= 'z'
			isUpper := r >= 'A' && r <= 'Z'
			isDigit := r >= '0' && r <= '9'
			if !isLower && !isUpper && !isDigit && r != '_' {
				return fmt.Errorf("%w: x handle contains %q", ErrInvalidHandle, r)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
}

// linkedInSlugRune accepts the characters of a percent-decoded, lower-cased vanity slug: letters
// of any script without an upper-case form in use, digits, '-', '_' and '.'.
func linkedInSlugRune(r rune) bool {
	if unicode.IsLetter(r) {
		return !unicode.IsUpper(r) && !unicode.IsTitle(r)
	}
	return unicode.IsDigit(r) || r == '-' || r == '_' || r == '.'
}

// ProfileURL renders the canonical profile URL for a normalized handle.
func ProfileURL(platform Platform, handle string) string {
	if handle == "" {
		return ""
	}
	switch platform {
	case PlatformLinkedIn:
		return "https://www.linkedin.com/in/" + url.PathEscape(handle)
	case PlatformX:
		return "https://x.com/" + handle
	default:
		return ""
	}
}

func unescapeSegment(segment string) string {
	if !strings.Contains(segment, "%") {
		return segment
	}
	decoded, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return decoded
}
