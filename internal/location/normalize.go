// Package location canonicalizes free-text locations so that the same city reported by
// different platforms compares equal.
package location

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalizer canonicalizes a location string.
type Normalizer interface {
	Normalize(raw string) string
}

var defaultAliases = map[string]string{
	"sf":                              "San Francisco",
	"san francisco bay area":          "San Francisco",
	"greater san francisco":           "San Francisco",
	"nyc":                             "New York",
	"new york city":                   "New York",
	"new york city metropolitan area": "New York",
	"greater new york city area":      "New York",
	"la":                              "Los Angeles",
	"greater los angeles area":        "Los Angeles",
	"greater seattle area":            "Seattle",
	"greater boston":                  "Boston",
	"greater london":                  "London",
}

var droppedSuffixes = []string{
	", united states of america",
	", united states",
	", usa",
	", us",
	" metropolitan area",
	" metro area",
}

// AliasNormalizer applies Unicode normalization, strips country and metro-area suffixes,
// and maps well-known aliases onto a canonical city name.
type AliasNormalizer struct {
	aliases map[string]string
}

// NewNormalizer constructs an AliasNormalizer with the built-in alias table plus extras.
func NewNormalizer(extraAliases map[string]string) *AliasNormalizer {
	aliases := make(map[string]string, len(defaultAliases)+len(extraAliases))
	for alias, canonical := range defaultAliases {
		aliases[alias] = canonical
	}
	for alias, canonical := range extraAliases {
		aliases[strings.ToLower(strings.TrimSpace(alias))] = canonical
	}
	return &AliasNormalizer{aliases: aliases}
}

// Normalize returns the canonical form of raw, or an empty string for blank input.
func (n *AliasNormalizer) Normalize(raw string) string {
	cleaned := strings.Join(strings.Fields(norm.NFKC.String(raw)), " ")
	cleaned = strings.Trim(cleaned, " ,;")
	if cleaned == "" {
		return ""
	}

	if canonical, ok := n.aliases[strings.ToLower(cleaned)]; ok {
		return canonical
	}
	for _, suffix := range droppedSuffixes {
		cut := len(cleaned) - len(suffix)
		if cut > 0 && strings.EqualFold(cleaned[cut:], suffix) {
			cleaned = strings.TrimSpace(cleaned[:cut])
			break
		}
	}
	if canonical, ok := n.aliases[strings.ToLower(cleaned)]; ok {
		return canonical
	}
	if isSingleCase(cleaned) {
		return cases.Title(language.English).String(cleaned)
	}
	return cleaned
}

// Equal reports whether two locations normalize to the same place.
func (n *AliasNormalizer) Equal(a, b string) bool {
	left := n.Normalize(a)
	return left != "" && strings.EqualFold(left, n.Normalize(b))
}

func isSingleCase(value string) bool {
	hasUpper, hasLower := false, false
	for _, r := range value {
		if unicode.IsUpper(r) {
			hasUpper = true
		}
		if unicode.IsLower(r) {
			hasLower = true
		}
	}
	return !(hasUpper && hasLower)
}
