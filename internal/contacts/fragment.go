package contacts

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/rolodex/internal/identity"
)

// ProfileFields are the optional fields any platform fragment may carry.
type ProfileFields struct {
	HandleOrURL    string
	Name           string
	HeadlineOrBio  string
	Location       string
	ImageURL       string
	Website        string
	About          string
	FollowersCount *int64
	FollowingCount *int64
}

// Experience is one position listed on a LinkedIn profile.
type Experience struct {
	Title   string
	Company string
	Dates   string
}

// Education is one school listed on a LinkedIn profile.
type Education struct {
	School string
	Degree string
}

// Fragment is a partial profile scraped from one platform. The set of implementations is closed.
type Fragment interface {
	Platform() identity.Platform
	Profile() ProfileFields
	Validate() error
	noteSections() []string
}

// LinkedInFragment is a profile scraped from linkedin.com.
type LinkedInFragment struct {
	ProfileFields
	Experience []Experience
	Education  []Education
}

// Platform reports identity.PlatformLinkedIn.
func (LinkedInFragment) Platform() identity.Platform { return identity.PlatformLinkedIn }

// Profile returns the shared profile fields.
func (f LinkedInFragment) Profile() ProfileFields { return f.ProfileFields }

// Validate requires a name or a well-formed profile slug.
func (f LinkedInFragment) Validate() error {
	return validateFields(identity.PlatformLinkedIn, f.ProfileFields)
}

func (f LinkedInFragment) noteSections() []string {
	sections := []string{section("About", f.About)}

	experience := make([]string, 0, len(f.Experience))
	for _, position := range f.Experience {
		line := strings.TrimSpace(position.Title)
		if company := strings.TrimSpace(position.Company); company != "" {
			if line == "" {
				line = company
			} else {
				line += " at " + company
			}
		}
		if line == "" {
			continue
		}
		if dates := strings.TrimSpace(position.Dates); dates != "" {
			line += " (" + dates + ")"
		}
		experience = append(experience, "- "+line)
	}
	sections = append(sections, section("Experience", strings.Join(experience, "\n")))

	education := make([]string, 0, len(f.Education))
	for _, school := range f.Education {
		parts := make([]string, 0, 2)
		if degree := strings.TrimSpace(school.Degree); degree != "" {
			parts = append(parts, degree)
		}
		if name := strings.TrimSpace(school.School); name != "" {
			parts = append(parts, name)
		}
		if len(parts) > 0 {
			education = append(education, "- "+strings.Join(parts, ", "))
		}
	}
	return append(sections, section("Education", strings.Join(education, "\n")))
}

// XFragment is a profile scraped from x.com.
type XFragment struct {
	ProfileFields
	PinnedPost string
}

// Platform reports identity.PlatformX.
func (XFragment) Platform() identity.Platform { return identity.PlatformX }

// Profile returns the shared profile fields.
func (f XFragment) Profile() ProfileFields { return f.ProfileFields }

// Validate requires a name or a well-formed username.
func (f XFragment) Validate() error {
	return validateFields(identity.PlatformX, f.ProfileFields)
}

func (f XFragment) noteSections() []string {
	return []string{section("About", f.About), section("Pinned post", f.PinnedPost)}
}

// FragmentHandle returns the normalized platform handle of a fragment, or "" when it has none.
func FragmentHandle(fragment Fragment) string {
	return identity.NormalizeHandle(fragment.Platform(), fragment.Profile().HandleOrURL)
}

// BuildImportNote formats the free-text content of a fragment as one note body.
// Fragments without such content yield an empty string.
func BuildImportNote(fragment Fragment) string {
	if fragment == nil {
		return ""
	}
	sections := make([]string, 0, 3)
	for _, candidate := range fragment.noteSections() {
		if candidate != "" {
			sections = append(sections, candidate)
		}
	}
	return strings.Join(sections, "\n\n")
}

func noteSourceFor(platform identity.Platform) NoteSource {
	if platform == identity.PlatformX {
		return NoteSourceXImport
	}
	return NoteSourceLinkedInImport
}

func section(title, body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return ""
	}
	return title + "\n" + trimmed
}

func validateFields(platform identity.Platform, fields ProfileFields) error {
	name := strings.TrimSpace(fields.Name)
	rawHandle := strings.TrimSpace(fields.HandleOrURL)
	if name == "" && rawHandle == "" {
		return errMissingIdentity
	}
	if rawHandle == "" {
		return nil
	}
	handle := identity.NormalizeHandle(platform, rawHandle)
	if handle == "" {
		return fmt.Errorf("%w: %q", errUnrecognizedURL, rawHandle)
	}
	return identity.ValidateHandle(platform, handle)
}

var (
	_ Fragment = LinkedInFragment{}
	_ Fragment = XFragment{}
)
