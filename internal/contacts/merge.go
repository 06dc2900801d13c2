package contacts

import (
	"strings"

	"github.com/MarcoPoloResearchLab/rolodex/internal/identity"
)

const placeholderDisplayName = "Unknown contact"

type displayNameStrategy struct {
	name string
	pick func(Fragment) string
}

// Tried in order when a fragment creates a new contact.
var displayNameStrategies = []displayNameStrategy{
	{name: "fragment_name", pick: func(fragment Fragment) string {
		return strings.TrimSpace(fragment.Profile().Name)
	}},
	{name: "platform_handle", pick: func(fragment Fragment) string {
		handle := FragmentHandle(fragment)
		if handle != "" && fragment.Platform() == identity.PlatformX {
			return "@" + handle
		}
		return handle
	}},
	{name: "placeholder", pick: func(Fragment) string {
		return placeholderDisplayName
	}},
}

// chooseDisplayName returns the first non-empty display name and the strategy that produced it.
func chooseDisplayName(fragment Fragment) (string, string) {
	for _, strategy := range displayNameStrategies {
		if value := strategy.pick(fragment); value != "" {
			return value, strategy.name
		}
	}
	return placeholderDisplayName, "placeholder"
}

// mergeInput holds the already-normalized values an import offers to the contact record.
type mergeInput struct {
	Bio      string
	Location string
	ImageURL string
	Website  string
}

type mergeField struct {
	column   string
	current  func(Contact) string
	incoming func(mergeInput) string
}

var mergeFields = []mergeField{
	{column: "custom_bio", current: func(c Contact) string { return c.CustomBio }, incoming: func(in mergeInput) string { return in.Bio }},
	{column: "custom_location", current: func(c Contact) string { return c.CustomLocation }, incoming: func(in mergeInput) string { return in.Location }},
	{column: "custom_image_url", current: func(c Contact) string { return c.CustomImageURL }, incoming: func(in mergeInput) string { return in.ImageURL }},
	{column: "custom_website", current: func(c Contact) string { return c.CustomWebsite }, incoming: func(in mergeInput) string { return in.Website }},
}

// planMerge returns the column updates that fill empty contact fields. Fields the user already
// set are never part of the plan.
func planMerge(existing Contact, incoming mergeInput) map[string]interface{} {
	updates := map[string]interface{}{}
	for _, field := range mergeFields {
		if strings.TrimSpace(field.current(existing)) != "" {
			continue
		}
		value := strings.TrimSpace(field.incoming(incoming))
		if value == "" {
			continue
		}
		updates[field.column] = value
	}
	return updates
}

func applyMerge(contact *Contact, updates map[string]interface{}) {
	for column, value := range updates {
		text, _ := value.(string)
		switch column {
		case "custom_bio":
			contact.CustomBio = text
		case "custom_location":
			contact.CustomLocation = text
		case "custom_image_url":
			contact.CustomImageURL = text
		case "custom_website":
			contact.CustomWebsite = text
		}
	}
}
