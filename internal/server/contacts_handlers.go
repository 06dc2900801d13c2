package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/rolodex/internal/contacts"
	"github.com/MarcoPoloResearchLab/rolodex/internal/identity"
	"github.com/gin-gonic/gin"
)

type importRequestPayload struct {
	Platform       string              `json:"platform"`
	HandleOrURL    string              `json:"handle_or_url"`
	Name           string              `json:"name"`
	HeadlineOrBio  string              `json:"headline_or_bio"`
	Location       string              `json:"location"`
	ImageURL       string              `json:"image_url"`
	Website        string              `json:"website"`
	About          string              `json:"about"`
	PinnedPost     string              `json:"pinned_post"`
	FollowersCount *int64              `json:"followers_count"`
	FollowingCount *int64              `json:"following_count"`
	Experience     []experiencePayload `json:"experience"`
	Education      []educationPayload  `json:"education"`
}

type experiencePayload struct {
	Title   string `json:"title"`
	Company string `json:"company"`
	Dates   string `json:"dates"`
}

type educationPayload struct {
	School string `json:"school"`
	Degree string `json:"degree"`
}

type contactPayload struct {
	ID             string           `json:"id"`
	DisplayName    string           `json:"display_name"`
	CustomBio      string           `json:"custom_bio"`
	CustomLocation string           `json:"custom_location"`
	CustomWebsite  string           `json:"custom_website"`
	CustomImageURL string           `json:"custom_image_url"`
	Hidden         bool             `json:"hidden"`
	LastTouchpoint *string          `json:"last_touchpoint"`
	CreatedAt      string           `json:"created_at"`
	UpdatedAt      string           `json:"updated_at"`
	Profiles       []profilePayload `json:"profiles,omitempty"`
}

type profilePayload struct {
	Platform       string `json:"platform"`
	Handle         string `json:"handle"`
	ProfileURL     string `json:"profile_url"`
	DisplayName    string `json:"display_name"`
	Headline       string `json:"headline"`
	Location       string `json:"location"`
	ImageURL       string `json:"image_url"`
	Website        string `json:"website"`
	FollowersCount *int64 `json:"followers_count"`
	FollowingCount *int64 `json:"following_count"`
	FetchedAt      string `json:"fetched_at"`
}

type matchPayload struct {
	Strategy string  `json:"strategy"`
	Score    float64 `json:"score"`
}

type importResponsePayload struct {
	Success bool           `json:"success"`
	IsNew   bool           `json:"isNew"`
	Contact contactPayload `json:"contact"`
	Match   *matchPayload  `json:"match,omitempty"`
	NoteID  string         `json:"noteId,omitempty"`
}

type notePayload struct {
	ID        string `json:"id"`
	ContactID string `json:"contact_id"`
	Body      string `json:"body"`
	Source    string `json:"source"`
	NotedAt   string `json:"noted_at"`
	CreatedAt string `json:"created_at"`
}

type addNoteRequestPayload struct {
	Body    string       `json:"body"`
	NotedAt flexibleTime `json:"noted_at"`
}

type touchpointRequestPayload struct {
	OccurredAt flexibleTime `json:"occurred_at"`
	Comment    string       `json:"comment"`
}

type touchpointPayload struct {
	ID         string `json:"id"`
	ContactID  string `json:"contact_id"`
	OccurredAt string `json:"occurred_at"`
	Source     string `json:"source"`
	Comment    string `json:"comment"`
}

func (h *httpHandler) handleImportProfile(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var request importRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "http.invalid_json"})
		return
	}
	fragment, err := request.fragment()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "contacts.import_profile.unknown_platform"})
		return
	}

	result, err := h.contactsService.ImportProfile(c.Request.Context(), userID, fragment)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := importResponsePayload{
		Success: true,
		IsNew:   result.IsNew,
		Contact: newContactPayload(result.Contact, []contacts.PlatformProfile{result.Profile}),
	}
	if result.Match.Matched() {
		response.Match = &matchPayload{Strategy: string(result.Match.Strategy), Score: result.Match.Score}
	}
	if result.Note != nil {
		response.NoteID = result.Note.ID
	}
	c.JSON(http.StatusOK, response)
}

func (p importRequestPayload) fragment() (contacts.Fragment, error) {
	platform, err := identity.ParsePlatform(p.Platform)
	if err != nil {
		return nil, err
	}
	fields := contacts.ProfileFields{
		HandleOrURL:    p.HandleOrURL,
		Name:           p.Name,
		HeadlineOrBio:  p.HeadlineOrBio,
		Location:       p.Location,
		ImageURL:       p.ImageURL,
		Website:        p.Website,
		About:          p.About,
		FollowersCount: p.FollowersCount,
		FollowingCount: p.FollowingCount,
	}
	if platform == identity.PlatformX {
		return contacts.XFragment{ProfileFields: fields, PinnedPost: p.PinnedPost}, nil
	}
	fragment := contacts.LinkedInFragment{ProfileFields: fields}
	for _, position := range p.Experience {
		fragment.Experience = append(fragment.Experience, contacts.Experience{
			Title:   position.Title,
			Company: position.Company,
			Dates:   position.Dates,
		})
	}
	for _, school := range p.Education {
		fragment.Education = append(fragment.Education, contacts.Education{
			School: school.School,
			Degree: school.Degree,
		})
	}
	return fragment, nil
}

func (h *httpHandler) handleGetContact(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	contactID, ok := parseContactID(c)
	if !ok {
		return
	}
	details, err := h.contactsService.GetContact(c.Request.Context(), userID, contactID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact": newContactPayload(details.Contact, details.Profiles)})
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	contactID, ok := parseContactID(c)
	if !ok {
		return
	}
	notes, err := h.contactsService.ListNotes(c.Request.Context(), userID, contactID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]notePayload, 0, len(notes))
	for _, note := range notes {
		payload = append(payload, newNotePayload(note))
	}
	c.JSON(http.StatusOK, gin.H{"notes": payload})
}

func (h *httpHandler) handleAddNote(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	contactID, ok := parseContactID(c)
	if !ok {
		return
	}
	var request addNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "http.invalid_json"})
		return
	}
	note, err := h.contactsService.AddNote(c.Request.Context(), userID, contactID, request.Body, request.NotedAt.Time)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "note": newNotePayload(note)})
}

func (h *httpHandler) handleRecordTouchpoint(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	contactID, ok := parseContactID(c)
	if !ok {
		return
	}
	var request touchpointRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "http.invalid_json"})
		return
	}
	event, err := h.contactsService.RecordTouchpoint(c.Request.Context(), userID, contactID, request.OccurredAt.Time, request.Comment)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "touchpoint": touchpointPayload{
		ID:         event.ID,
		ContactID:  event.ContactID,
		OccurredAt: formatMillis(event.OccurredAtMillis),
		Source:     string(event.Source),
		Comment:    event.Comment,
	}})
}

func newContactPayload(contact contacts.Contact, profiles []contacts.PlatformProfile) contactPayload {
	payload := contactPayload{
		ID:             contact.ID,
		DisplayName:    contact.DisplayName,
		CustomBio:      contact.CustomBio,
		CustomLocation: contact.CustomLocation,
		CustomWebsite:  contact.CustomWebsite,
		CustomImageURL: contact.CustomImageURL,
		Hidden:         contact.Hidden,
		CreatedAt:      formatMillis(contact.CreatedAtMillis),
		UpdatedAt:      formatMillis(contact.UpdatedAtMillis),
	}
	if at, ok := contact.LastTouchpoint(); ok {
		formatted := formatTimestamp(at)
		payload.LastTouchpoint = &formatted
	}
	for _, profile := range profiles {
		if profile.ID == "" {
			continue
		}
		payload.Profiles = append(payload.Profiles, profilePayload{
			Platform:       profile.Platform.String(),
			Handle:         profile.Handle,
			ProfileURL:     profile.ProfileURL,
			DisplayName:    profile.DisplayName,
			Headline:       profile.Headline,
			Location:       profile.Location,
			ImageURL:       profile.ImageURL,
			Website:        profile.Website,
			FollowersCount: profile.FollowersCount,
			FollowingCount: profile.FollowingCount,
			FetchedAt:      formatMillis(profile.FetchedAtMillis),
		})
	}
	return payload
}

func newNotePayload(note contacts.Note) notePayload {
	return notePayload{
		ID:        note.ID,
		ContactID: note.ContactID,
		Body:      note.Body,
		Source:    string(note.Source),
		NotedAt:   formatMillis(note.NotedAtMillis),
		CreatedAt: formatMillis(note.CreatedAtMillis),
	}
}
