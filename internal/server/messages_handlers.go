package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/contacts"
	"github.com/MarcoPoloResearchLab/rolodex/internal/messages"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type syncRequestPayload struct {
	Messages []conversationPayload `json:"messages"`
}

type conversationPayload struct {
	HandleID        string           `json:"handle_id"`
	ContactName     *string          `json:"contact_name"`
	Messages        []messagePayload `json:"messages"`
	LastMessageDate flexibleTime     `json:"last_message_date"`
}

type messagePayload struct {
	MessageID int64        `json:"message_id"`
	Text      string       `json:"text"`
	IsFromMe  bool         `json:"is_from_me"`
	Date      flexibleTime `json:"date"`
}

type syncResponsePayload struct {
	Success         bool `json:"success"`
	Synced          int  `json:"synced"`
	Matched         int  `json:"matched"`
	TotalMessages   int  `json:"totalMessages"`
	UpdatedMessages int  `json:"updatedMessages"`
}

type unmatchedHandlePayload struct {
	HandleID      string `json:"handle_id"`
	MessageCount  int64  `json:"message_count"`
	DisplayName   string `json:"display_name"`
	LastMessageAt string `json:"last_message_at"`
}

type linkRequestPayload struct {
	HandleID string `json:"handle_id"`
	PeopleID string `json:"people_id"`
	Name     string `json:"name"`
}

type linkBatchRequestPayload struct {
	linkRequestPayload
	Links []linkRequestPayload `json:"links"`
}

type linkResultPayload struct {
	HandleID          string `json:"handle_id"`
	Success           bool   `json:"success"`
	PeopleID          string `json:"people_id,omitempty"`
	ContactCreated    bool   `json:"contact_created"`
	Relinked          int64  `json:"relinked"`
	IdentifierWritten bool   `json:"identifier_written"`
	Error             string `json:"error,omitempty"`
	Code              string `json:"code,omitempty"`
}

func (h *httpHandler) handleMessagesSync(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "http.invalid_json"})
		return
	}

	conversations := make([]messages.Conversation, 0, len(request.Messages))
	for _, conversation := range request.Messages {
		batch := make([]messages.Message, 0, len(conversation.Messages))
		for _, message := range conversation.Messages {
			batch = append(batch, messages.Message{
				ExternalID: message.MessageID,
				Text:       message.Text,
				IsFromMe:   message.IsFromMe,
				SentAt:     message.Date.Time,
			})
		}
		name := ""
		if conversation.ContactName != nil {
			name = *conversation.ContactName
		}
		conversations = append(conversations, messages.Conversation{
			Handle:        conversation.HandleID,
			ContactName:   name,
			Messages:      batch,
			LastMessageAt: conversation.LastMessageDate.Time,
		})
	}

	result, err := h.messagesService.SyncBatch(c.Request.Context(), userID, conversations)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Debug("message batch synced",
		zap.String("user_id", userID.String()),
		zap.Int("conversations", len(conversations)),
		zap.Int("inserted", result.TotalMessages),
		zap.Int("updated", result.UpdatedMessages))
	c.JSON(http.StatusOK, syncResponsePayload{
		Success:         true,
		Synced:          result.Synced,
		Matched:         result.Matched,
		TotalMessages:   result.TotalMessages,
		UpdatedMessages: result.UpdatedMessages,
	})
}

func (h *httpHandler) handleListUnmatched(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	handles, err := h.messagesService.ListUnmatchedHandles(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]unmatchedHandlePayload, 0, len(handles))
	for _, handle := range handles {
		payload = append(payload, unmatchedHandlePayload{
			HandleID:      handle.Handle,
			MessageCount:  handle.MessageCount,
			DisplayName:   handle.DisplayName,
			LastMessageAt: formatLastMessage(handle.LastMessageAt),
		})
	}
	c.JSON(http.StatusOK, gin.H{"handles": payload})
}

// handleLinkHandles accepts a single {handle_id, people_id|name} link or a {links: [...]} batch.
// A single link reports failures through the status code; a batch always answers 200 with a
// result per handle.
func (h *httpHandler) handleLinkHandles(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var request linkBatchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "http.invalid_json"})
		return
	}

	if len(request.Links) == 0 {
		result, err := h.messagesService.LinkHandle(c.Request.Context(), userID, request.linkRequestPayload.toLinkRequest())
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "result": newLinkResultPayload(result)})
		return
	}

	linkRequests := make([]messages.LinkRequest, 0, len(request.Links))
	for _, link := range request.Links {
		linkRequests = append(linkRequests, link.toLinkRequest())
	}
	results := h.messagesService.LinkHandles(c.Request.Context(), userID, linkRequests)
	payload := make([]linkResultPayload, 0, len(results))
	for _, result := range results {
		payload = append(payload, newLinkResultPayload(result))
	}
	c.JSON(http.StatusOK, gin.H{"results": payload})
}

func (p linkRequestPayload) toLinkRequest() messages.LinkRequest {
	return messages.LinkRequest{
		Handle:    p.HandleID,
		ContactID: strings.TrimSpace(p.PeopleID),
		Name:      p.Name,
	}
}

func newLinkResultPayload(result messages.LinkResult) linkResultPayload {
	payload := linkResultPayload{
		HandleID:          result.Handle,
		Success:           result.Err == nil,
		PeopleID:          result.ContactID,
		ContactCreated:    result.ContactCreated,
		Relinked:          result.Relinked,
		IdentifierWritten: result.IdentifierWritten,
	}
	if result.Err != nil {
		_, label := classifyError(result.Err)
		payload.Error = label
		payload.Code = contacts.ErrorCode(result.Err)
	}
	return payload
}

func formatLastMessage(at time.Time) string {
	if at.UnixMilli() == 0 {
		return ""
	}
	return formatTimestamp(at)
}
