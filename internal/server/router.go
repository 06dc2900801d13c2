package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/auth"
	"github.com/MarcoPoloResearchLab/rolodex/internal/contacts"
	"github.com/MarcoPoloResearchLab/rolodex/internal/messages"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "rolodex_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingContactsService  = errors.New("contacts service dependency required")
	errMissingMessagesService  = errors.New("messages service dependency required")
)

// SessionValidator authenticates a request and returns its session claims.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims onto the canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// RateLimiter grants or denies one request for a key.
type RateLimiter interface {
	Allow(key string) bool
}

// MetricsExporter exposes the Prometheus endpoint and the throttling counter.
type MetricsExporter interface {
	Handler() http.Handler
	RequestThrottled(route string)
}

type Dependencies struct {
	Sessions        SessionValidator
	Users           UserResolver
	ContactsService *contacts.Service
	MessagesService *messages.Service
	Realtime        *RealtimeDispatcher
	Limiter         RateLimiter
	Metrics         MetricsExporter
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.ContactsService == nil {
		return nil, errMissingContactsService
	}
	if deps.MessagesService == nil {
		return nil, errMissingMessagesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:        deps.Sessions,
		users:           deps.Users,
		contactsService: deps.ContactsService,
		messagesService: deps.MessagesService,
		realtime:        realtime,
		limiter:         deps.Limiter,
		metrics:         deps.Metrics,
		logger:          logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/events", handler.handleEventStream)
	protected.GET("/contacts/:id", handler.handleGetContact)
	protected.GET("/contacts/:id/notes", handler.handleListNotes)
	protected.POST("/contacts/:id/notes", handler.handleAddNote)
	protected.POST("/contacts/:id/touchpoints", handler.handleRecordTouchpoint)
	protected.GET("/messages/unmatched", handler.handleListUnmatched)

	ingestion := protected.Group("/")
	ingestion.Use(handler.throttle)
	ingestion.POST("/contacts/import", handler.handleImportProfile)
	ingestion.POST("/messages/sync", handler.handleMessagesSync)
	ingestion.POST("/messages/link", handler.handleLinkHandles)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions        SessionValidator
	users           UserResolver
	contactsService *contacts.Service
	messagesService *messages.Service
	realtime        *RealtimeDispatcher
	limiter         RateLimiter
	metrics         MetricsExporter
	logger          *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	rawUserID := claims.UserID
	if h.users != nil {
		canonical, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
		if err != nil {
			h.logger.Error("failed to resolve canonical user id", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		rawUserID = canonical
	}
	userID, err := contacts.NewUserID(rawUserID)
	if err != nil {
		h.logger.Warn("session carried an unusable user id", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) throttle(c *gin.Context) {
	if h.limiter == nil {
		c.Next()
		return
	}
	userID, _ := currentUserID(c)
	route := c.FullPath()
	if h.limiter.Allow(userID.String() + "|" + route) {
		c.Next()
		return
	}
	if h.metrics != nil {
		h.metrics.RequestThrottled(route)
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "code": "http.rate_limited"})
}

func currentUserID(c *gin.Context) (contacts.UserID, bool) {
	value, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	userID, ok := value.(contacts.UserID)
	return userID, ok && userID != ""
}

// requireUser returns the authenticated user or writes a 401.
func requireUser(c *gin.Context) (contacts.UserID, bool) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return userID, ok
}

// respondError maps a service error kind onto an HTTP status and writes {error, code}.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, label := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": label, "code": contacts.ErrorCode(err)})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, contacts.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, contacts.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, contacts.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, contacts.ErrUpstreamFetch):
		return http.StatusBadGateway, "upstream_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func parseContactID(c *gin.Context) (contacts.ContactID, bool) {
	contactID, err := contacts.NewContactID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "http.invalid_contact_id"})
		return "", false
	}
	return contactID, true
}
