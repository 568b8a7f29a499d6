package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
	"github.com/jonmumm/escuchame2/internal/auth"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/metrics"
	"github.com/jonmumm/escuchame2/internal/websocket"
	"github.com/jonmumm/escuchame2/usecase"
)

const (
	userIDKey = "userID"

	// An append event carries at most one chunk plus its envelope.
	maxEventBody = 64 * 1024
)

// ConversationService is the conversation use case as the HTTP layer sees it.
type ConversationService interface {
	Create(ctx context.Context, ownerID string, in usecase.CreateInput) (conversation.View, error)
	View(ctx context.Context, userID, id string) (conversation.View, error)
	Dispatch(ctx context.Context, userID, id string, ev conversation.Event) (conversation.Result, conversation.View, error)
	Share(ctx context.Context, ownerID, id, userID string) (conversation.View, error)
	List(ctx context.Context, userID string) ([]usecase.Summary, error)
	Audio(ctx context.Context, userID, id, audioID string) ([]byte, string, error)
	Suggestions() []entities.Suggestion
}

// Dependencies are the collaborators of the HTTP layer.
type Dependencies struct {
	Conversations ConversationService
	Hub           *websocket.Hub
	Tokens        *auth.TokenManager
	TokenTTL      time.Duration

	// Optional. Gatherer is served on /metrics.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	h := &handlers{deps: deps, validator: websocket.NewMessageValidator(), logger: logger}

	if deps.Metrics != nil {
		e.Use(requestMetrics(deps.Metrics))
	}
	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "escuchame-server",
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.POST("/auth/token", h.issueToken)
	v1.GET("/languages", h.languages)
	v1.GET("/suggestions", h.suggestions)

	conv := v1.Group("/conversations", h.requireUser)
	conv.GET("", h.listConversations)
	conv.POST("", h.createConversation)
	conv.GET("/:id", h.getConversation)
	conv.POST("/:id/events", h.postEvent)
	conv.POST("/:id/users", h.shareConversation)
	conv.GET("/:id/audio/:audioId", h.getAudio)

	// WebSocket endpoint with JWT validation
	e.GET("/ws/conversations/:id", h.serveWebSocket, h.requireUser)
}

type handlers struct {
	deps      Dependencies
	validator *websocket.MessageValidator
	logger    *zap.Logger
}

// requireUser validates the bearer token, or the token query parameter that
// browsers use on websocket upgrades.
func (h *handlers) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var token string
		authHeader := c.Request().Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			token = c.QueryParam("token")
		}

		if token == "" {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_token",
				Message: "JWT token is required in the Authorization header",
			})
		}

		claims, err := h.deps.Tokens.ValidateToken(token)
		if err != nil {
			h.logger.Warn("Request rejected: invalid token", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "Invalid or expired JWT token",
			})
		}

		c.Set(userIDKey, claims.UserID)
		return next(c)
	}
}

// requestMetrics records every request under its route pattern.
func requestMetrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			endpoint := c.Path()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			m.RecordHTTPRequest(c.Request().Method, endpoint, c.Response().Status, time.Since(start))
			return nil
		}
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

func (h *handlers) issueToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	token, id, err := h.deps.Tokens.GenerateGuestToken(req.Name)
	if err != nil {
		h.logger.Error("Failed to generate user token", zap.String("user_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	ttl := h.deps.TokenTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	h.logger.Info("Guest token issued", zap.String("user_id", id))
	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(ttl),
		UserID:    id,
	})
}

func (h *handlers) languages(c echo.Context) error {
	return c.JSON(http.StatusOK, entities.Languages())
}

func (h *handlers) suggestions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Conversations.Suggestions())
}

func (h *handlers) listConversations(c echo.Context) error {
	list, err := h.deps.Conversations.List(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *handlers) createConversation(c echo.Context) error {
	var in usecase.CreateInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	view, err := h.deps.Conversations.Create(c.Request().Context(), userID(c), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *handlers) getConversation(c echo.Context) error {
	view, err := h.deps.Conversations.View(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// postEvent is the HTTP fallback for clients without a websocket. The body
// is a websocket event message or a bare event.
func (h *handlers) postEvent(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	var probe struct {
		Type websocket.MessageType `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if probe.Type != websocket.MessageTypeEvent {
		var bare conversation.Event
		if err := json.Unmarshal(body, &bare); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "Invalid request format",
			})
		}
		body, _ = json.Marshal(websocket.CreateEventMessage("", bare))
	}

	parsed, err := h.validator.ValidateMessage(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   websocket.CodeInvalidMessage,
			Message: err.Error(),
		})
	}
	ev := parsed.(*websocket.EventMessage).Event

	res, view, err := h.deps.Conversations.Dispatch(c.Request().Context(), userID(c), c.Param("id"), ev)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, EventResponse{Result: res, View: view})
}

func (h *handlers) shareConversation(c echo.Context) error {
	var req ShareRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "user_id is required",
		})
	}
	view, err := h.deps.Conversations.Share(c.Request().Context(), userID(c), c.Param("id"), req.UserID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) getAudio(c echo.Context) error {
	data, mime, err := h.deps.Conversations.Audio(c.Request().Context(), userID(c), c.Param("id"), c.Param("audioId"))
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set("Cache-Control", "private, max-age=86400")
	return c.Blob(http.StatusOK, mime, data)
}

func (h *handlers) serveWebSocket(c echo.Context) error {
	id := userID(c)
	if err := websocket.HandleWebSocketWithAuth(h.deps.Hub, c, id, c.Param("id"), h.logger); err != nil {
		return h.fail(c, err)
	}
	h.logger.Info("WebSocket connection authenticated",
		zap.String("user_id", id),
		zap.String("conversation_id", c.Param("id")))
	return nil
}

// fail maps domain errors onto HTTP responses.
func (h *handlers) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, usecase.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_input", Message: err.Error()})
	case errors.Is(err, conversation.ErrForbidden):
		return c.JSON(http.StatusForbidden, ErrorResponse{Error: "forbidden", Message: err.Error()})
	case errors.Is(err, repositories.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, conversation.ErrNoActiveSession):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "no_active_session", Message: err.Error()})
	default:
		h.logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Internal server error"})
	}
}
