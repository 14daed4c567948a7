package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/adapters/audio"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/auth"
	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/usecase"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

const (
	// DefaultMaxConcurrent bounds in-flight audio-append and image requests.
	DefaultMaxConcurrent = 10
	audioFormField       = "audio_file"

	HeaderETag        = "ETag"
	HeaderIfNoneMatch = "If-None-Match"
)

// HistoryStore is the history service as seen by the HTTP facade.
type HistoryStore interface {
	ListConversations(ctx context.Context, userID string) ([]domain.Summary, error)
	GetConversation(ctx context.Context, userID, historyID string) ([]domain.Message, error)
	PutConversation(ctx context.Context, userID, historyID string, messages []domain.Message) error
	DeleteConversation(ctx context.Context, userID, historyID string) (bool, error)
	ClearAll(ctx context.Context, userID string) error
	ReplaceMessageAt(ctx context.Context, userID, historyID string, message domain.Message, index int) error
	ListFavorites(ctx context.Context, userID string) ([]string, error)
	AddFavorite(ctx context.Context, userID, historyID string) (bool, error)
	RemoveFavorite(ctx context.Context, userID, historyID string) (bool, error)
	ToggleFavorite(ctx context.Context, userID, historyID string) (bool, error)
}

// AudioAppender answers an uploaded voice message.
type AudioAppender interface {
	Append(ctx context.Context, userID, historyID string, upload domain.AudioUpload) (domain.ChatData, error)
}

type Options struct {
	History HistoryStore
	Images  domain.ImageGenerator
	Audio   AudioAppender
	Hasher  domain.Hasher
	// Auth may be nil or disabled, in which case every route is public.
	Auth          *auth.Authenticator
	MaxConcurrent int
}

type Handler struct {
	history       HistoryStore
	images        domain.ImageGenerator
	audio         AudioAppender
	hasher        domain.Hasher
	auth          *auth.Authenticator
	maxConcurrent int
}

func NewHandler(opts Options) *Handler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Handler{
		history:       opts.History,
		images:        opts.Images,
		audio:         opts.Audio,
		hasher:        opts.Hasher,
		auth:          opts.Auth,
		maxConcurrent: opts.MaxConcurrent,
	}
}

// Register mounts the REST routes and installs the JSON error handler.
func (h *Handler) Register(e *echo.Echo) {
	e.HTTPErrorHandler = h.ErrorHandler

	api := e.Group("/api")
	api.GET("/health", h.HealthCheck)
	api.POST("/auth/token", h.IssueToken)

	user := []echo.MiddlewareFunc{h.auth.Middleware, h.auth.UserParam}
	api.GET("/chat_history_list/:userId", h.ListConversations, user...)
	api.GET("/chat/:userId/:historyId", h.GetConversation, user...)
	api.PUT("/chat/:userId/:historyId", h.PutConversation, user...)
	api.DELETE("/chat/:userId/:historyId", h.DeleteConversation, user...)
	api.DELETE("/chat/:userId", h.ClearAll, user...)
	api.POST("/chat/:userId/:historyId/messages", h.ReplaceMessageAt, user...)

	api.GET("/favorites/:userId", h.ListFavorites, user...)
	api.PUT("/favorites/:userId/:historyId", h.AddFavorite, user...)
	api.DELETE("/favorites/:userId/:historyId", h.RemoveFavorite, user...)
	api.POST("/favorites/:userId/:historyId/toggle", h.ToggleFavorite, user...)

	limit := h.RateLimitMiddleware()
	api.POST("/image-generation", h.GenerateImage, h.auth.Middleware, limit)
	api.POST("/audio-chat-append/:userId/:historyId", h.AudioChatAppend, append(user, limit)...)
}

// RateLimitMiddleware rejects requests beyond maxConcurrent in flight.
func (h *Handler) RateLimitMiddleware() echo.MiddlewareFunc {
	semaphore := make(chan struct{}, h.maxConcurrent)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
				return next(c)
			default:
				return echo.NewHTTPError(http.StatusTooManyRequests, "Too many concurrent requests")
			}
		}
	}
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "persona-gateway",
	})
}

type tokenRequest struct {
	UserID string `json:"user_id"`
}

// IssueToken exchanges the configured API key pair for a bearer token bound to a user id.
func (h *Handler) IssueToken(c echo.Context) error {
	if !h.auth.Enabled() {
		return echo.NewHTTPError(http.StatusNotFound, "Authentication is disabled")
	}
	if !h.auth.CheckCredentials(c.Request().Header.Get("X-API-Key"), c.Request().Header.Get("X-API-Secret")) {
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid credentials")
	}

	var req tokenRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		return &apiError{status: http.StatusBadRequest, code: "invalid_request", message: "user_id is required"}
	}

	token, err := h.auth.Issue(req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"token": token,
		"type":  "Bearer",
	})
}

// respondJSON writes v with a content-hash ETag, answering 304 when the client's copy is
// current.
func (h *Handler) respondJSON(c echo.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if h.hasher != nil {
		etag := `"` + h.hasher.Hash(body) + `"`
		c.Response().Header().Set(HeaderETag, etag)
		if match := c.Request().Header.Get(HeaderIfNoneMatch); match != "" && match == etag {
			return c.NoContent(http.StatusNotModified)
		}
	}
	return c.JSONBlob(http.StatusOK, body)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ProviderStatus int    `json:"provider_status,omitempty"`
}

type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return e.code + ": " + e.message }

// ErrorHandler renders any error returned by a route or middleware as an ErrorBody.
func (h *Handler) ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := errorResponse(err)
	ctx := c.Request().Context()
	if status >= http.StatusInternalServerError {
		log.WithCtx(ctx).Error("❌ Request failed",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err))
	} else {
		log.WithCtx(ctx).Debug("Request rejected",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.String("code", body.Code))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		log.WithCtx(ctx).Debug("Writing error response", zap.Error(err))
	}
}

func errorResponse(err error) (int, ErrorBody) {
	var (
		apiErr    *apiError
		httpErr   *echo.HTTPError
		uploadErr *domain.UploadError
		perr      *domain.ProviderError
	)

	switch {
	case errors.As(err, &apiErr):
		return apiErr.status, ErrorBody{Code: apiErr.code, Message: apiErr.message}
	case errors.As(err, &httpErr):
		message := http.StatusText(httpErr.Code)
		if m, ok := httpErr.Message.(string); ok {
			message = m
		}
		return httpErr.Code, ErrorBody{Code: statusCode(httpErr.Code), Message: message}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Code: "not_found", Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidIndex):
		return http.StatusBadRequest, ErrorBody{Code: "invalid_index", Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidMessage):
		return http.StatusBadRequest, ErrorBody{Code: "invalid_message", Message: err.Error()}
	case errors.Is(err, domain.ErrStoreUnreadable):
		return http.StatusInternalServerError, ErrorBody{Code: "store_unreadable", Message: err.Error()}
	case errors.As(err, &uploadErr):
		return uploadStatus(uploadErr.Code), ErrorBody{Code: uploadErr.Code, Message: uploadErr.Message}
	case errors.As(err, &perr):
		return providerResponse(perr)
	default:
		return http.StatusInternalServerError, ErrorBody{Code: "internal_error", Message: "internal server error"}
	}
}

func uploadStatus(code string) int {
	switch code {
	case audio.CodeInvalidType:
		return http.StatusUnsupportedMediaType
	case audio.CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case audio.CodeTooLong, audio.CodeUnreadable, usecase.CodeNoSpeech:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func providerResponse(perr *domain.ProviderError) (int, ErrorBody) {
	body := ErrorBody{
		Code:           perr.Code,
		Message:        perr.Error(),
		ProviderStatus: perr.Status,
	}
	if body.Code == "" {
		body.Code = "provider_" + string(perr.Kind)
	}

	switch perr.Kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest, body
	case domain.KindTimeout:
		return http.StatusGatewayTimeout, body
	default:
		return http.StatusBadGateway, body
	}
}

// statusCode turns an HTTP status into a snake_case error code, e.g. 429 → too_many_requests.
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}
