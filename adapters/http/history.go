package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

type putConversationRequest struct {
	Messages []domain.Message `json:"messages"`
}

type replaceMessageRequest struct {
	Index   *int           `json:"index"`
	Message domain.Message `json:"message"`
}

// FavoriteResponse reports a history id's favorite membership after a mutation.
type FavoriteResponse struct {
	HistoryID string `json:"history_id"`
	Favorite  bool   `json:"favorite"`
	Changed   bool   `json:"changed"`
}

func invalidBody(message string) error {
	return &apiError{status: http.StatusBadRequest, code: "invalid_request", message: message}
}

// ListConversations returns the user's conversation summaries, newest first.
func (h *Handler) ListConversations(c echo.Context) error {
	userID := c.Param("userId")
	ctx := log.WithUser(c.Request().Context(), userID, "")

	summaries, err := h.history.ListConversations(ctx, userID)
	if err != nil {
		return err
	}
	return h.respondJSON(c, summaries)
}

func (h *Handler) GetConversation(c echo.Context) error {
	userID, historyID := c.Param("userId"), c.Param("historyId")
	ctx := log.WithUser(c.Request().Context(), userID, historyID)

	messages, err := h.history.GetConversation(ctx, userID, historyID)
	if err != nil {
		return err
	}
	return h.respondJSON(c, domain.ChatData{UserID: userID, HistoryID: historyID, Messages: messages})
}

// PutConversation replaces the whole conversation with the request's messages.
func (h *Handler) PutConversation(c echo.Context) error {
	userID, historyID := c.Param("userId"), c.Param("historyId")
	ctx := log.WithUser(c.Request().Context(), userID, historyID)

	var req putConversationRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody("body must be {\"messages\": [...]}")
	}
	for _, m := range req.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
	}

	if err := h.history.PutConversation(ctx, userID, historyID, req.Messages); err != nil {
		return err
	}
	if req.Messages == nil {
		req.Messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, domain.ChatData{UserID: userID, HistoryID: historyID, Messages: req.Messages})
}

func (h *Handler) DeleteConversation(c echo.Context) error {
	userID, historyID := c.Param("userId"), c.Param("historyId")
	ctx := log.WithUser(c.Request().Context(), userID, historyID)

	existed, err := h.history.DeleteConversation(ctx, userID, historyID)
	if err != nil {
		return err
	}
	if !existed {
		return domain.ErrNotFound
	}
	return c.NoContent(http.StatusNoContent)
}

// ClearAll deletes every conversation of the user. Favorites are kept.
func (h *Handler) ClearAll(c echo.Context) error {
	userID := c.Param("userId")
	ctx := log.WithUser(c.Request().Context(), userID, "")

	if err := h.history.ClearAll(ctx, userID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ReplaceMessageAt overwrites the message at index, or appends it when index is -1 or past
// the end, and returns the resulting conversation.
func (h *Handler) ReplaceMessageAt(c echo.Context) error {
	userID, historyID := c.Param("userId"), c.Param("historyId")
	ctx := log.WithUser(c.Request().Context(), userID, historyID)

	var req replaceMessageRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody("body must be {\"index\": n, \"message\": {...}}")
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	if err := req.Message.Validate(); err != nil {
		return err
	}

	if err := h.history.ReplaceMessageAt(ctx, userID, historyID, req.Message, index); err != nil {
		return err
	}
	messages, err := h.history.GetConversation(ctx, userID, historyID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, domain.ChatData{UserID: userID, HistoryID: historyID, Messages: messages})
}

func (h *Handler) ListFavorites(c echo.Context) error {
	userID := c.Param("userId")
	ctx := log.WithUser(c.Request().Context(), userID, "")

	favorites, err := h.history.ListFavorites(ctx, userID)
	if err != nil {
		return err
	}
	if favorites == nil {
		favorites = []string{}
	}
	return h.respondJSON(c, map[string][]string{"favorites": favorites})
}

func (h *Handler) AddFavorite(c echo.Context) error {
	userID, historyID := c.Param("userId"), c.Param("historyId")
	ctx := log.WithUser(c.Request().Context(), userID, historyID)

	added, err := h.history.AddFavorite(ctx, userID, historyID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, FavoriteResponse{HistoryID: historyID, Favorite: true, Changed: added})
}

func (h *Handler) RemoveFavorite(c echo.Context) error {
	userID, historyID := c.Param("userId"), c.Param("historyId")
	ctx := log.WithUser(c.Request().Context(), userID, historyID)

	removed, err := h.history.RemoveFavorite(ctx, userID, historyID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, FavoriteResponse{HistoryID: historyID, Favorite: false, Changed: removed})
}

func (h *Handler) ToggleFavorite(c echo.Context) error {
	userID, historyID := c.Param("userId"), c.Param("historyId")
	ctx := log.WithUser(c.Request().Context(), userID, historyID)

	favorite, err := h.history.ToggleFavorite(ctx, userID, historyID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, FavoriteResponse{HistoryID: historyID, Favorite: favorite, Changed: true})
}
