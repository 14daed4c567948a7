package websocket

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/usecase"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

// chatPublisher ends the turn with a graceful close so queued snapshots reach the peer.
type chatPublisher struct {
	*Client
}

func (p chatPublisher) Close() error {
	return p.Shutdown(websocket.CloseNormalClosure, "")
}

// ChatHandler serves "/ws/chat/": the client sends one ChatData frame, receives a snapshot
// per streamed delta and a final snapshot, then a close frame.
func (s *Server) ChatHandler(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx := log.WithSession(c.Request().Context(), uuid.NewString())
	client := NewClient(ctx, conn, "")
	client.Run()
	defer client.Close()

	raw, err := client.ReadFrame(pongWait)
	if err != nil {
		log.WithCtx(ctx).Info("No chat turn received", zap.Error(err))
		return nil
	}

	var data domain.ChatData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.fail(ctx, client, "invalid_payload", "chat payload is not valid JSON")
		return nil
	}
	if err := data.Validate(); err != nil {
		s.fail(ctx, client, "invalid_payload", err.Error())
		return nil
	}
	if err := s.auth.Authorize(c, data.UserID); err != nil {
		s.fail(ctx, client, "forbidden", err.Error())
		return nil
	}

	_, err = s.chat.Run(client.Context(), data, chatPublisher{client})
	switch {
	case err == nil:
	case usecase.IsNonFatal(err):
		log.WithCtx(ctx).Warn("Chat turn committed with degraded output", zap.Error(err))
	default:
		code, message := errorFrame(err)
		s.fail(ctx, client, code, message)
	}
	return nil
}

// fail sends an error frame then closes the connection with an internal error status.
func (s *Server) fail(ctx context.Context, client *Client, code, message string) {
	if err := client.SendJSON(Frame{Type: FrameError, Code: code, Message: message}); err != nil {
		log.WithCtx(ctx).Debug("Error frame not delivered", zap.String("code", code), zap.Error(err))
		return
	}
	closeCode := websocket.CloseInternalServerErr
	if code == "invalid_payload" || code == "forbidden" {
		closeCode = websocket.ClosePolicyViolation
	}
	if err := client.Shutdown(closeCode, code); err != nil {
		log.WithCtx(ctx).Debug("Closing websocket", zap.Error(err))
	}
}

func errorFrame(err error) (string, string) {
	var perr *domain.ProviderError
	switch {
	case errors.As(err, &perr):
		if perr.Kind == domain.KindTimeout {
			return "provider_timeout", perr.Error()
		}
		return "provider_error", perr.Error()
	case errors.Is(err, domain.ErrStoreUnreadable):
		return "store_unreadable", err.Error()
	case errors.Is(err, domain.ErrInvalidMessage):
		return "invalid_payload", err.Error()
	default:
		return "internal_error", err.Error()
	}
}

// EventsHandler serves "/ws/events/:userId", a feed of that user's history changes.
func (s *Server) EventsHandler(c echo.Context) error {
	userID := c.Param("userId")
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx := log.WithUser(log.WithSession(c.Request().Context(), uuid.NewString()), userID, "")
	client := NewClient(ctx, conn, userID)
	s.hub.Register(client)
	client.Run()
	defer s.hub.Unregister(client)

	<-client.Context().Done()
	return nil
}
