package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/adapters/auth"
	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/usecase"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

// ChatRunner executes one streamed turn.
type ChatRunner interface {
	Run(ctx context.Context, data domain.ChatData, pub usecase.Publisher) (domain.ChatData, error)
}

type Server struct {
	upgrader      websocket.Upgrader
	chat          ChatRunner
	messageBroker domain.MessageBroker
	auth          *auth.Authenticator
	hub           *Hub
}

// NewServer builds the websocket facade. authenticator may be nil when tokens are not used.
func NewServer(chat ChatRunner, messageBroker domain.MessageBroker, authenticator *auth.Authenticator) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		chat:          chat,
		messageBroker: messageBroker,
		auth:          authenticator,
		hub:           NewHub(),
	}
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Start subscribes to history events and relays them to the owning user's event clients
// until ctx ends or the broker closes.
func (s *Server) Start(ctx context.Context) error {
	if s.messageBroker == nil {
		return nil
	}
	messages, err := s.messageBroker.Subscribe(ctx, domain.HistoryTopic, "")
	if err != nil {
		return err
	}

	log.WithCtx(ctx).Info("🎧 WebSocket server listening to history events")
	go s.relayHistoryEvents(ctx, messages)
	return nil
}

func (s *Server) relayHistoryEvents(ctx context.Context, messages <-chan domain.BrokerMessage) {
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				log.WithCtx(ctx).Info("🔒 History event feed closed")
				return
			}

			var event domain.HistoryEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.WithCtx(ctx).Error("❌ Failed to unmarshal history event", zap.Error(err))
				continue
			}

			payload, err := json.Marshal(Frame{Type: FrameEvent, Data: event})
			if err != nil {
				log.WithCtx(ctx).Error("❌ Failed to marshal history event frame", zap.Error(err))
				continue
			}

			if err := s.hub.SendToUser(event.UserID, payload); err != nil {
				log.WithCtx(ctx).Debug("History event not delivered",
					zap.String("type", event.Type),
					zap.String("user_id", event.UserID),
					zap.Error(err))
			}

		case <-ctx.Done():
			log.WithCtx(ctx).Info("🔒 History event relay stopped")
			return
		}
	}
}
