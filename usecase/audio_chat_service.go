package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

// CodeNoSpeech is reported when an accepted upload transcribes to nothing.
const CodeNoSpeech = "no_speech"

// ConversationReader loads a stored conversation.
type ConversationReader interface {
	GetConversation(ctx context.Context, userID, historyID string) ([]domain.Message, error)
}

// AudioChatService turns an uploaded voice message into a user turn and answers it.
type AudioChatService struct {
	gatekeeper  domain.AudioGatekeeper
	transcriber domain.Transcriber
	history     ConversationReader
	chat        *ChatService
}

func NewAudioChatService(gatekeeper domain.AudioGatekeeper, transcriber domain.Transcriber, history ConversationReader, chat *ChatService) *AudioChatService {
	return &AudioChatService{
		gatekeeper:  gatekeeper,
		transcriber: transcriber,
		history:     history,
		chat:        chat,
	}
}

// Append stores and transcribes the upload, appends it to the conversation as a user
// message naming the stored file, and completes the turn. The returned conversation is
// the committed one; an error wrapping domain.ErrSpeechUnavailable accompanies a
// committed text-only answer.
func (s *AudioChatService) Append(ctx context.Context, userID, historyID string, upload domain.AudioUpload) (domain.ChatData, error) {
	ctx = log.WithUser(ctx, userID, historyID)

	stored, err := s.gatekeeper.Accept(ctx, userID, historyID, upload)
	if err != nil {
		return domain.ChatData{}, err
	}

	text, err := s.transcriber.Transcribe(ctx, stored.Path)
	if err == nil && text == "" {
		err = &domain.UploadError{Code: CodeNoSpeech, Message: "no speech recognized in audio"}
	}
	if err != nil {
		s.discard(ctx, stored)
		return domain.ChatData{}, err
	}

	messages, err := s.history.GetConversation(ctx, userID, historyID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.discard(ctx, stored)
		return domain.ChatData{}, fmt.Errorf("loading conversation: %w", err)
	}

	messages = append(messages, domain.Message{
		Text:      text,
		IsUser:    true,
		Timestamp: domain.NextTimestamp(messages),
		AudioFile: stored.Name,
	})

	result, err := s.chat.Complete(ctx, domain.ChatData{
		UserID:    userID,
		HistoryID: historyID,
		Messages:  messages,
	})
	if err != nil && !IsNonFatal(err) {
		// nothing committed references the upload
		s.discard(ctx, stored)
	}
	return result, err
}

func (s *AudioChatService) discard(ctx context.Context, stored *domain.StoredAudio) {
	if err := s.gatekeeper.Discard(ctx, stored); err != nil {
		log.WithCtx(ctx).Warn("Failed to discard upload", zap.Error(err))
	}
}
