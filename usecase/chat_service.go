package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

const DefaultChunkTimeout = 60 * time.Second

// CodeEmptyResponse is reported when a provider stream ends without any text.
const CodeEmptyResponse = "empty_response"

// SessionState is the phase of one chat turn.
type SessionState int

const (
	AwaitingInput SessionState = iota
	Streaming
	Finalizing
	Committed
	Aborted
)

func (s SessionState) String() string {
	switch s {
	case AwaitingInput:
		return "awaiting_input"
	case Streaming:
		return "streaming"
	case Finalizing:
		return "finalizing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Publisher receives conversation snapshots while a turn streams.
type Publisher interface {
	Publish(ctx context.Context, data domain.ChatData) error
	// Close flushes pending snapshots and ends the channel.
	Close() error
}

// ConversationStore persists a finished turn.
type ConversationStore interface {
	PutConversation(ctx context.Context, userID, historyID string, messages []domain.Message) error
}

type ChatService struct {
	provider     domain.ChatProvider
	speech       domain.SpeechSynthesizer
	history      ConversationStore
	chunkTimeout time.Duration
}

type ChatServiceOption func(*ChatService)

// WithChunkTimeout bounds the wait for each provider chunk.
func WithChunkTimeout(d time.Duration) ChatServiceOption {
	return func(s *ChatService) {
		if d > 0 {
			s.chunkTimeout = d
		}
	}
}

// NewChatService wires the orchestrator. speech may be nil, in which case answers are
// committed without audio.
func NewChatService(provider domain.ChatProvider, speech domain.SpeechSynthesizer, history ConversationStore, opts ...ChatServiceOption) *ChatService {
	s := &ChatService{
		provider:     provider,
		speech:       speech,
		history:      history,
		chunkTimeout: DefaultChunkTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type session struct {
	state      SessionState
	pub        Publisher
	clientGone bool
}

func (ss *session) transition(ctx context.Context, next SessionState) {
	log.WithCtx(ctx).Debug("Session state changed",
		zap.Stringer("from", ss.state),
		zap.Stringer("to", next),
	)
	ss.state = next
}

// publish sends a copy of the snapshot. After the first failure the client is treated as
// gone and nothing more is sent.
func (ss *session) publish(ctx context.Context, snapshot domain.ChatData) {
	if ss.pub == nil || ss.clientGone {
		return
	}
	if err := ss.pub.Publish(ctx, snapshot.Clone()); err != nil {
		ss.clientGone = true
		log.WithCtx(ctx).Info("Client unavailable, continuing without it", zap.Error(err))
	}
}

// Run executes one turn: stream the answer into a placeholder assistant message, publish
// each snapshot, synthesize speech for the full answer and commit the conversation.
//
// The provider call is detached from ctx so a client disconnect does not stop the turn.
// On a provider failure nothing is committed and the publisher is left open for the
// caller to report the error. When speech synthesis fails the text-only answer is
// committed and the returned error wraps domain.ErrSpeechUnavailable.
func (s *ChatService) Run(ctx context.Context, data domain.ChatData, pub Publisher) (domain.ChatData, error) {
	ctx = log.WithUser(ctx, data.UserID, data.HistoryID)
	ss := &session{state: AwaitingInput, pub: pub}

	if err := data.Validate(); err != nil {
		return data, err
	}
	snapshot := data.Clone()

	providerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	ss.transition(ctx, Streaming)
	stream, err := s.provider.Stream(providerCtx, domain.ChatRequest{
		Messages:     snapshot.Messages,
		SystemPrompt: snapshot.SystemPrompt,
	})
	if err != nil {
		ss.transition(ctx, Aborted)
		return data, err
	}

	snapshot.Messages = append(snapshot.Messages, domain.Message{
		Text:      "",
		IsUser:    false,
		Timestamp: domain.NextTimestamp(snapshot.Messages),
	})
	answer := &snapshot.Messages[len(snapshot.Messages)-1]

	text, err := s.drain(ctx, ss, stream, &snapshot, answer)
	if err != nil {
		cancel()
		ss.transition(ctx, Aborted)
		log.WithCtx(ctx).Warn("Chat turn aborted", zap.Error(err))
		return data, err
	}
	if text == "" {
		// an empty assistant turn would fail validation when the history is sent back
		ss.transition(ctx, Aborted)
		log.WithCtx(ctx).Warn("Chat turn aborted, provider returned no text")
		return data, &domain.ProviderError{
			Op:      "chat",
			Kind:    domain.KindUpstream,
			Code:    CodeEmptyResponse,
			Message: "provider returned no text",
		}
	}

	ss.transition(ctx, Finalizing)
	var speechErr error
	if text != "" && s.speech != nil {
		payload, err := s.speech.Synthesize(providerCtx, text)
		if err != nil {
			speechErr = fmt.Errorf("%w: %w", domain.ErrSpeechUnavailable, err)
			log.WithCtx(ctx).Warn("Speech synthesis failed, committing text only", zap.Error(err))
		} else {
			answer.Audio = payload
		}
	}
	ss.publish(ctx, snapshot)

	if pub != nil {
		if err := pub.Close(); err != nil {
			log.WithCtx(ctx).Debug("Closing client", zap.Error(err))
		}
	}

	if err := s.history.PutConversation(providerCtx, snapshot.UserID, snapshot.HistoryID, snapshot.Messages); err != nil {
		ss.transition(ctx, Aborted)
		return snapshot, fmt.Errorf("committing conversation: %w", err)
	}
	ss.transition(ctx, Committed)
	log.WithCtx(ctx).Info("💾 Chat turn committed",
		zap.Int("message_count", len(snapshot.Messages)),
		zap.Int("answer_length", len(text)),
		zap.Bool("audio", !answer.Audio.Empty()),
		zap.Bool("client_gone", ss.clientGone),
	)
	return snapshot, speechErr
}

// Complete runs a turn without a client and returns the committed conversation.
func (s *ChatService) Complete(ctx context.Context, data domain.ChatData) (domain.ChatData, error) {
	return s.Run(ctx, data, nil)
}

// drain consumes the provider stream until it ends, fails or stalls past the chunk timeout.
func (s *ChatService) drain(ctx context.Context, ss *session, stream <-chan domain.StreamChunk, snapshot *domain.ChatData, answer *domain.Message) (string, error) {
	var sb strings.Builder
	timer := time.NewTimer(s.chunkTimeout)
	defer timer.Stop()

	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return sb.String(), nil
			}
			if chunk.Err != nil {
				go discard(stream)
				return "", chunk.Err
			}
			if chunk.Text != "" {
				sb.WriteString(chunk.Text)
				answer.Text = sb.String()
				ss.publish(ctx, *snapshot)
			}
			if chunk.Done {
				go discard(stream)
				return sb.String(), nil
			}
			timer.Reset(s.chunkTimeout)
		case <-timer.C:
			go discard(stream)
			return "", &domain.ProviderError{
				Op:      "chat",
				Kind:    domain.KindTimeout,
				Message: fmt.Sprintf("no chunk within %s", s.chunkTimeout),
				Err:     context.DeadlineExceeded,
			}
		}
	}
}

// discard unblocks a provider goroutine that is still sending.
func discard(stream <-chan domain.StreamChunk) {
	for range stream {
	}
}

// IsNonFatal reports whether err still left the turn committed.
func IsNonFatal(err error) bool {
	return errors.Is(err, domain.ErrSpeechUnavailable)
}
