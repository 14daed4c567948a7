package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

type fakeProvider struct {
	chunks []domain.StreamChunk
	// gap is waited before each chunk.
	gap     time.Duration
	openErr error

	mu        sync.Mutex
	req       domain.ChatRequest
	ctx       context.Context
	sawCancel bool
}

func (p *fakeProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	p.mu.Lock()
	p.req = req
	p.ctx = ctx
	p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		for _, c := range p.chunks {
			time.Sleep(p.gap)
			if ctx.Err() != nil {
				p.mu.Lock()
				p.sawCancel = true
				p.mu.Unlock()
			}
			out <- c
		}
	}()
	return out, nil
}

func textChunks(texts ...string) []domain.StreamChunk {
	var chunks []domain.StreamChunk
	for _, t := range texts {
		chunks = append(chunks, domain.StreamChunk{Text: t})
	}
	return append(chunks, domain.StreamChunk{Done: true})
}

type fakeSpeech struct {
	err   error
	calls []string
}

func (s *fakeSpeech) Synthesize(_ context.Context, text string) (*domain.Payload, error) {
	s.calls = append(s.calls, text)
	if s.err != nil {
		return nil, s.err
	}
	return domain.NewPayload("audio/mp3", []byte("ID3"+text)), nil
}

type recordingPublisher struct {
	snapshots []domain.ChatData
	// failFrom makes every publish starting at this index fail; 0 disables.
	failFrom int
	attempts int
	closed   bool
}

func (p *recordingPublisher) Publish(_ context.Context, data domain.ChatData) error {
	p.attempts++
	if p.failFrom > 0 && p.attempts >= p.failFrom {
		return errors.New("connection closed")
	}
	p.snapshots = append(p.snapshots, data)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

func userTurn() domain.ChatData {
	return domain.ChatData{
		UserID:    "alice",
		HistoryID: "h1",
		Messages:  []domain.Message{{Text: "hi", IsUser: true, Timestamp: "1000"}},
	}
}

func TestChatService_RunCommitsAnswerWithAudio(t *testing.T) {
	history, _ := newHistoryService(t)
	provider := &fakeProvider{chunks: textChunks("He", "llo")}
	speech := &fakeSpeech{}
	svc := NewChatService(provider, speech, history)
	pub := &recordingPublisher{}

	result, err := svc.Run(context.Background(), userTurn(), pub)
	require.NoError(t, err)

	stored, err := history.GetConversation(context.Background(), "alice", "h1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, domain.Message{Text: "hi", IsUser: true, Timestamp: "1000"}, stored[0])
	assert.False(t, stored[1].IsUser)
	assert.Equal(t, "Hello", stored[1].Text)
	require.False(t, stored[1].Audio.Empty())
	assert.Equal(t, "audio/mp3", stored[1].Audio.Type())
	assert.Greater(t, parseTimestamp(stored[1].Timestamp), int64(1000))
	assert.Equal(t, stored, result.Messages)

	assert.Equal(t, []string{"Hello"}, speech.calls)
	assert.Equal(t, []domain.Message{{Text: "hi", IsUser: true, Timestamp: "1000"}}, provider.req.Messages)

	// one snapshot per delta plus the final one carrying audio
	require.Len(t, pub.snapshots, 3)
	assert.Equal(t, "He", pub.snapshots[0].Messages[1].Text)
	assert.Equal(t, "Hello", pub.snapshots[1].Messages[1].Text)
	assert.True(t, pub.snapshots[1].Messages[1].Audio.Empty())
	assert.False(t, pub.snapshots[2].Messages[1].Audio.Empty())
	assert.True(t, pub.closed)
}

func TestChatService_RunSpeechFailureCommitsText(t *testing.T) {
	history, _ := newHistoryService(t)
	svc := NewChatService(&fakeProvider{chunks: textChunks("Hello")}, &fakeSpeech{err: errors.New("quota")}, history)

	result, err := svc.Run(context.Background(), userTurn(), &recordingPublisher{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSpeechUnavailable)
	assert.True(t, IsNonFatal(err))

	stored, getErr := history.GetConversation(context.Background(), "alice", "h1")
	require.NoError(t, getErr)
	require.Len(t, stored, 2)
	assert.Equal(t, "Hello", stored[1].Text)
	assert.Nil(t, stored[1].Audio)
	assert.Equal(t, stored, result.Messages)
}

func TestChatService_RunProviderErrorCommitsNothing(t *testing.T) {
	providerErr := &domain.ProviderError{Op: "chat", Kind: domain.KindUpstream, Status: 500}

	tests := []struct {
		name     string
		provider *fakeProvider
	}{
		{"open fails", &fakeProvider{openErr: providerErr}},
		{"stream fails", &fakeProvider{chunks: []domain.StreamChunk{{Text: "He"}, {Err: providerErr, Done: true}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history, _ := newHistoryService(t)
			speech := &fakeSpeech{}
			pub := &recordingPublisher{}
			svc := NewChatService(tt.provider, speech, history)

			_, err := svc.Run(context.Background(), userTurn(), pub)
			assert.ErrorIs(t, err, providerErr)

			_, err = history.GetConversation(context.Background(), "alice", "h1")
			assert.ErrorIs(t, err, domain.ErrNotFound)
			assert.Empty(t, speech.calls)
			assert.False(t, pub.closed)
		})
	}
}

func TestChatService_RunClientDisconnectStillCommits(t *testing.T) {
	history, _ := newHistoryService(t)
	provider := &fakeProvider{chunks: textChunks("He", "llo", " there")}
	svc := NewChatService(provider, &fakeSpeech{}, history)
	pub := &recordingPublisher{failFrom: 2}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancel()

	_, err := svc.Run(ctx, userTurn(), pub)
	require.NoError(t, err)

	// no send is attempted after the first failure
	assert.Equal(t, 2, pub.attempts)
	require.Len(t, pub.snapshots, 1)

	stored, err := history.GetConversation(context.Background(), "alice", "h1")
	require.NoError(t, err)
	assert.Equal(t, "Hello there", stored[1].Text)
	assert.False(t, stored[1].Audio.Empty())

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.False(t, provider.sawCancel, "provider context followed the client's")
}

func TestChatService_RunChunkTimeoutAborts(t *testing.T) {
	history, _ := newHistoryService(t)
	provider := &fakeProvider{chunks: textChunks("slow"), gap: 200 * time.Millisecond}
	svc := NewChatService(provider, &fakeSpeech{}, history, WithChunkTimeout(20*time.Millisecond))

	_, err := svc.Run(context.Background(), userTurn(), nil)

	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, domain.KindTimeout, perr.Kind)

	_, err = history.GetConversation(context.Background(), "alice", "h1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChatService_RunEmptyAnswerAborts(t *testing.T) {
	history, _ := newHistoryService(t)
	speech := &fakeSpeech{}
	svc := NewChatService(&fakeProvider{chunks: textChunks()}, speech, history)

	_, err := svc.Complete(context.Background(), userTurn())

	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, domain.KindUpstream, perr.Kind)
	assert.Equal(t, CodeEmptyResponse, perr.Code)
	assert.Empty(t, speech.calls)

	_, err = history.GetConversation(context.Background(), "alice", "h1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChatService_RunFollowUpAfterEmptyAnswer(t *testing.T) {
	history, _ := newHistoryService(t)
	ctx := context.Background()
	require.NoError(t, history.PutConversation(ctx, "alice", "h1", userTurn().Messages))

	_, err := NewChatService(&fakeProvider{chunks: textChunks()}, nil, history).Complete(ctx, userTurn())
	require.Error(t, err)

	stored, err := history.GetConversation(ctx, "alice", "h1")
	require.NoError(t, err)
	for _, m := range stored {
		require.NoError(t, m.Validate())
	}

	next := userTurn()
	next.Messages = append(stored, domain.Message{Text: "are you there?", IsUser: true, Timestamp: domain.NextTimestamp(stored)})
	result, err := NewChatService(&fakeProvider{chunks: textChunks("Yes.")}, nil, history).Complete(ctx, next)
	require.NoError(t, err)
	require.Len(t, result.Messages, 3)
	assert.Equal(t, "Yes.", result.Messages[2].Text)
}

func TestChatService_RunRejectsInvalidInput(t *testing.T) {
	history, _ := newHistoryService(t)
	provider := &fakeProvider{chunks: textChunks("x")}
	svc := NewChatService(provider, nil, history)

	data := userTurn()
	data.Messages[0].Text = ""
	_, err := svc.Run(context.Background(), data, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Nil(t, provider.ctx)
}

func TestChatService_RunReplacesPriorContent(t *testing.T) {
	history, _ := newHistoryService(t)
	ctx := context.Background()
	require.NoError(t, history.PutConversation(ctx, "alice", "h1", []domain.Message{
		{Text: "old", IsUser: true, Timestamp: "1"},
		{Text: "stale", Timestamp: "2"},
		{Text: "gone", IsUser: true, Timestamp: "3"},
	}))

	svc := NewChatService(&fakeProvider{chunks: textChunks("Hello")}, nil, history)
	_, err := svc.Complete(ctx, userTurn())
	require.NoError(t, err)

	stored, err := history.GetConversation(ctx, "alice", "h1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "hi", stored[0].Text)
	assert.Nil(t, stored[1].Audio)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "awaiting_input", AwaitingInput.String())
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "finalizing", Finalizing.String())
	assert.Equal(t, "committed", Committed.String())
	assert.Equal(t, "aborted", Aborted.String())
}
