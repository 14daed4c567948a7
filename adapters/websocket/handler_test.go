package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/cocoa-fruit/persona/adapters/auth"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/message_broker"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/storage"
	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/usecase"
)

type scriptedProvider struct {
	texts   []string
	openErr error
}

func (p scriptedProvider) Stream(_ context.Context, _ domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	out := make(chan domain.StreamChunk, len(p.texts)+1)
	for _, t := range p.texts {
		out <- domain.StreamChunk{Text: t}
	}
	out <- domain.StreamChunk{Done: true}
	close(out)
	return out, nil
}

type fixture struct {
	server  *Server
	history *usecase.HistoryService
	url     string
}

func newFixture(t *testing.T, provider domain.ChatProvider, authenticator *auth.Authenticator) *fixture {
	t.Helper()

	backend, err := storage.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	broker := message_broker.NewChannelMessageBroker()
	t.Cleanup(func() { broker.Close() })

	history := usecase.NewHistoryService(backend, broker)
	server := NewServer(usecase.NewChatService(provider, nil, history), broker, authenticator)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, server.Start(ctx))

	e := echo.New()
	ws := e.Group("/ws", authenticator.Middleware)
	ws.GET("/chat/", server.ChatHandler)
	ws.GET("/events/:userId", server.EventsHandler, authenticator.UserParam)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &fixture{server: server, history: history, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *fixture) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url+path, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilClose collects frames until the server closes the connection.
func readUntilClose(t *testing.T, conn *websocket.Conn) ([]Frame, int) {
	t.Helper()
	var frames []Frame
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "unexpected read error: %v", err)
			return frames, closeErr.Code
		}
		var frame Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		frames = append(frames, frame)
	}
}

func snapshotText(t *testing.T, frame Frame) []domain.Message {
	t.Helper()
	raw, err := json.Marshal(frame.Data)
	require.NoError(t, err)
	var data domain.ChatData
	require.NoError(t, json.Unmarshal(raw, &data))
	return data.Messages
}

func turn(userID string) domain.ChatData {
	return domain.ChatData{
		UserID:    userID,
		HistoryID: "h1",
		Messages:  []domain.Message{{Text: "hi", IsUser: true, Timestamp: "1000"}},
	}
}

func TestChatHandler_StreamsSnapshotsAndCommits(t *testing.T) {
	f := newFixture(t, scriptedProvider{texts: []string{"He", "llo"}}, nil)
	conn := f.dial(t, "/ws/chat/", nil)

	require.NoError(t, conn.WriteJSON(turn("alice")))
	frames, code := readUntilClose(t, conn)

	assert.Equal(t, websocket.CloseNormalClosure, code)
	require.Len(t, frames, 3)
	for _, frame := range frames {
		assert.Equal(t, FrameSnapshot, frame.Type)
	}
	assert.Equal(t, "He", snapshotText(t, frames[0])[1].Text)
	final := snapshotText(t, frames[2])
	require.Len(t, final, 2)
	assert.Equal(t, "Hello", final[1].Text)
	assert.False(t, final[1].IsUser)

	require.Eventually(t, func() bool {
		stored, err := f.history.GetConversation(context.Background(), "alice", "h1")
		return err == nil && len(stored) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChatHandler_Failures(t *testing.T) {
	providerErr := &domain.ProviderError{Op: "chat", Kind: domain.KindUpstream, Status: 500, Message: "boom"}
	authenticator := auth.NewAuthenticator(auth.Config{Secret: "s3cret"})
	bobToken, err := authenticator.Issue("bob")
	require.NoError(t, err)

	tests := []struct {
		name      string
		provider  domain.ChatProvider
		auth      *auth.Authenticator
		header    http.Header
		payload   []byte
		wantCode  string
		wantClose int
	}{
		{
			name:      "malformed json",
			provider:  scriptedProvider{texts: []string{"x"}},
			payload:   []byte("not json"),
			wantCode:  "invalid_payload",
			wantClose: websocket.ClosePolicyViolation,
		},
		{
			name:      "empty message",
			provider:  scriptedProvider{texts: []string{"x"}},
			payload:   []byte(`{"user_id":"alice","history_id":"h1","messages":[{"text":"","isUser":true,"timestamp":"1"}]}`),
			wantCode:  "invalid_payload",
			wantClose: websocket.ClosePolicyViolation,
		},
		{
			name:      "provider error",
			provider:  scriptedProvider{openErr: providerErr},
			wantCode:  "provider_error",
			wantClose: websocket.CloseInternalServerErr,
		},
		{
			name:      "token for another user",
			provider:  scriptedProvider{texts: []string{"x"}},
			auth:      authenticator,
			header:    http.Header{"Authorization": []string{"Bearer " + bobToken}},
			wantCode:  "forbidden",
			wantClose: websocket.ClosePolicyViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.provider, tt.auth)
			conn := f.dial(t, "/ws/chat/", tt.header)

			payload := tt.payload
			if payload == nil {
				payload, err = json.Marshal(turn("alice"))
				require.NoError(t, err)
			}
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

			frames, code := readUntilClose(t, conn)
			require.NotEmpty(t, frames)
			last := frames[len(frames)-1]
			assert.Equal(t, FrameError, last.Type)
			assert.Equal(t, tt.wantCode, last.Code)
			assert.Equal(t, tt.wantClose, code)

			_, err := f.history.GetConversation(context.Background(), "alice", "h1")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestChatHandler_RejectsMissingToken(t *testing.T) {
	f := newFixture(t, scriptedProvider{}, auth.NewAuthenticator(auth.Config{Secret: "s3cret"}))

	_, resp, err := websocket.DefaultDialer.Dial(f.url+"/ws/chat/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEventsHandler_RelaysHistoryEvents(t *testing.T) {
	f := newFixture(t, scriptedProvider{}, nil)
	conn := f.dial(t, "/ws/events/alice", nil)

	require.Eventually(t, func() bool {
		return f.server.Hub().IsUserConnected("alice")
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, f.history.PutConversation(ctx, "bob", "other", []domain.Message{{Text: "x", IsUser: true, Timestamp: "1"}}))
	require.NoError(t, f.history.PutConversation(ctx, "alice", "h1", []domain.Message{{Text: "x", IsUser: true, Timestamp: "1"}}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame struct {
		Type string              `json:"type"`
		Data domain.HistoryEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, FrameEvent, frame.Type)
	assert.Equal(t, domain.EventConversationUpdated, frame.Data.Type)
	assert.Equal(t, "alice", frame.Data.UserID)
	assert.Equal(t, "h1", frame.Data.HistoryID)
	assert.Equal(t, 1, frame.Data.MessageCount)
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub()
	a := NewClient(context.Background(), nil, "alice")
	hub.Register(a)
	hub.Register(NewClient(context.Background(), nil, "alice"))
	hub.Register(NewClient(context.Background(), nil, "bob"))

	assert.Equal(t, 3, hub.ClientCount())
	assert.True(t, hub.IsUserConnected("alice"))
	require.NoError(t, hub.SendToUser("alice", []byte("{}")))
	assert.Error(t, hub.SendToUser("carol", []byte("{}")))

	hub.Unregister(a)
	assert.True(t, a.IsClosed())
	assert.Equal(t, 2, hub.ClientCount())
	assert.ErrorIs(t, a.SendMessage([]byte("{}")), ErrClientClosed)
}
