package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

// mockTransport replays an SSE body and records the request it answered.
type mockTransport struct {
	status    int
	responses []string
	delay     time.Duration
	body      []byte
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		m.body, _ = io.ReadAll(req.Body)
	}
	if m.status != 0 && m.status != http.StatusOK {
		return &http.Response{
			StatusCode: m.status,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(strings.Join(m.responses, ""))),
			Request:    req,
		}, nil
	}

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		for _, resp := range m.responses {
			time.Sleep(m.delay)
			pw.Write([]byte(resp + "\n\n"))
		}
	}()

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       pr,
		Request:    req,
	}, nil
}

func newMockClient(transport http.RoundTripper) *OpenAIClient {
	return NewOpenAIClient("test-key", "", option.WithHTTPClient(&http.Client{Transport: transport}), option.WithMaxRetries(0))
}

// contentParts returns the part types of a message's content and its concatenated text.
func contentParts(t *testing.T, content any) ([]string, string) {
	t.Helper()
	parts, ok := content.([]any)
	require.True(t, ok, "content should be a part list: %v", content)
	var types []string
	var text strings.Builder
	for _, p := range parts {
		part := p.(map[string]any)
		types = append(types, part["type"].(string))
		if s, ok := part["text"].(string); ok {
			text.WriteString(s)
		}
	}
	return types, text.String()
}

func collect(t *testing.T, stream <-chan domain.StreamChunk) ([]string, error) {
	t.Helper()
	var texts []string
	for chunk := range stream {
		if chunk.Err != nil {
			return texts, chunk.Err
		}
		if chunk.Text != "" {
			texts = append(texts, chunk.Text)
		}
	}
	return texts, nil
}

func TestOpenAIChat_Stream(t *testing.T) {
	transport := &mockTransport{
		responses: []string{
			`data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen-omni-turbo","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen-omni-turbo","choices":[{"index":0,"delta":{"content":"He"}}]}`,
			`data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen-omni-turbo","choices":[{"index":0,"delta":{"content":"llo"}}]}`,
			`data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen-omni-turbo","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			`data: [DONE]`,
		},
	}
	provider := NewOpenAIChat(OpenAIChatConfig{Client: newMockClient(transport)})

	stream, err := provider.Stream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Text: "Hi", IsUser: true, Timestamp: "1"}},
	})
	require.NoError(t, err)

	texts, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"He", "llo"}, texts)

	var sent struct {
		Model      string           `json:"model"`
		Modalities []string         `json:"modalities"`
		Messages   []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(transport.body, &sent))
	assert.Equal(t, "qwen-omni-turbo", sent.Model)
	assert.Equal(t, []string{"text"}, sent.Modalities)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "system", sent.Messages[0]["role"])
	_, system := contentParts(t, sent.Messages[0]["content"])
	assert.Equal(t, DefaultPersonaPrompt, system)
	assert.Equal(t, "user", sent.Messages[1]["role"])
	_, user := contentParts(t, sent.Messages[1]["content"])
	assert.Equal(t, "Hi", user)
}

func TestOpenAIChat_StreamUsesVisionModelAndCustomPrompt(t *testing.T) {
	transport := &mockTransport{responses: []string{`data: [DONE]`}}
	provider := NewOpenAIChat(OpenAIChatConfig{Client: newMockClient(transport)})

	stream, err := provider.Stream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{
			Text:      "What is this?",
			IsUser:    true,
			Timestamp: "1",
			Image:     &domain.Payload{Data: "data:image/png;base64,AAAA"},
		}},
		SystemPrompt: "Be brief.",
	})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	var sent struct {
		Model    string           `json:"model"`
		Messages []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(transport.body, &sent))
	assert.Equal(t, "qwen-vl-max", sent.Model)
	_, system := contentParts(t, sent.Messages[0]["content"])
	assert.Equal(t, "Be brief.", system)
	types, _ := contentParts(t, sent.Messages[1]["content"])
	assert.Equal(t, []string{"text", "image_url"}, types)
}

func TestOpenAIChat_StreamProviderError(t *testing.T) {
	transport := &mockTransport{
		status:    http.StatusBadRequest,
		responses: []string{`{"message":"audio is malformed","type":"invalid_request_error","param":null,"code":"invalid_value"}`},
	}
	provider := NewOpenAIChat(OpenAIChatConfig{Client: newMockClient(transport)})

	stream, err := provider.Stream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Text: "Hi", IsUser: true, Timestamp: "1"}},
	})
	require.NoError(t, err)

	_, err = collect(t, stream)
	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, "chat", perr.Op)
	assert.Equal(t, domain.KindUpstream, perr.Kind)
	assert.Equal(t, http.StatusBadRequest, perr.Status)
	assert.Equal(t, "invalid_value", perr.Code)
}

func TestOpenAIChat_StreamContextTimeout(t *testing.T) {
	transport := &mockTransport{
		delay: 50 * time.Millisecond,
		responses: []string{
			`data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"late"}}]}`,
			`data: [DONE]`,
		},
	}
	provider := NewOpenAIChat(OpenAIChatConfig{Client: newMockClient(transport)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	stream, err := provider.Stream(ctx, domain.ChatRequest{
		Messages: []domain.Message{{Text: "Hi", IsUser: true, Timestamp: "1"}},
	})
	require.NoError(t, err)

	_, err = collect(t, stream)
	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr), "got %v", err)
}

func TestFormatForProvider(t *testing.T) {
	wav := &domain.Payload{MediaType: "audio/wav", Data: "data:audio/wav;base64,UklGRg=="}
	mp3 := &domain.Payload{Data: "data:audio/mpeg;base64,SUQz"}
	image := &domain.Payload{Data: "data:image/png;base64,iVBORw=="}

	tests := []struct {
		name  string
		input domain.Message
		// expected role, the part types in order and the concatenated text
		role  string
		parts []string
		text  string
	}{
		{
			name:  "plain user text",
			input: domain.Message{Text: "hello", IsUser: true},
			role:  "user",
			parts: []string{"text"},
			text:  "hello",
		},
		{
			name:  "plain assistant text",
			input: domain.Message{Text: "greetings"},
			role:  "assistant",
			parts: []string{"text"},
			text:  "greetings",
		},
		{
			name:  "user audio without text",
			input: domain.Message{IsUser: true, Audio: wav},
			role:  "user",
			parts: []string{"input_audio"},
		},
		{
			name:  "user text wins over audio",
			input: domain.Message{Text: "typed", IsUser: true, Audio: wav, Image: image},
			role:  "user",
			parts: []string{"text", "image_url"},
			text:  "typed",
		},
		{
			name:  "assistant audio without text",
			input: domain.Message{Audio: mp3},
			role:  "assistant",
			parts: []string{"input_audio"},
		},
		{
			name:  "assistant text keeps text when audio present",
			input: domain.Message{Text: "spoken", Audio: mp3},
			role:  "assistant",
			parts: []string{"text"},
			text:  "spoken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := FormatForProvider([]domain.Message{tt.input}, "system prompt")
			require.Len(t, out, 2)

			raw, err := json.Marshal(out)
			require.NoError(t, err)
			var decoded []map[string]any
			require.NoError(t, json.Unmarshal(raw, &decoded))

			assert.Equal(t, "system", decoded[0]["role"])
			_, system := contentParts(t, decoded[0]["content"])
			assert.Equal(t, "system prompt", system)

			assert.Equal(t, tt.role, decoded[1]["role"])
			types, text := contentParts(t, decoded[1]["content"])
			assert.Equal(t, tt.parts, types)
			assert.Equal(t, tt.text, text)
		})
	}
}

func TestFormatForProvider_AudioFormat(t *testing.T) {
	out := FormatForProvider([]domain.Message{
		{IsUser: true, Audio: &domain.Payload{Data: "data:audio/mpeg;base64,SUQz"}},
		{IsUser: true, Audio: &domain.Payload{Data: "UklGRg=="}},
	}, "")

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	var msgs []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &msgs))
	require.Len(t, msgs, 3)

	type audioMessage struct {
		Content []struct {
			InputAudio struct {
				Data   string `json:"data"`
				Format string `json:"format"`
			} `json:"input_audio"`
		} `json:"content"`
	}
	decoded := make([]audioMessage, 2)
	require.NoError(t, json.Unmarshal(msgs[1], &decoded[0]))
	require.NoError(t, json.Unmarshal(msgs[2], &decoded[1]))

	assert.Equal(t, "mp3", decoded[0].Content[0].InputAudio.Format)
	assert.Equal(t, "SUQz", decoded[0].Content[0].InputAudio.Data)
	assert.Equal(t, "wav", decoded[1].Content[0].InputAudio.Format)
	assert.Equal(t, "UklGRg==", decoded[1].Content[0].InputAudio.Data)
}

func TestSelectModel(t *testing.T) {
	withImage := []domain.Message{
		{Text: "a", IsUser: true},
		{Text: "b", IsUser: true, Image: &domain.Payload{Data: "AAAA"}},
	}
	withoutImage := []domain.Message{{Text: "a", IsUser: true}, {Text: "b"}}

	assert.Equal(t, "vision", SelectModel(withImage, "general", "vision"))
	assert.Equal(t, "general", SelectModel(withoutImage, "general", "vision"))
	assert.Equal(t, "general", SelectModel(withImage, "general", ""))
	assert.Equal(t, "general", SelectModel(nil, "general", "vision"))
}

func TestOpenAIImage_GenerateImage(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/images/generations":
			w.Header().Set("Content-Type", "application/json")
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["prompt"] == "missing" {
				_, _ = w.Write([]byte(`{"created":1,"data":[{"url":"` + srv.URL + `/gone.png"}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"created":1,"data":[{"url":"` + srv.URL + `/image.png"}]}`))
		case "/image.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(png)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gen := NewOpenAIImage(OpenAIImageConfig{
		Client: NewOpenAIClient("test-key", srv.URL, option.WithMaxRetries(0)),
	})

	t.Run("downloads and embeds", func(t *testing.T) {
		payload, err := gen.GenerateImage(context.Background(), "a red fox")
		require.NoError(t, err)
		assert.Equal(t, "image/png", payload.Type())
		assert.True(t, strings.HasPrefix(payload.Data, "data:image/png;base64,"))
		raw, err := payload.Bytes()
		require.NoError(t, err)
		assert.Equal(t, png, raw)
	})

	t.Run("empty prompt", func(t *testing.T) {
		_, err := gen.GenerateImage(context.Background(), "  ")
		var perr *domain.ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, domain.KindInvalidInput, perr.Kind)
	})

	t.Run("download failure", func(t *testing.T) {
		_, err := gen.GenerateImage(context.Background(), "missing")
		var perr *domain.ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, domain.KindDownload, perr.Kind)
		assert.Equal(t, http.StatusNotFound, perr.Status)
	})
}

func TestTracingChatProvider_PassesChunksThrough(t *testing.T) {
	transport := &mockTransport{
		responses: []string{
			`data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"He"}}]}`,
			`data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"llo"}}]}`,
			`data: [DONE]`,
		},
	}
	provider := NewTracingChatProvider(NewOpenAIChat(OpenAIChatConfig{Client: newMockClient(transport)}))

	stream, err := provider.Stream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Text: "Hi", IsUser: true, Timestamp: "1"}},
	})
	require.NoError(t, err)
	texts, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello", strings.Join(texts, ""))
}
