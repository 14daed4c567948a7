package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
	"go.uber.org/zap"
)

type contentStreamer func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// GeminiChat streams chat completions from Gemini.
type GeminiChat struct {
	stream  contentStreamer
	models  Models
	persona string
}

type GeminiChatConfig struct {
	APIKey  string
	Models  Models
	Persona string
}

func NewGeminiChat(ctx context.Context, config GeminiChatConfig) (*GeminiChat, error) {
	client, err := genai.NewClient(
		ctx,
		&genai.ClientConfig{
			APIKey:      config.APIKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{APIVersion: "v1beta"},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return newGeminiChat(client.Models.GenerateContentStream, config), nil
}

func newGeminiChat(stream contentStreamer, config GeminiChatConfig) *GeminiChat {
	if config.Models.General == "" {
		config.Models.General = "gemini-2.0-flash-001"
	}
	if config.Models.Vision == "" {
		config.Models.Vision = config.Models.General
	}
	return &GeminiChat{
		stream:  stream,
		models:  config.Models,
		persona: config.Persona,
	}
}

// Contents converts a conversation to Gemini contents. Payloads become inline blobs; a
// message whose text is empty is represented by its audio.
func Contents(messages []domain.Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := genai.RoleModel
		if msg.IsUser {
			role = genai.RoleUser
		}

		var parts []*genai.Part
		if audioSubstitutes(msg) {
			blob, err := inlineBlob(msg.Audio, "audio/wav")
			if err != nil {
				return nil, err
			}
			parts = append(parts, &genai.Part{InlineData: blob})
		} else if msg.Text != "" {
			parts = append(parts, &genai.Part{Text: msg.Text})
		}
		if !msg.Image.Empty() {
			blob, err := inlineBlob(msg.Image, "image/png")
			if err != nil {
				return nil, err
			}
			parts = append(parts, &genai.Part{InlineData: blob})
		}
		if len(parts) == 0 {
			parts = append(parts, &genai.Part{Text: ""})
		}

		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: parts,
		})
	}
	return contents, nil
}

func inlineBlob(p *domain.Payload, fallbackType string) (*genai.Blob, error) {
	data, err := p.Bytes()
	if err != nil {
		return nil, &domain.ProviderError{Op: "chat", Kind: domain.KindInvalidInput, Message: "payload is not valid base64", Err: err}
	}
	mimeType := p.Type()
	if mimeType == "" {
		mimeType = fallbackType
	}
	return &genai.Blob{MIMEType: mimeType, Data: data}, nil
}

// Stream implements domain.ChatProvider.
func (g *GeminiChat) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	contents, err := Contents(req.Messages)
	if err != nil {
		return nil, err
	}
	model := g.models.Select(req.Messages)
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: resolveSystemPrompt(req.SystemPrompt, g.persona)}},
		},
	}

	responseChan := make(chan domain.StreamChunk, 100)
	go func() {
		defer close(responseChan)

		for resp, err := range g.stream(ctx, model, contents, config) {
			if err != nil {
				log.WithCtx(ctx).Debug("Gemini stream failed", zap.String("model", model), zap.Error(err))
				responseChan <- domain.StreamChunk{Err: geminiError(err), Done: true}
				return
			}
			if text := resp.Text(); text != "" {
				responseChan <- domain.StreamChunk{Text: text}
			}
		}
		responseChan <- domain.StreamChunk{Done: true}
	}()

	return responseChan, nil
}

func geminiError(err error) error {
	out := &domain.ProviderError{Op: "chat", Kind: domain.KindUpstream, Err: err}
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = domain.KindTimeout
	case errors.As(err, &apiErrPtr):
		apiErr = *apiErrPtr
		fallthrough
	case errors.As(err, &apiErr):
		out.Status = apiErr.Code
		out.Code = apiErr.Status
		out.Message = apiErr.Message
	}
	return out
}
