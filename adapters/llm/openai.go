package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

// OpenAIChat streams chat completions from an OpenAI-compatible provider.
type OpenAIChat struct {
	client  OpenAIClientProvider
	models  Models
	persona string
}

// OpenAIChatConfig holds configuration for OpenAIChat.
type OpenAIChatConfig struct {
	Client OpenAIClientProvider
	Models Models
	// Persona replaces DefaultPersonaPrompt when set.
	Persona string
}

// NewOpenAIChat creates the provider. Models default to qwen-omni-turbo and qwen-vl-max.
func NewOpenAIChat(config OpenAIChatConfig) *OpenAIChat {
	if config.Models.General == "" {
		config.Models.General = "qwen-omni-turbo"
	}
	if config.Models.Vision == "" {
		config.Models.Vision = "qwen-vl-max"
	}
	return &OpenAIChat{
		client:  config.Client,
		models:  config.Models,
		persona: config.Persona,
	}
}

// FormatForProvider converts a conversation to the provider's message list, led by the
// system prompt. Messages with empty text and an audio payload are sent as input_audio.
func FormatForProvider(messages []domain.Message, systemPrompt string) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	out = append(out, openai.SystemMessage(systemPrompt))

	for _, m := range messages {
		switch {
		case m.IsUser && (audioSubstitutes(m) || !m.Image.Empty()):
			out = append(out, openai.UserMessageParts(userParts(m)...))
		case m.IsUser:
			out = append(out, openai.UserMessage(m.Text))
		case audioSubstitutes(m):
			// The SDK's assistant content union admits text only; send the generic form.
			out = append(out, openai.ChatCompletionMessageParam{
				Role:    openai.F(openai.ChatCompletionMessageParamRoleAssistant),
				Content: openai.F[interface{}]([]openai.ChatCompletionContentPartUnionParam{inputAudioPart(m.Audio)}),
			})
		default:
			out = append(out, openai.AssistantMessage(m.Text))
		}
	}
	return out
}

func userParts(m domain.Message) []openai.ChatCompletionContentPartUnionParam {
	var parts []openai.ChatCompletionContentPartUnionParam
	if audioSubstitutes(m) {
		parts = append(parts, inputAudioPart(m.Audio))
	} else if m.Text != "" {
		parts = append(parts, openai.TextPart(m.Text))
	}
	if !m.Image.Empty() {
		parts = append(parts, openai.ImagePart(m.Image.DataURI()))
	}
	return parts
}

func inputAudioPart(p *domain.Payload) openai.ChatCompletionContentPartInputAudioParam {
	format := openai.ChatCompletionContentPartInputAudioInputAudioFormatWAV
	switch p.Type() {
	case "audio/mpeg", "audio/mp3":
		format = openai.ChatCompletionContentPartInputAudioInputAudioFormatMP3
	}
	return openai.ChatCompletionContentPartInputAudioParam{
		Type: openai.F(openai.ChatCompletionContentPartInputAudioTypeInputAudio),
		InputAudio: openai.F(openai.ChatCompletionContentPartInputAudioInputAudioParam{
			Data:   openai.F(p.Base64()),
			Format: openai.F(format),
		}),
	}
}

func (p *OpenAIChat) params(req domain.ChatRequest) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Messages:   openai.F(FormatForProvider(req.Messages, resolveSystemPrompt(req.SystemPrompt, p.persona))),
		Model:      openai.F(p.models.Select(req.Messages)),
		Modalities: openai.F([]openai.ChatCompletionModality{openai.ChatCompletionModalityText}),
		StreamOptions: openai.F(openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.F(true),
		}),
	}
}

// Stream opens a streaming completion and relays content deltas in order. Chunks without
// content (usage, role-only) are dropped. The last chunk has Done set.
func (p *OpenAIChat) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	stream := p.client.CreateStreamingCompletion(ctx, p.params(req))
	responseChan := make(chan domain.StreamChunk, 100)

	go func() {
		defer close(responseChan)
		defer stream.Close()

		for stream.Next() {
			select {
			case <-ctx.Done():
				responseChan <- domain.StreamChunk{Err: providerError("chat", ctx.Err()), Done: true}
				return
			default:
				chunk := stream.Current()
				if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
					responseChan <- domain.StreamChunk{Text: chunk.Choices[0].Delta.Content}
				}
			}
		}

		if err := stream.Err(); err != nil {
			responseChan <- domain.StreamChunk{Err: providerError("chat", err), Done: true}
			return
		}

		responseChan <- domain.StreamChunk{Done: true}
	}()

	return responseChan, nil
}

// providerError normalizes SDK and context errors into a domain.ProviderError.
func providerError(op string, err error) error {
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return perr
	}

	out := &domain.ProviderError{Op: op, Kind: domain.KindUpstream, Err: err}
	var apiErr *openai.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = domain.KindTimeout
	case errors.As(err, &apiErr):
		out.Status = apiErr.StatusCode
		out.Code = apiErr.Code
		out.Message = apiErr.Message
	}
	return out
}
