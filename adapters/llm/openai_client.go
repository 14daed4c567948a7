package llm

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// DashScopeBaseURL is the OpenAI-compatible endpoint of the default provider.
const DashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/"

// OpenAIClientProvider abstracts the operations used by OpenAIChat and OpenAIImage.
type OpenAIClientProvider interface {
	// CreateStreamingCompletion creates a streaming chat completion.
	CreateStreamingCompletion(ctx context.Context, params openai.ChatCompletionNewParams) *ssestream.Stream[openai.ChatCompletionChunk]

	// GenerateImage requests images for a prompt.
	GenerateImage(ctx context.Context, params openai.ImageGenerateParams) (*openai.ImagesResponse, error)
}

// OpenAIClient implements OpenAIClientProvider using the official SDK against any
// OpenAI-compatible base URL.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client. An empty baseURL keeps the SDK default.
func NewOpenAIClient(apiKey, baseURL string, opts ...option.RequestOption) *OpenAIClient {
	opts = append(opts, option.WithAPIKey(apiKey))
	if baseURL != "" {
		// Request paths resolve relative to the base, which must end in a slash.
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
	}
}

func (c *OpenAIClient) CreateStreamingCompletion(ctx context.Context, params openai.ChatCompletionNewParams) *ssestream.Stream[openai.ChatCompletionChunk] {
	return c.client.Chat.Completions.NewStreaming(ctx, params)
}

func (c *OpenAIClient) GenerateImage(ctx context.Context, params openai.ImageGenerateParams) (*openai.ImagesResponse, error) {
	return c.client.Images.Generate(ctx, params)
}
