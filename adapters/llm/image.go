package llm

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

const maxImageBytes = 20 << 20

// OpenAIImage generates images through an OpenAI-compatible images API and embeds the
// result as a base64 data URI.
type OpenAIImage struct {
	client     OpenAIClientProvider
	model      string
	size       string
	httpClient *http.Client
}

type OpenAIImageConfig struct {
	Client OpenAIClientProvider
	Model  string
	Size   string
	// HTTPClient downloads the generated image; defaults to a client with a 60s timeout.
	HTTPClient *http.Client
}

func NewOpenAIImage(config OpenAIImageConfig) *OpenAIImage {
	if config.Model == "" {
		config.Model = "dall-e-3"
	}
	if config.Size == "" {
		config.Size = "1024x1024"
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAIImage{
		client:     config.Client,
		model:      config.Model,
		size:       config.Size,
		httpClient: config.HTTPClient,
	}
}

// GenerateImage returns the generated image, or a *domain.ProviderError describing which
// stage failed.
func (g *OpenAIImage) GenerateImage(ctx context.Context, prompt string) (*domain.Payload, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, &domain.ProviderError{Op: "image", Kind: domain.KindInvalidInput, Message: "prompt is empty"}
	}

	resp, err := g.client.GenerateImage(ctx, openai.ImageGenerateParams{
		Prompt:         openai.F(prompt),
		Model:          openai.F(openai.ImageModel(g.model)),
		N:              openai.Int(1),
		Size:           openai.F(openai.ImageGenerateParamsSize(g.size)),
		ResponseFormat: openai.F(openai.ImageGenerateParamsResponseFormatURL),
	})
	if err != nil {
		return nil, providerError("image", err)
	}
	if len(resp.Data) == 0 {
		return nil, &domain.ProviderError{Op: "image", Kind: domain.KindUpstream, Message: "no image in response"}
	}

	image := resp.Data[0]
	if image.URL == "" {
		if image.B64JSON == "" {
			return nil, &domain.ProviderError{Op: "image", Kind: domain.KindUpstream, Message: "image has neither url nor data"}
		}
		return &domain.Payload{MediaType: "image/png", Data: "data:image/png;base64," + image.B64JSON}, nil
	}
	return g.download(ctx, image.URL)
}

func (g *OpenAIImage) download(ctx context.Context, url string) (*domain.Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.ProviderError{Op: "image", Kind: domain.KindDownload, Message: "invalid image url", Err: err}
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &domain.ProviderError{Op: "image", Kind: domain.KindDownload, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.ProviderError{
			Op:      "image",
			Kind:    domain.KindDownload,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("downloading image: %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, &domain.ProviderError{Op: "image", Kind: domain.KindDownload, Err: err}
	}
	if len(body) > maxImageBytes {
		return nil, &domain.ProviderError{Op: "image", Kind: domain.KindDownload, Message: "image exceeds size limit"}
	}

	mediaType := "image/png"
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && strings.HasPrefix(mt, "image/") {
			mediaType = mt
		}
	}
	return domain.NewPayload(mediaType, body), nil
}
