package speech

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/adapters/googleapi"
	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

// SampleRateHertz is declared for every recognition request.
const SampleRateHertz = 16000

type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
}

type GoogleSpeech struct {
	client       recognizer
	language     string
	altLanguages []string
}

type Config struct {
	// Language is the primary recognition language; defaults to zh-CN.
	Language string
	// AltLanguage is a single secondary hint; defaults to en-US.
	AltLanguage string
}

func NewGoogleSpeech(ctx context.Context, config Config) (*GoogleSpeech, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating Google speech client: %w", err)
	}
	return newGoogleSpeech(client, config), nil
}

// Close releases the underlying client connection.
func (g *GoogleSpeech) Close() error {
	if c, ok := g.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func newGoogleSpeech(client recognizer, config Config) *GoogleSpeech {
	if config.Language == "" {
		config.Language = "zh-CN"
	}
	if config.AltLanguage == "" {
		config.AltLanguage = "en-US"
	}
	return &GoogleSpeech{
		client:       client,
		language:     config.Language,
		altLanguages: []string{config.AltLanguage},
	}
}

func encodingFor(path string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return speechpb.RecognitionConfig_MP3
	case ".ogg", ".oga", ".opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Transcribe recognizes the audio file at path. Results are joined in order using each
// result's top alternative. No speech yields "" and a nil error.
func (g *GoogleSpeech) Transcribe(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", &domain.ProviderError{Op: "transcribe", Kind: domain.KindInvalidInput, Message: "reading audio file", Err: err}
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                 encodingFor(path),
			SampleRateHertz:          SampleRateHertz,
			LanguageCode:             g.language,
			AlternativeLanguageCodes: g.altLanguages,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: content},
		},
	})
	if err != nil {
		log.WithCtx(ctx).Warn("Speech recognition failed", zap.String("path", path), zap.Error(err))
		return "", googleapi.ProviderError("transcribe", err)
	}

	var sb strings.Builder
	for _, result := range resp.GetResults() {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		sb.WriteString(alternatives[0].GetTranscript())
	}
	return sb.String(), nil
}
