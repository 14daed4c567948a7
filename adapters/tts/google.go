package tts

import (
	"context"
	"fmt"
	"io"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/googleapis/gax-go/v2"

	"github.com/satriahrh/cocoa-fruit/persona/adapters/googleapi"
	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

type synthesizer interface {
	SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, opts ...gax.CallOption) (*texttospeechpb.SynthesizeSpeechResponse, error)
}

type GoogleTTS struct {
	client   synthesizer
	language string
	voice    string
}

type Config struct {
	// Language defaults to cmn-CN.
	Language string
	// Voice names a specific voice; empty lets the service pick by language and gender.
	Voice string
}

func NewGoogleTTS(ctx context.Context, config Config) (*GoogleTTS, error) {
	client, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating Google tts client: %w", err)
	}
	return newGoogleTTS(client, config), nil
}

// Close releases the underlying client connection.
func (g *GoogleTTS) Close() error {
	if c, ok := g.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func newGoogleTTS(client synthesizer, config Config) *GoogleTTS {
	if config.Language == "" {
		config.Language = "cmn-CN"
	}
	return &GoogleTTS{
		client:   client,
		language: config.Language,
		voice:    config.Voice,
	}
}

// Synthesize renders text as MP3 and returns it as a data URI payload.
func (g *GoogleTTS) Synthesize(ctx context.Context, text string) (*domain.Payload, error) {
	if text == "" {
		return nil, &domain.ProviderError{Op: "synthesize", Kind: domain.KindInvalidInput, Message: "text is empty"}
	}

	req := texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{
				Text: text,
			},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: g.language,
			Name:         g.voice,
			SsmlGender:   texttospeechpb.SsmlVoiceGender_FEMALE,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
		},
	}
	resp, err := g.client.SynthesizeSpeech(ctx, &req)
	if err != nil {
		return nil, googleapi.ProviderError("synthesize", err)
	}
	if len(resp.GetAudioContent()) == 0 {
		return nil, &domain.ProviderError{Op: "synthesize", Kind: domain.KindUpstream, Message: "empty audio content"}
	}

	return domain.NewPayload("audio/mp3", resp.GetAudioContent()), nil
}
