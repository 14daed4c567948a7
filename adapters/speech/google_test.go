package speech

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

type fakeRecognizer struct {
	req  *speechpb.RecognizeRequest
	resp *speechpb.RecognizeResponse
	err  error
}

func (f *fakeRecognizer) Recognize(_ context.Context, req *speechpb.RecognizeRequest, _ ...gax.CallOption) (*speechpb.RecognizeResponse, error) {
	f.req = req
	return f.resp, f.err
}

func writeAudio(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("RIFF0000WAVE"), 0o644))
	return path
}

func result(transcripts ...string) *speechpb.SpeechRecognitionResult {
	r := &speechpb.SpeechRecognitionResult{}
	for _, tr := range transcripts {
		r.Alternatives = append(r.Alternatives, &speechpb.SpeechRecognitionAlternative{Transcript: tr})
	}
	return r
}

func TestGoogleSpeech_Transcribe(t *testing.T) {
	fake := &fakeRecognizer{resp: &speechpb.RecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{
			result("你好", "尼好"),
			result(),
			result(" world"),
		},
	}}
	g := newGoogleSpeech(fake, Config{})

	text, err := g.Transcribe(context.Background(), writeAudio(t, "clip.wav"))
	require.NoError(t, err)
	assert.Equal(t, "你好 world", text)

	cfg := fake.req.GetConfig()
	assert.Equal(t, speechpb.RecognitionConfig_LINEAR16, cfg.GetEncoding())
	assert.EqualValues(t, SampleRateHertz, cfg.GetSampleRateHertz())
	assert.Equal(t, "zh-CN", cfg.GetLanguageCode())
	assert.Equal(t, []string{"en-US"}, cfg.GetAlternativeLanguageCodes())
	assert.Equal(t, []byte("RIFF0000WAVE"), fake.req.GetAudio().GetContent())
}

func TestGoogleSpeech_TranscribeEmptyRecognition(t *testing.T) {
	g := newGoogleSpeech(&fakeRecognizer{resp: &speechpb.RecognizeResponse{}}, Config{Language: "en-US", AltLanguage: "zh-CN"})

	text, err := g.Transcribe(context.Background(), writeAudio(t, "clip.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestGoogleSpeech_TranscribeFailure(t *testing.T) {
	g := newGoogleSpeech(&fakeRecognizer{err: errors.New("unavailable")}, Config{})

	_, err := g.Transcribe(context.Background(), writeAudio(t, "clip.ogg"))
	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "transcribe", perr.Op)
	assert.Equal(t, domain.KindUpstream, perr.Kind)

	_, err = g.Transcribe(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, domain.KindInvalidInput, perr.Kind)
}

func TestEncodingFor(t *testing.T) {
	assert.Equal(t, speechpb.RecognitionConfig_LINEAR16, encodingFor("a.wav"))
	assert.Equal(t, speechpb.RecognitionConfig_MP3, encodingFor("a.MP3"))
	assert.Equal(t, speechpb.RecognitionConfig_OGG_OPUS, encodingFor("a.ogg"))
	assert.Equal(t, speechpb.RecognitionConfig_LINEAR16, encodingFor("a"))
}
