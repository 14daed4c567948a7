package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

const (
	DefaultMaxBytes    = 10 << 20
	DefaultMaxDuration = 60 * time.Second
)

// Upload codes reported through *domain.UploadError.
const (
	CodeInvalidType = "invalid_type"
	CodeTooLarge    = "too_large"
	CodeTooLong     = "too_long"
	CodeUnreadable  = "unreadable_audio"
)

type format struct {
	mediaType  string
	extensions []string
}

var (
	formatWAV = format{"audio/wav", []string{".wav", ".wave"}}
	formatMP3 = format{"audio/mpeg", []string{".mp3"}}
	formatOGG = format{"audio/ogg", []string{".ogg", ".oga"}}
)

var allowedTypes = map[string]format{
	"audio/wav":   formatWAV,
	"audio/x-wav": formatWAV,
	"audio/wave":  formatWAV,
	"audio/mpeg":  formatMP3,
	"audio/ogg":   formatOGG,
}

type Config struct {
	// Root is the data root; uploads go to <Root>/audio/<userID>/.
	Root        string
	MaxBytes    int64
	MaxDuration time.Duration
}

// Gatekeeper validates, stores and normalizes uploaded audio before transcription.
type Gatekeeper struct {
	dir         string
	maxBytes    int64
	maxDuration time.Duration
	now         func() time.Time
}

func NewGatekeeper(config Config) *Gatekeeper {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxBytes
	}
	if config.MaxDuration <= 0 {
		config.MaxDuration = DefaultMaxDuration
	}
	return &Gatekeeper{
		dir:         filepath.Join(config.Root, "audio"),
		maxBytes:    config.MaxBytes,
		maxDuration: config.MaxDuration,
		now:         time.Now,
	}
}

// Accept stores the upload as <userID>/<historyID>_<ms>.<ext>. Files longer than the
// maximum duration are removed; multi-channel files are rewritten as 16-bit mono WAV.
// On any failure after the write, nothing is left on disk.
func (g *Gatekeeper) Accept(ctx context.Context, userID, historyID string, upload domain.AudioUpload) (*domain.StoredAudio, error) {
	f, err := lookupFormat(upload.ContentType)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(g.dir, safeName(userID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s%s", safeName(historyID), strconv.FormatInt(g.now().UnixMilli(), 10), f.extension(upload.Filename))
	path := filepath.Join(dir, name)

	if err := g.write(path, upload.Body); err != nil {
		return nil, err
	}

	stored, err := g.normalize(path, f)
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.WithCtx(ctx).Warn("Failed to remove rejected upload", zap.String("path", path), zap.Error(rmErr))
		}
		return nil, err
	}

	log.WithCtx(ctx).Info("Audio upload accepted",
		zap.String("path", stored.Path),
		zap.Duration("duration", stored.Duration),
		zap.Int("channels", stored.Channels),
		zap.Bool("downmixed", stored.Downmixed),
	)
	return stored, nil
}

// Discard removes a stored upload that will not be used.
func (g *Gatekeeper) Discard(ctx context.Context, stored *domain.StoredAudio) error {
	if err := os.Remove(stored.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", stored.Path, err)
	}
	log.WithCtx(ctx).Debug("Audio upload discarded", zap.String("path", stored.Path))
	return nil
}

func (g *Gatekeeper) write(path string, body io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	n, err := io.Copy(out, io.LimitReader(body, g.maxBytes+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > g.maxBytes {
		err = &domain.UploadError{Code: CodeTooLarge, Message: fmt.Sprintf("audio exceeds %d bytes", g.maxBytes)}
	}
	if err != nil {
		os.Remove(path)
		var uerr *domain.UploadError
		if errors.As(err, &uerr) {
			return err
		}
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (g *Gatekeeper) normalize(path string, f format) (*domain.StoredAudio, error) {
	info, err := probe(path, f)
	if err != nil {
		return nil, &domain.UploadError{Code: CodeUnreadable, Message: err.Error()}
	}
	if info.duration > g.maxDuration {
		return nil, &domain.UploadError{
			Code:    CodeTooLong,
			Message: fmt.Sprintf("audio is %.1fs, limit is %.0fs", info.duration.Seconds(), g.maxDuration.Seconds()),
		}
	}

	stored := &domain.StoredAudio{
		Path:      path,
		Name:      filepath.Base(path),
		MediaType: f.mediaType,
		Duration:  info.duration,
		Channels:  info.channels,
	}
	if info.channels <= 1 {
		return stored, nil
	}

	target := strings.TrimSuffix(path, filepath.Ext(path)) + ".wav"
	if err := downmix(path, target, f); err != nil {
		os.Remove(target)
		return nil, err
	}
	if target != path {
		if err := os.Remove(path); err != nil {
			os.Remove(target)
			return nil, fmt.Errorf("removing %s: %w", path, err)
		}
	}
	stored.Path = target
	stored.Name = filepath.Base(target)
	stored.MediaType = formatWAV.mediaType
	stored.Downmixed = true
	return stored, nil
}

func lookupFormat(contentType string) (format, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		if f, ok := allowedTypes[strings.ToLower(mt)]; ok {
			return f, nil
		}
	}
	return format{}, &domain.UploadError{
		Code:    CodeInvalidType,
		Message: fmt.Sprintf("invalid file type %q, allowed types: audio/wav, audio/mpeg, audio/ogg", contentType),
	}
}

// extension keeps the uploaded file's extension when it matches the format.
func (f format) extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, known := range f.extensions {
		if ext == known {
			return ext
		}
	}
	return f.extensions[0]
}

func safeName(id string) string {
	name := filepath.Base(filepath.Clean("/" + id))
	if name == "/" || name == "." || name == "" {
		return "_"
	}
	return name
}
