package domain

import (
	"context"
	"io"
	"time"
)

// AudioUpload is an incoming audio file.
type AudioUpload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// StoredAudio describes an accepted upload after probing and any downmix.
type StoredAudio struct {
	Path      string
	Name      string
	MediaType string
	Duration  time.Duration
	// Channels is the channel count of the original upload.
	Channels  int
	Downmixed bool
}

// AudioGatekeeper validates and stores uploads before transcription.
type AudioGatekeeper interface {
	Accept(ctx context.Context, userID, historyID string, upload AudioUpload) (*StoredAudio, error)
	Discard(ctx context.Context, stored *StoredAudio) error
}
