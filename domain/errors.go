package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStoreUnreadable   = errors.New("store unreadable")
	ErrInvalidIndex      = errors.New("invalid message index")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrSpeechUnavailable = errors.New("speech synthesis unavailable")
)

// ProviderErrorKind classifies failures of remote model services.
type ProviderErrorKind string

const (
	KindInvalidInput ProviderErrorKind = "invalid_input"
	KindUpstream     ProviderErrorKind = "upstream"
	KindTimeout      ProviderErrorKind = "timeout"
	KindDownload     ProviderErrorKind = "download"
)

// ProviderError is the single failure shape returned by chat, transcription,
// speech synthesis and image generation.
type ProviderError struct {
	Op      string
	Kind    ProviderErrorKind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// UploadError is a client-input or resource-limit rejection of an uploaded file.
type UploadError struct {
	Code    string
	Message string
}

func (e *UploadError) Error() string {
	return e.Code + ": " + e.Message
}
