package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is one turn unit of a conversation.
type Message struct {
	Text      string   `json:"text"`
	IsUser    bool     `json:"isUser"`
	Timestamp string   `json:"timestamp"`
	Audio     *Payload `json:"audio,omitempty"`
	Image     *Payload `json:"image,omitempty"`
	// AudioFile names the stored upload a transcribed message came from.
	AudioFile string `json:"audio_file,omitempty"`
}

// Validate reports whether the message carries at least one of text, audio or image.
func (m Message) Validate() error {
	if m.Text == "" && m.Audio.Empty() && m.Image.Empty() {
		return fmt.Errorf("%w: message %q has no text, audio or image", ErrInvalidMessage, m.Timestamp)
	}
	return nil
}

// Payload is binary content carried as text: either a data URI or bare base64.
type Payload struct {
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data"`
}

// NewPayload encodes raw bytes as a data URI payload.
func NewPayload(mediaType string, raw []byte) *Payload {
	return &Payload{
		MediaType: mediaType,
		Data:      "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(raw),
	}
}

func (p *Payload) Empty() bool {
	return p == nil || p.Data == ""
}

// Base64 returns the payload without any data URI prefix.
func (p *Payload) Base64() string {
	if p == nil {
		return ""
	}
	if strings.HasPrefix(p.Data, "data:") {
		if i := strings.Index(p.Data, ","); i >= 0 {
			return p.Data[i+1:]
		}
	}
	return p.Data
}

// Type returns the declared media type, falling back to the one embedded in a data URI.
func (p *Payload) Type() string {
	if p == nil {
		return ""
	}
	if p.MediaType != "" {
		return p.MediaType
	}
	if strings.HasPrefix(p.Data, "data:") {
		head := strings.TrimPrefix(p.Data, "data:")
		if i := strings.IndexAny(head, ";,"); i >= 0 {
			return head[:i]
		}
	}
	return ""
}

// DataURI returns the payload as a data URI, building one from bare base64 when needed.
func (p *Payload) DataURI() string {
	if p == nil {
		return ""
	}
	if strings.HasPrefix(p.Data, "data:") {
		return p.Data
	}
	return "data:" + p.Type() + ";base64," + p.Data
}

// Bytes decodes the payload.
func (p *Payload) Bytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Base64())
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return raw, nil
}

// ChatData is the turn payload a client sends, and the snapshot the server relays back.
type ChatData struct {
	UserID       string    `json:"user_id"`
	HistoryID    string    `json:"history_id"`
	Messages     []Message `json:"messages"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
}

// Validate checks identifiers and every message.
func (d ChatData) Validate() error {
	if d.UserID == "" || d.HistoryID == "" {
		return fmt.Errorf("%w: user_id and history_id are required", ErrInvalidMessage)
	}
	if len(d.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidMessage)
	}
	for _, m := range d.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone copies the message slice so the snapshot can be mutated independently.
func (d ChatData) Clone() ChatData {
	msgs := make([]Message, len(d.Messages))
	copy(msgs, d.Messages)
	d.Messages = msgs
	return d
}

// HasImage reports whether any message carries an image payload.
func HasImage(messages []Message) bool {
	for _, m := range messages {
		if !m.Image.Empty() {
			return true
		}
	}
	return false
}

// NowTimestamp returns the current time as a millisecond epoch string.
func NowTimestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// NextTimestamp returns a timestamp that is now, or one past the latest message when the
// clock would otherwise go backwards relative to the conversation.
func NextTimestamp(messages []Message) string {
	now := time.Now().UnixMilli()
	if len(messages) > 0 {
		if last, err := strconv.ParseInt(messages[len(messages)-1].Timestamp, 10, 64); err == nil && last >= now {
			now = last + 1
		}
	}
	return strconv.FormatInt(now, 10)
}
