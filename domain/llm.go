package domain

import "context"

// ChatRequest is a conversation handed to a chat provider.
type ChatRequest struct {
	Messages []Message
	// SystemPrompt overrides the configured persona when non-empty.
	SystemPrompt string
}

// StreamChunk is one increment of a streaming chat response. The final chunk has Done set,
// and Err set when the stream failed.
type StreamChunk struct {
	Text string
	Err  error
	Done bool
}

// ChatProvider abstracts any streaming chat/LLM provider.
type ChatProvider interface {
	Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// Transcriber turns a stored audio file into text. An empty recognition is "" with a nil error.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// SpeechSynthesizer renders text into audio ready for the client.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (*Payload, error)
}

// ImageGenerator renders a prompt into an embedded image.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (*Payload, error)
}
