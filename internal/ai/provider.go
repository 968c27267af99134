package ai

import "context"

// Part is one piece of a message: text, or inline binary data (images).
type Part struct {
	Type     string `json:"type"` // "text" | "image" | "file"
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"` // raw bytes for image/file parts
}

type Message struct {
	Role  string `json:"role"` // "system" | "user" | "assistant"
	Parts []Part `json:"parts"`
}

// Text concatenates the text parts of a message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// HasBinaryParts reports whether any part carries non-text content.
func (m Message) HasBinaryParts() bool {
	for _, p := range m.Parts {
		if p.Type != "text" {
			return true
		}
	}
	return false
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: "text", Text: text}}}
}

// Conversation is the uniform request representation every adapter translates
// from. The final message is the triggering user message.
type Conversation []Message

// HasAttachments reports whether any message carries non-text parts.
func (c Conversation) HasAttachments() bool {
	for _, m := range c {
		if m.HasBinaryParts() {
			return true
		}
	}
	return false
}

// Options tunes a single generation call.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

type Completion struct {
	Text         string
	FinishReason string
	PromptTokens int
	OutputTokens int
}

// Capability flags what request shapes an adapter can serve.
type Capability uint8

const (
	CapMultimodal Capability = 1 << iota
	CapReasoning
)

// Provider wraps one upstream chat-completion API.
//
// Stream returns immediately with two channels; both are closed when the
// stream ends. An error received on the second channel after deltas have been
// emitted means the stream was truncated upstream, not completed.
type Provider interface {
	Name() string
	Capabilities() Capability
	Generate(ctx context.Context, conv Conversation, opts Options) (*Completion, error)
	Stream(ctx context.Context, conv Conversation, opts Options) (<-chan string, <-chan error)
}
