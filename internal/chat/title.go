package chat

import (
	"context"
	"strings"
	"unicode"

	"github.com/luminachat/lumina/internal/ai"
)

// TitleStrategy produces a short chat title from the user's opening message.
type TitleStrategy interface {
	Title(ctx context.Context, userText string) (string, error)
}

const maxTitleLen = 80

// WordSplitTitle is the deterministic fallback: the first few words of the
// user message. Never fails.
type WordSplitTitle struct {
	MaxWords int
}

func (s WordSplitTitle) Title(_ context.Context, userText string) (string, error) {
	max := s.MaxWords
	if max <= 0 {
		max = 6
	}
	words := strings.FieldsFunc(userText, unicode.IsSpace)
	if len(words) == 0 {
		return "New chat", nil
	}
	if len(words) > max {
		words = words[:max]
	}
	title := strings.Join(words, " ")
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	return title, nil
}

const titlePrompt = "Generate a short title (at most 6 words, no quotes, no punctuation at the end) summarizing this message."

// ProviderTitle asks a registered provider for a title. Used by the worker;
// callers are expected to fall back to WordSplitTitle on error.
type ProviderTitle struct {
	Registry *ai.Registry
	Provider string
	Model    string
}

func (s ProviderTitle) Title(ctx context.Context, userText string) (string, error) {
	p, err := s.Registry.Get(s.Provider)
	if err != nil {
		return "", err
	}
	conv := ai.Conversation{
		ai.TextMessage("system", titlePrompt),
		ai.TextMessage("user", userText),
	}
	out, err := p.Generate(ctx, conv, ai.Options{Model: s.Model, MaxTokens: 32})
	if err != nil {
		return "", err
	}
	title := strings.Trim(strings.TrimSpace(out.Text), `"'`)
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	return title, nil
}
