package chat

import "github.com/luminachat/lumina/internal/ai"

// ReasoningModelAlias is the client-facing model id that selects the deep
// reasoning path.
const ReasoningModelAlias = "chat-model-reasoning"

// Mode captures the request flags that drive adapter selection. Derived once
// per request and immutable afterwards.
type Mode struct {
	Reasoning      bool
	WebSearch      bool
	Continuation   bool
	HasAttachments bool
}

// DeriveMode inspects the request once. Attachments anywhere in the submitted
// window force the multimodal path.
func DeriveMode(selectedModel string, webSearch, isContinuation bool, conv ai.Conversation) Mode {
	return Mode{
		Reasoning:      selectedModel == ReasoningModelAlias,
		WebSearch:      webSearch,
		Continuation:   isContinuation,
		HasAttachments: conv.HasAttachments(),
	}
}
