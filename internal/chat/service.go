package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/luminachat/lumina/internal/ai"
	"github.com/luminachat/lumina/internal/common"
	"gorm.io/gorm"
)

// contextWindow is how many persisted/submitted messages feed the provider,
// triggering user message included.
const contextWindow = 6

const systemInstructions = "You are a helpful assistant. Answer concisely and accurately. " +
	"If you are unsure, say so instead of guessing."

const webSearchInstructions = "The user has web search enabled. Prefer up-to-date information " +
	"and cite sources when you reference external facts."

var ErrNotFound = gorm.ErrRecordNotFound

// ErrForbidden is returned when a chat exists but belongs to someone else.
var ErrForbidden = errors.New("chat: forbidden")

// TitleQueue dispatches title-generation jobs to the background worker.
type TitleQueue interface {
	PublishTitleJob(ctx context.Context, jobID string) error
}

type Service struct {
	repo     *Repo
	usage    UsageStore
	gate     *QuotaGate
	orch     *Orchestrator
	titles   TitleQueue // nil disables async title generation
	fallback TitleStrategy
}

func NewService(repo *Repo, usage UsageStore, orch *Orchestrator, titles TitleQueue) *Service {
	return &Service{
		repo:     repo,
		usage:    usage,
		gate:     NewQuotaGate(usage),
		orch:     orch,
		titles:   titles,
		fallback: WordSplitTitle{MaxWords: 6},
	}
}

// TurnInput is the parsed chat request body.
type TurnInput struct {
	ChatID        string
	UserMessage   ai.Message
	Visibility    string
	SelectedModel string
	WebSearch     bool
	Continuation  bool
}

// Turn is everything prepared ahead of generation for one request.
type Turn struct {
	Chat         *Chat
	UserRow      *Message
	Placeholder  *Message
	Conversation ai.Conversation
	Mode         Mode
	Identity     Identity
}

// PrepareTurn runs the pre-generation pipeline in the order the protocol
// requires: quota gate, lazy chat creation with a provisional title, user
// message persisted, assistant placeholder persisted, context built.
func (s *Service) PrepareTurn(ctx context.Context, id Identity, in TurnInput) (*Turn, error) {
	if _, _, err := s.gate.Check(ctx, id); err != nil {
		return nil, err
	}

	userText := in.UserMessage.Text()

	chatRow, err := s.repo.GetChatByID(ctx, in.ChatID)
	switch {
	case err == nil:
		if chatRow.OwnerID != id.Key {
			return nil, ErrForbidden
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		title, _ := s.fallback.Title(ctx, userText)
		visibility := in.Visibility
		if visibility == "" {
			visibility = VisibilityPrivate
		}
		chatRow = &Chat{
			ID:         in.ChatID,
			OwnerID:    id.Key,
			Title:      title,
			Visibility: visibility,
		}
		if chatRow.ID == "" {
			cid, err := common.NewULID()
			if err != nil {
				return nil, err
			}
			chatRow.ID = cid
		}
		if err := s.repo.SaveChat(ctx, chatRow); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	// user message before generation starts; continuations re-run the last
	// turn and add no new user row
	var userRow *Message
	if !in.Continuation {
		userRow = &Message{
			ID:     newMessageID(),
			ChatID: chatRow.ID,
			Role:   "user",
		}
		if err := userRow.SetParts(in.UserMessage.Parts); err != nil {
			return nil, err
		}
		if err := s.repo.SaveMessages(ctx, []*Message{userRow}); err != nil {
			return nil, err
		}
	}

	conv, err := s.buildConversation(ctx, chatRow.ID, in)
	if err != nil {
		return nil, err
	}
	mode := DeriveMode(in.SelectedModel, in.WebSearch, in.Continuation, conv)

	// empty placeholder before streaming begins; filled in after the stream
	placeholder := &Message{
		ID:     newMessageID(),
		ChatID: chatRow.ID,
		Role:   "assistant",
		Parts:  "[]",
	}
	if err := s.repo.SaveMessages(ctx, []*Message{placeholder}); err != nil {
		return nil, err
	}

	return &Turn{
		Chat:         chatRow,
		UserRow:      userRow,
		Placeholder:  placeholder,
		Conversation: conv,
		Mode:         mode,
		Identity:     id,
	}, nil
}

// buildConversation assembles system instructions plus the last few persisted
// messages. The triggering user message is already persisted, so it arrives
// through the history read.
func (s *Service) buildConversation(ctx context.Context, chatID string, in TurnInput) (ai.Conversation, error) {
	history, err := s.repo.ListRecentMessages(ctx, chatID, contextWindow)
	if err != nil {
		return nil, err
	}

	instructions := systemInstructions
	if in.WebSearch {
		instructions += "\n\n" + webSearchInstructions
	}
	conv := ai.Conversation{ai.TextMessage("system", instructions)}
	for _, m := range history {
		if m.Role == "assistant" && m.Parts == "[]" {
			continue // unfilled placeholder from an interrupted turn
		}
		conv = append(conv, ai.Message{Role: m.Role, Parts: m.GetParts()})
	}
	return conv, nil
}

// StreamTurn runs generation and re-streams it through the given Streamer.
// Usage is charged on the first delta: upstream cost exists from that moment
// even if the client later disconnects. Title generation and final
// persistence are best-effort and never abort the stream.
func (s *Service) StreamTurn(ctx context.Context, turn *Turn, out *Streamer) error {
	chunks, errs := s.orch.Stream(ctx, turn.Conversation, turn.Mode, ai.Options{})

	userText := ""
	if turn.UserRow != nil {
		userText = turn.UserRow.Text()
	}

	// side effects run off the request context: a disconnect after generation
	// started must not void the charge, and a slow counter or broker must not
	// delay the first delta frame. They are awaited before returning.
	sideCtx := context.WithoutCancel(ctx)
	var effects sync.WaitGroup
	onFirstDelta := func() {
		effects.Add(1)
		go func() {
			defer effects.Done()
			if err := s.usage.IncrementUsage(sideCtx, turn.Identity.Key, Today(time.Now())); err != nil {
				log.Printf("usage increment failed identity=%s err=%v", turn.Identity.Key, err)
			}
			s.dispatchTitleJob(sideCtx, turn.Chat, userText)
		}()
	}

	full, err := out.Run(chunks, errs, onFirstDelta)
	effects.Wait()

	// persist whatever was produced, fallback text included
	if full != "" {
		row := &Message{ID: turn.Placeholder.ID}
		if perr := row.SetParts([]ai.Part{{Type: "text", Text: full}}); perr == nil {
			if uerr := s.repo.UpdateMessageContent(sideCtx, turn.Placeholder.ID, row.Parts); uerr != nil {
				log.Printf("assistant message update failed id=%s err=%v", turn.Placeholder.ID, uerr)
			}
		}
	}
	return err
}

// dispatchTitleJob queues async title generation for the chat. Failures are
// swallowed: the provisional word-split title stays.
func (s *Service) dispatchTitleJob(ctx context.Context, chatRow *Chat, userText string) {
	if s.titles == nil || userText == "" {
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		log.Printf("title job id failed chat=%s err=%v", chatRow.ID, err)
		return
	}
	job := &TitleJob{
		ID:     jobID,
		ChatID: chatRow.ID,
		Prompt: userText,
		Status: TitleJobQueued,
	}
	job, created, err := s.repo.CreateTitleJobOrGetExisting(ctx, job)
	if err != nil {
		log.Printf("title job create failed chat=%s err=%v", chatRow.ID, err)
		return
	}
	if !created {
		return
	}
	if err := s.titles.PublishTitleJob(ctx, job.ID); err != nil {
		log.Printf("title job publish failed chat=%s job=%s err=%v", chatRow.ID, job.ID, err)
	}
}

// Preflight rejects requests no adapter configuration can serve.
func (s *Service) Preflight(mode Mode) error {
	return s.orch.Preflight(mode)
}

// ListChats returns the identity's chats for the sidebar.
func (s *Service) ListChats(ctx context.Context, id Identity, limit int) ([]Chat, error) {
	return s.repo.ListChats(ctx, id.Key, limit)
}

// ListMessages returns a chat's messages after an ownership check.
func (s *Service) ListMessages(ctx context.Context, id Identity, chatID string, limit int) ([]Message, error) {
	chatRow, err := s.repo.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chatRow.OwnerID != id.Key && chatRow.Visibility != VisibilityPublic {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.repo.ListRecentMessages(ctx, chatID, limit)
}

// DeleteChat removes a chat the identity owns.
func (s *Service) DeleteChat(ctx context.Context, id Identity, chatID string) error {
	chatRow, err := s.repo.GetChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if chatRow.OwnerID != id.Key {
		return ErrForbidden
	}
	return s.repo.DeleteChat(ctx, chatID)
}

// Quota exposes the gate for handlers that need limit/used for headers.
func (s *Service) Quota(ctx context.Context, id Identity) (used, limit int, err error) {
	return s.gate.Check(ctx, id)
}

// Repo exposes the repository to the worker binary.
func (s *Service) Repo() *Repo { return s.repo }
