package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/luminachat/lumina/internal/ai"
	"github.com/luminachat/lumina/internal/chat"
	"github.com/luminachat/lumina/internal/common"
	"github.com/luminachat/lumina/internal/httpapi/middleware"
	"gorm.io/gorm"
)

func userIDFromContext(c *gin.Context) (uint64, chat.Tier, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, "", false
	}
	id, ok := v.(uint64)
	if !ok {
		return 0, "", false
	}
	tier := chat.TierRegular
	if t, ok := c.Get(middleware.TierKey); ok {
		if ts, ok := t.(string); ok && ts != "" {
			tier = chat.Tier(ts)
		}
	}
	return id, tier, true
}

// identityFrom resolves the quota subject: user id when authenticated, client
// IP otherwise. A guest with no determinable IP cannot be rate-limited and is
// rejected outright.
func identityFrom(c *gin.Context) (chat.Identity, bool) {
	if uid, tier, ok := userIDFromContext(c); ok {
		return chat.UserIdentity(uid, tier), true
	}
	ip := c.ClientIP()
	if ip == "" {
		return chat.Identity{}, false
	}
	return chat.GuestIdentity(ip), true
}

// chatError is the non-stream error shape of the chat endpoint.
func chatError(c *gin.Context, status int, msg string, retryable bool, extra gin.H) {
	body := gin.H{"error": msg, "retryable": retryable}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

type incomingPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

type incomingMessage struct {
	Role  string         `json:"role"`
	Parts []incomingPart `json:"parts"`
}

type chatStreamReq struct {
	ID                     string            `json:"id"`
	Messages               []incomingMessage `json:"messages" binding:"required"`
	SelectedChatModel      string            `json:"selectedChatModel"`
	SelectedVisibilityType string            `json:"selectedVisibilityType"`
	WebSearch              bool              `json:"webSearch"`
	Continue               bool              `json:"continue"`
}

func toAIMessage(m incomingMessage) ai.Message {
	parts := make([]ai.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		parts = append(parts, ai.Part{Type: p.Type, Text: p.Text, MIMEType: p.MIMEType, Data: p.Data})
	}
	return ai.Message{Role: m.Role, Parts: parts}
}

// StreamChat is the chat endpoint: quota gate, context build, orchestrated
// generation, then the line-delimited delta protocol back to the client.
func (h *Handler) StreamChat(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		chatError(c, http.StatusBadRequest, "client address could not be determined", false, nil)
		return
	}

	var req chatStreamReq
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		chatError(c, http.StatusBadRequest, "invalid request body", false, nil)
		return
	}

	// the final element is the triggering user message
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		chatError(c, http.StatusBadRequest, "last message must be from the user", false, nil)
		return
	}

	in := chat.TurnInput{
		ChatID:        req.ID,
		UserMessage:   toAIMessage(last),
		Visibility:    req.SelectedVisibilityType,
		SelectedModel: req.SelectedChatModel,
		WebSearch:     req.WebSearch,
		Continuation:  req.Continue,
	}

	ctx := c.Request.Context()
	turn, err := h.ChatSvc.PrepareTurn(ctx, id, in)
	if err != nil {
		var qerr *chat.QuotaError
		switch {
		case errors.As(err, &qerr):
			chatError(c, http.StatusTooManyRequests, "daily message limit reached", false,
				gin.H{"limit": qerr.Limit, "used": qerr.Used})
		case errors.Is(err, chat.ErrForbidden):
			chatError(c, http.StatusForbidden, "chat belongs to another user", false, nil)
		default:
			log.Printf("prepare turn failed identity=%s err=%v", id.Key, err)
			chatError(c, http.StatusInternalServerError, "internal error", true, nil)
		}
		return
	}

	// a reasoning request without its dedicated credential slot can never be
	// served; refuse before opening the stream
	if err := h.ChatSvc.Preflight(turn.Mode); err != nil {
		log.Printf("preflight failed identity=%s err=%v", id.Key, err)
		chatError(c, http.StatusServiceUnavailable, "requested model is not configured", false, nil)
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	var flush func()
	if f, ok := c.Writer.(http.Flusher); ok {
		flush = f.Flush
	}
	out := chat.NewStreamer(c.Writer, flush)

	if err := h.ChatSvc.StreamTurn(ctx, turn, out); err != nil {
		// the client already received an error frame (or is gone); log only
		log.Printf("stream turn failed identity=%s chat=%s err=%v", id.Key, turn.Chat.ID, err)
	}
}

func (h *Handler) ListChats(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10004, "client address could not be determined")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	chats, err := h.ChatSvc.ListChats(c.Request.Context(), id, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	common.OK(c, gin.H{"chats": chats})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10004, "client address could not be determined")
		return
	}
	chatID := c.Param("chat_id")
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), id, chatID, limit)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
		case errors.Is(err, chat.ErrForbidden):
			// hide existence
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
		default:
			common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		}
		return
	}

	type msgView struct {
		ID        string    `json:"id"`
		Role      string    `json:"role"`
		Parts     []ai.Part `json:"parts"`
		CreatedAt any       `json:"created_at"`
	}
	views := make([]msgView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, msgView{ID: m.ID, Role: m.Role, Parts: m.GetParts(), CreatedAt: m.CreatedAt})
	}
	common.OK(c, gin.H{"messages": views})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10004, "client address could not be determined")
		return
	}
	chatID := c.Param("chat_id")

	err := h.ChatSvc.DeleteChat(c.Request.Context(), id, chatID)
	switch {
	case err == nil:
		common.OK(c, gin.H{"deleted": chatID})
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, chat.ErrForbidden):
		common.Fail(c, http.StatusNotFound, 40004, "chat not found")
	default:
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to delete chat")
	}
}
