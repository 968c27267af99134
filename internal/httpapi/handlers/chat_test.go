package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/luminachat/lumina/internal/chat"
	"github.com/luminachat/lumina/internal/config"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubUsage struct {
	mu     sync.Mutex
	counts map[string]int
}

func newStubUsage() *stubUsage { return &stubUsage{counts: map[string]int{}} }

func (s *stubUsage) UsageCount(ctx context.Context, identity, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[identity+"|"+date], nil
}

func (s *stubUsage) IncrementUsage(ctx context.Context, identity, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[identity+"|"+date]++
	return nil
}

func newChatTestServer(t *testing.T, cfg config.Config, usage chat.UsageStore) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Chat{}, &chat.Message{}, &chat.TitleJob{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := NewHandler(db, cfg, usage, nil)
	r := gin.New()
	r.POST("/chat", h.StreamChat)
	r.GET("/chats/:chat_id/messages", h.ListChatMessages)
	return r, db
}

func postChat(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.9:55000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func chatBody(text, model string) string {
	return fmt.Sprintf(`{"messages":[{"role":"user","parts":[{"type":"text","text":%q}]}],"selectedChatModel":%q}`, text, model)
}

func TestStreamChat_DeliversProtocolFrames(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"there\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	cfg := config.Config{
		GroqBaseURL:    upstream.URL,
		GroqAPIKeys:    []string{"k0"},
		GroqFastModel:  "fast-model",
		GroqReasonSlot: -1,
	}
	usage := newStubUsage()
	r, db := newChatTestServer(t, cfg, usage)

	w := postChat(r, chatBody("hello", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	raw := w.Body.String()
	for _, want := range []string{
		`data: {"type":"text-start"}`,
		`data: {"type":"text-delta","delta":"Hi "}`,
		`data: {"type":"text-delta","delta":"there"}`,
		`data: {"type":"text-end"}`,
		"data: [DONE]",
	} {
		if !strings.Contains(raw, want) {
			t.Fatalf("response missing %q:\n%s", want, raw)
		}
	}

	// the full reply was persisted on the assistant row
	var rows []chat.Message
	if err := db.Where("role = ?", "assistant").Find(&rows).Error; err != nil {
		t.Fatalf("load rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Text() != "Hi there" {
		t.Fatalf("persisted assistant rows: %+v", rows)
	}

	// one counted message for the guest identity
	n, _ := usage.UsageCount(context.Background(), "ip:203.0.113.9", chat.Today(time.Now()))
	if n != 1 {
		t.Fatalf("usage count %d", n)
	}
}

func TestStreamChat_QuotaExceededReturns429(t *testing.T) {
	cfg := config.Config{
		GroqAPIKeys:    []string{"k0"},
		GroqFastModel:  "fast-model",
		GroqReasonSlot: -1,
	}
	usage := newStubUsage()
	usage.counts["ip:203.0.113.9|"+chat.Today(time.Now())] = chat.DailyLimit(chat.TierGuest)
	r, db := newChatTestServer(t, cfg, usage)

	w := postChat(r, chatBody("one more", ""))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
		Limit     int    `json:"limit"`
		Used      int    `json:"used"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Retryable {
		t.Fatalf("quota rejection is not retryable")
	}
	if body.Limit != 20 || body.Used != 20 {
		t.Fatalf("limit/used = %d/%d", body.Limit, body.Used)
	}

	var chats int64
	db.Model(&chat.Chat{}).Count(&chats)
	if chats != 0 {
		t.Fatalf("rejected request must not create a chat")
	}
}

func TestStreamChat_ReasoningWithoutDedicatedSlotIs503(t *testing.T) {
	cfg := config.Config{
		GroqAPIKeys:     []string{"k0"},
		GroqFastModel:   "fast-model",
		GroqReasonModel: "reason-model",
		GroqReasonSlot:  -1,
	}
	r, _ := newChatTestServer(t, cfg, newStubUsage())

	w := postChat(r, chatBody("think hard", chat.ReasoningModelAlias))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "text-start") {
		t.Fatalf("refusal must come as a status, not stream frames: %s", w.Body.String())
	}
}

func TestStreamChat_RejectsMalformedRequests(t *testing.T) {
	cfg := config.Config{GroqAPIKeys: []string{"k0"}, GroqReasonSlot: -1}
	r, _ := newChatTestServer(t, cfg, newStubUsage())

	cases := []string{
		`{`,
		`{"messages":[]}`,
		`{"messages":[{"role":"assistant","parts":[{"type":"text","text":"hi"}]}]}`,
	}
	for _, body := range cases {
		if w := postChat(r, body); w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status %d", body, w.Code)
		}
	}
}

func TestStreamChat_ExhaustionEmitsErrorFrameWithoutSentinel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"upstream exploded"}}`, http.StatusInternalServerError)
	}))
	defer upstream.Close()

	cfg := config.Config{
		GroqBaseURL:    upstream.URL,
		GroqAPIKeys:    []string{"k0"},
		GroqFastModel:  "fast-model",
		GroqReasonSlot: -1,
	}
	r, _ := newChatTestServer(t, cfg, newStubUsage())

	w := postChat(r, chatBody("hello", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("stream failures surface in-band, status %d", w.Code)
	}
	raw := w.Body.String()
	if !strings.Contains(raw, `"type":"error"`) {
		t.Fatalf("missing error frame:\n%s", raw)
	}
	if strings.Contains(raw, "data: [DONE]") {
		t.Fatalf("no sentinel after an error frame:\n%s", raw)
	}
	if strings.Contains(raw, "exploded") {
		t.Fatalf("upstream error text leaked:\n%s", raw)
	}
}
