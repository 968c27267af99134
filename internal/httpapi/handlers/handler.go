package handlers

import (
	"github.com/luminachat/lumina/internal/ai"
	"github.com/luminachat/lumina/internal/chat"
	"github.com/luminachat/lumina/internal/config"
	"gorm.io/gorm"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	ChatSvc *chat.Service
}

// BuildRegistry wires every provider that has credentials. Providers without
// keys are simply not registered; the orchestrator's fallback chain skips
// them.
func BuildRegistry(cfg config.Config, tracker *ai.RateTracker) *ai.Registry {
	reg := ai.NewRegistry()
	if len(cfg.GroqAPIKeys) > 0 {
		reg.Register(ai.NewGroqProvider(
			cfg.GroqBaseURL,
			cfg.GroqFastModel,
			cfg.GroqReasonModel,
			cfg.GroqReasonSlot,
			ai.NewCredentialPool(cfg.GroqAPIKeys),
			tracker,
		))
	}
	if len(cfg.GeminiAPIKeys) > 0 {
		reg.Register(ai.NewGeminiProvider(
			cfg.GeminiBaseURL,
			cfg.GeminiModel,
			ai.NewCredentialPool(cfg.GeminiAPIKeys),
		))
	}
	if cfg.OpenRouterAPIKey != "" {
		reg.Register(ai.NewOpenRouterProvider(
			cfg.OpenRouterBaseURL,
			cfg.OpenRouterAPIKey,
			cfg.OpenRouterModel,
			cfg.OpenRouterSiteURL,
			cfg.OpenRouterAppName,
		))
	}
	return reg
}

func NewHandler(db *gorm.DB, cfg config.Config, usage chat.UsageStore, titles chat.TitleQueue) *Handler {
	repo := chat.NewRepo(db)
	reg := BuildRegistry(cfg, ai.NewRateTracker())
	orch := chat.NewOrchestrator(reg, cfg.GroqReasonModel)
	svc := chat.NewService(repo, usage, orch, titles)
	return &Handler{DB: db, Cfg: cfg, ChatSvc: svc}
}
