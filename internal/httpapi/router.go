package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/luminachat/lumina/internal/chat"
	"github.com/luminachat/lumina/internal/common"
	"github.com/luminachat/lumina/internal/config"
	"github.com/luminachat/lumina/internal/httpapi/handlers"
	"github.com/luminachat/lumina/internal/httpapi/middleware"
	"gorm.io/gorm"
)

func NewRouter(db *gorm.DB, cfg config.Config, usage chat.UsageStore, titles chat.TitleQueue) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, usage, titles)

	r.GET("/ping", h.Ping)

	// accounts
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	// chat endpoints allow guests; identity falls back to client IP
	guestOK := r.Group("/")
	guestOK.Use(middleware.AuthOptional(cfg.JWTSecret))
	guestOK.POST("/chat", h.StreamChat)
	guestOK.GET("/chats", h.ListChats)
	guestOK.GET("/chats/:chat_id/messages", h.ListChatMessages)
	guestOK.DELETE("/chats/:chat_id", h.DeleteChat)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	return r
}
