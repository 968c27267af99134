package handlers

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/luminachat/lumina/internal/auth"
	"github.com/luminachat/lumina/internal/common"
	"github.com/luminachat/lumina/internal/models"
	"gorm.io/gorm"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

type createUserReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// generate a 11 digit random username
func randomUsername11() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, 11)
	for i := 0; i < 11; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}
		out[i] = letters[n.Int64()]
	}
	return string(out), nil
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || len(req.Password) < 8 {
		common.Fail(c, http.StatusBadRequest, 10002, "email and password (min 8 chars) required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	username, err := randomUsername11()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20004, "failed to generate username")
		return
	}

	user := &models.User{
		Email:        req.Email,
		Username:     username,
		PasswordHash: hash,
		Tier:         "regular",
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			common.Fail(c, http.StatusConflict, 10030, "email already registered")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "failed to create user")
		return
	}

	common.OK(c, gin.H{"id": user.ID, "username": user.Username})
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	var user models.User
	err := h.DB.WithContext(c.Request.Context()).
		Where("email = ?", req.Email).
		First(&user).Error
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		// same answer for unknown email and wrong password
		common.Fail(c, http.StatusUnauthorized, 40110, "invalid email or password")
		return
	}

	token, err := auth.IssueToken(h.Cfg.JWTSecret, user.ID, user.Tier, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to issue token")
		return
	}

	common.OK(c, gin.H{"token": token})
}

func (h *Handler) Me(c *gin.Context) {
	uid, tier, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, uid).Error; err != nil {
		common.Fail(c, http.StatusNotFound, 40401, "user not found")
		return
	}
	common.OK(c, gin.H{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
		"tier":     string(tier),
	})
}
