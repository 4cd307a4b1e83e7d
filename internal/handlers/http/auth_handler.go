package http

import (
	"net/http"
	"strings"
	"time"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
	"opsdeck/pkg/errors"
	"opsdeck/pkg/utils"
	"opsdeck/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService ports.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService ports.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/login", h.Login)
	}
}

type LoginRequest struct {
	Credential string `json:"credential" binding:"max=2048"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Credential = strings.TrimSpace(req.Credential)
	if err := validation.ValidateCredential(req.Credential); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	identity, err := h.authService.Authenticate(req.Credential)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}

	// REST callers get a token bound to a synthetic session id. The same
	// token validates against the websocket resume path only while that
	// session exists, so it acts purely as a bearer credential here.
	token, err := h.authService.IssueSessionToken(domain.SessionID(utils.NewID()), identity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":    identity.UserID,
		"level":      identity.Level.String(),
		"token":      token,
		"expires_in": int(h.tokenTTL / time.Second),
	})
}
