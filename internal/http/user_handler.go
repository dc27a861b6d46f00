package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"member-account/internal/service"
)

const (
	msgMissingFields  = "missing required fields"
	msgInvalidRequest = "invalid request"
	msgInternal       = "internal server error"
	msgRegistered     = "registration successful"
	msgLoggedIn       = "login successful"
	msgInvalidToken   = "invalid or expired token"
)

// UserHandler mantiene dependencias para endpoints de cuenta.
type UserHandler struct {
	logger   *zap.Logger
	userServ *service.UserService
}

// NewUserHandler crea una instancia de UserHandler con dependencias necesarias.
func NewUserHandler(logger *zap.Logger, userServ *service.UserService) *UserHandler {
	return &UserHandler{
		logger:   logger,
		userServ: userServ,
	}
}

// Register maneja POST /register.
func (h *UserHandler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid register request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidRequest})
		return
	}

	_, err := h.userServ.Register(c.Request.Context(), service.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPasswordTooLong):
			c.JSON(http.StatusBadRequest, gin.H{"message": "password is too long"})
		case errors.Is(err, service.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"message": msgMissingFields})
		case errors.Is(err, service.ErrUserExists):
			c.JSON(http.StatusBadRequest, gin.H{"message": service.ErrUserExists.Error()})
		default:
			h.logger.Error("register failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": msgRegistered})
}

// Login maneja POST /login.
func (h *UserHandler) Login(c *gin.Context) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid login request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidRequest})
		return
	}

	result, err := h.userServ.Login(c.Request.Context(), req.Identifier, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"message": msgMissingFields})
		case errors.Is(err, service.ErrUserNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"message": service.ErrUserNotFound.Error()})
		case errors.Is(err, service.ErrInvalidCredentials):
			c.JSON(http.StatusBadRequest, gin.H{"message": service.ErrInvalidCredentials.Error()})
		default:
			h.logger.Error("login failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": msgLoggedIn, "token": result.Token})
}

// Profile maneja GET /profile; requiere BearerAuthMiddleware.
func (h *UserHandler) Profile(c *gin.Context) {
	userID, ok := GetAuthSubject(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": service.ErrMissingAuth.Error()})
		return
	}

	profile, err := h.userServ.Profile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": service.ErrUserNotFound.Error()})
			return
		}
		h.logger.Error("profile failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
		return
	}

	c.JSON(http.StatusOK, profile)
}
