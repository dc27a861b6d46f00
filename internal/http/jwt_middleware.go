package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"member-account/internal/service"
)

const authSubjectKey = "auth_subject"

// BearerAuthMiddleware valida el token del header Authorization y guarda el
// subject en el contexto.
func BearerAuthMiddleware(logger *zap.Logger, userSvc *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userSvc == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			c.Abort()
			return
		}

		subject, err := userSvc.Authorize(c.GetHeader("Authorization"))
		if err != nil {
			switch {
			case errors.Is(err, service.ErrMissingAuth), errors.Is(err, service.ErrMissingToken):
				c.JSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
			case errors.Is(err, service.ErrTokenInvalid), errors.Is(err, service.ErrTokenExpired):
				c.JSON(http.StatusForbidden, gin.H{"message": msgInvalidToken})
			default:
				logger.Error("authorize failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			}
			c.Abort()
			return
		}

		c.Set(authSubjectKey, subject)
		c.Next()
	}
}

// GetAuthSubject obtiene el id de usuario autenticado desde el contexto.
func GetAuthSubject(c *gin.Context) (string, bool) {
	val, ok := c.Get(authSubjectKey)
	if !ok {
		return "", false
	}
	subject, ok := val.(string)
	return subject, ok && subject != ""
}
