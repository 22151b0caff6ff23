package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cognilab/stimflow/internal/response"
	"github.com/cognilab/stimflow/internal/service"
)

// CheckActiveRun validates the participant token's session id against the
// active-run lock in Redis. A stale token (the run finished, or a newer run
// superseded it) is rejected.
func CheckActiveRun(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		// Only enforce for participant tokens.
		if claims.TokenType != service.TokenTypeParticipant {
			c.Next()
			return
		}

		if err := authService.ValidateActiveRun(c.Request.Context(), claims.ParticipantID, claims.SessionID); err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrRunNotLive)
			return
		}

		c.Next()
	}
}
