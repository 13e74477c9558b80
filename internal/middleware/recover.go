package middleware

import (
	"net/http"

	"github.com/arencloud/hermes-upload/internal/logging"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
)

// Recoverer turns a handler panic into a 500 JSON error carrying the request id.
func Recoverer(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := requestid.Get(c)
				logger.Error("panic recovered", "error", rec, "path", c.Request.URL.Path, "requestId", rid)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "requestId": rid})
			}
		}()
		c.Next()
	}
}
