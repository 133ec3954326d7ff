package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/registry"
)

const workerContextKey = "relayd.worker"

// adminAuth gates the admin group on a static bearer token.
func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{
				Kind:    "internal_error",
				Message: "admin access is not configured",
			})
			return
		}
		got := bearerToken(c)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
				Kind:    "input_invalid",
				Message: "invalid or missing admin token",
			})
			return
		}
		c.Next()
	}
}

// workerAuth resolves the calling worker from the X-Worker-ID header plus
// its bearer token and stashes it in the request context.
func workerAuth(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		label := c.GetHeader("X-Worker-ID")
		if label == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
				Kind:    "input_invalid",
				Message: "X-Worker-ID header is required",
			})
			return
		}
		worker, err := reg.Authenticate(c.Request.Context(), label, bearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
				Kind:    "input_invalid",
				Message: "worker authentication failed",
			})
			return
		}
		c.Set(workerContextKey, worker)
		c.Next()
	}
}

// callingWorker returns the worker workerAuth resolved for this request.
func callingWorker(c *gin.Context) *models.Worker {
	w, _ := c.MustGet(workerContextKey).(*models.Worker)
	return w
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}
