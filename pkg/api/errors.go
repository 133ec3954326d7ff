package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/scheduler"
	"github.com/relaymesh/relayd/pkg/services"
	"github.com/relaymesh/relayd/pkg/store"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// abortError translates a service or store error into the error body and
// status the surface contract names.
func abortError(c *gin.Context, err error) {
	var ve *services.ValidationError
	if errors.As(err, &ve) {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{
			Kind:    "input_invalid",
			Message: ve.Message,
			Details: gin.H{"field": ve.Field},
		})
		return
	}

	var qe *quota.QuotaExceededError
	if errors.As(err, &qe) {
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody{
			Kind:    "quota_exceeded",
			Message: qe.Error(),
			Details: gin.H{"resource": qe.Resource, "current": qe.Current, "max": qe.Max},
		})
		return
	}

	var te *quota.ThrottledError
	if errors.As(err, &te) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{
			Kind:    "throttled",
			Message: te.Error(),
			Details: gin.H{"retry_after_s": int(te.RetryAfter.Seconds())},
		})
		return
	}

	switch {
	case store.IsNotFound(err):
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{
			Kind:    "not_found",
			Message: err.Error(),
		})
	case store.IsConflict(err),
		errors.Is(err, scheduler.ErrAlreadyAssigned),
		errors.Is(err, scheduler.ErrAlreadyQueued),
		errors.Is(err, scheduler.ErrNotAssigned):
		c.AbortWithStatusJSON(http.StatusConflict, errorBody{
			Kind:    "conflict",
			Message: err.Error(),
		})
	case errors.Is(err, scheduler.ErrWorkerUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{
			Kind:    "worker_unavailable",
			Message: err.Error(),
		})
	default:
		slog.Error("Unexpected API error",
			"path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
			Kind:    "internal_error",
			Message: "internal server error",
		})
	}
}

// abortBadRequest reports a malformed request body or parameter.
func abortBadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{
		Kind:    "input_invalid",
		Message: msg,
	})
}
