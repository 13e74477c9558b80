package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/arencloud/hermes-upload/internal/authz"
	"github.com/arencloud/hermes-upload/internal/metrics"
	"github.com/arencloud/hermes-upload/internal/registry"
	"github.com/arencloud/hermes-upload/internal/s3"
	"github.com/arencloud/hermes-upload/internal/upload"
	"github.com/arencloud/hermes-upload/internal/vault"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
)

// errStorage marks failures reported by the storage provider.
var errStorage = errors.New("storage request failed")

// errConflict marks a request that contradicts the file catalog.
var errConflict = errors.New("conflicts with recorded upload")

func storageErr(err error) error { return errors.Join(errStorage, err) }

// requestMetrics counts every response by route template and status.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func respondError(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, upload.ErrorResponse{Error: msg, RequestID: requestid.Get(c)})
}

// writeError maps a domain error onto its HTTP status.
func (h *handlers) writeError(c *gin.Context, err error) {
	var ve *registry.ValidationError
	switch {
	case errors.As(err, &ve):
		c.AbortWithStatusJSON(http.StatusBadRequest, upload.ErrorResponse{Error: "validation failed", RequestID: requestid.Get(c), Fields: ve.Fields})
	case errors.Is(err, vault.ErrInvalidCapability):
		respondError(c, http.StatusUnauthorized, "invalid capability")
	case errors.Is(err, authz.ErrForbidden):
		respondError(c, http.StatusForbidden, "forbidden")
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, errFileNotFound):
		respondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, errConflict):
		respondError(c, http.StatusConflict, err.Error())
	case errors.Is(err, s3.ErrInvalidParts):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrConnectionVerification):
		respondError(c, http.StatusUnprocessableEntity, "bucket connection could not be verified")
	case errors.Is(err, vault.ErrDecryption):
		h.logger.Error("bucket credentials cannot be decrypted; check HERMES_MASTER_KEY", "error", err.Error(), "requestId", requestid.Get(c))
		respondError(c, http.StatusInternalServerError, "bucket credentials unavailable")
	case errors.Is(err, errStorage):
		h.logger.Error("storage request failed", "error", err.Error(), "requestId", requestid.Get(c))
		respondError(c, http.StatusBadGateway, "storage request failed")
	default:
		h.logger.Error("request failed", "error", err.Error(), "requestId", requestid.Get(c))
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}
