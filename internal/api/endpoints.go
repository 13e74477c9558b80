package api

import (
	"net/http"
	"time"

	"github.com/arencloud/hermes-upload/internal/registry"
	"github.com/arencloud/hermes-upload/internal/upload"
	"github.com/arencloud/hermes-upload/internal/vault"
	"github.com/arencloud/hermes-upload/internal/version"

	"github.com/gin-gonic/gin"
)

var appStart = time.Now()

func (h *handlers) registerAPI(r gin.IRouter) {
	r.POST("/capabilities", requireAdminKey(h.cfg.AdminAPIKey), h.issueCapability)
	h.registerBuckets(r)
}

// issueCapability mints a short-lived token. Upload capabilities are only
// issued for registered buckets.
func (h *handlers) issueCapability(c *gin.Context) {
	var req upload.CapabilityRequest
	if !bind(c, &req) {
		return
	}
	if req.Scope == "" {
		req.Scope = vault.ScopeUpload
	}
	if req.Subject == "" {
		req.Subject = "api-key"
	}
	if req.BucketID != 0 {
		if _, err := h.registry.Get(c.Request.Context(), req.BucketID); err != nil {
			h.writeError(c, err)
			return
		}
	}
	tok, exp, err := h.vault.IssueCapability(req.Subject, req.Scope, req.BucketID)
	if err != nil {
		h.writeError(c, &registry.ValidationError{Fields: map[string]string{"bucketId": err.Error()}})
		return
	}
	h.logger.Info("capability issued", "subject", req.Subject, "scope", req.Scope, "bucketId", req.BucketID)
	c.JSON(http.StatusCreated, upload.CapabilityResponse{Token: tok, Scope: req.Scope, BucketID: req.BucketID, ExpiresAt: exp})
}

func health(c *gin.Context) { c.String(http.StatusOK, "ok") }

func versionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":      "hermes-upload",
		"version":   version.Version,
		"startedAt": appStart.Format(time.RFC3339),
		"uptime":    time.Since(appStart).Round(time.Second).String(),
	})
}
