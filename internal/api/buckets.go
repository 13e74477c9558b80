package api

import (
	"net/http"
	"strconv"

	"github.com/arencloud/hermes-upload/internal/registry"
	"github.com/arencloud/hermes-upload/internal/upload"
	"github.com/arencloud/hermes-upload/internal/vault"

	"github.com/gin-gonic/gin"
)

type rotateSecretsRequest struct {
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
}

func (h *handlers) registerBuckets(r gin.IRouter) {
	g := r.Group("/buckets", requireCapability(h.vault, vault.ScopeAdmin))
	g.GET("", h.listBuckets)
	g.POST("", h.createBucket)
	g.PUT("/:id/secrets", h.rotateSecrets)
	g.POST("/refresh", h.refreshUsage)
	g.POST("/test", h.testConnections)
}

func (h *handlers) listBuckets(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	items, err := h.registry.List(c.Request.Context(), grantFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *handlers) createBucket(c *gin.Context) {
	var d registry.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	b, err := h.registry.RegisterBucket(c.Request.Context(), grantFrom(c), d)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *handlers) rotateSecrets(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "invalid bucket id")
		return
	}
	var req rotateSecretsRequest
	if !bind(c, &req) {
		return
	}
	b, err := h.registry.RotateSecrets(c.Request.Context(), grantFrom(c), uint(id), req.AccessKey, req.SecretKey)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *handlers) refreshUsage(c *gin.Context) {
	var req upload.BucketIDsRequest
	if !bind(c, &req) {
		return
	}
	snaps, err := h.accountant.Refresh(c.Request.Context(), grantFrom(c), req.BucketIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}

func (h *handlers) testConnections(c *gin.Context) {
	var req upload.BucketIDsRequest
	if !bind(c, &req) {
		return
	}
	c.Header("Cache-Control", "no-store")
	statuses, err := h.accountant.TestConnections(c.Request.Context(), grantFrom(c), req.BucketIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}
