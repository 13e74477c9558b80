package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/arencloud/hermes-upload/internal/metrics"
	"github.com/arencloud/hermes-upload/internal/models"
	"github.com/arencloud/hermes-upload/internal/s3"
	"github.com/arencloud/hermes-upload/internal/upload"
	"github.com/arencloud/hermes-upload/internal/vault"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (h *handlers) registerFiles(r gin.IRouter) {
	g := r.Group("/files", requireCapability(h.vault, vault.ScopeUpload))
	g.POST("/presign", h.presign)
	g.POST("/complete", h.complete)
	g.POST("/multipart/initiate", h.initiateMultipart)
	g.POST("/multipart/presign", h.presignPart)
	g.POST("/multipart/complete", h.completeMultipart)
	g.POST("/multipart/abort", h.abortMultipart)
}

// bucketFor checks ?bucketId against the capability and opens its gateway.
// It writes the error response itself and returns ok=false on failure.
func (h *handlers) bucketFor(c *gin.Context) (models.BucketConfig, s3.Gateway, bool) {
	id, err := strconv.ParseUint(c.Query("bucketId"), 10, 32)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "invalid bucketId")
		return models.BucketConfig{}, nil, false
	}
	if !capabilityFrom(c).Allows(vault.ScopeUpload, uint(id)) {
		respondError(c, http.StatusForbidden, "capability does not cover this bucket")
		return models.BucketConfig{}, nil, false
	}
	ctx := c.Request.Context()
	b, err := h.registry.Get(ctx, uint(id))
	if err != nil {
		h.writeError(c, err)
		return models.BucketConfig{}, nil, false
	}
	gw, err := h.registry.Gateway(ctx, b)
	if err != nil {
		h.writeError(c, err)
		return models.BucketConfig{}, nil, false
	}
	return b, gw, true
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// finalURL is the CDN or path-style URL, or a presigned GET for private buckets
// without a CDN.
func (h *handlers) finalURL(ctx context.Context, b models.BucketConfig, gw s3.Gateway, key string) (string, error) {
	if b.IsPrivate && b.CDNURL == "" {
		u, err := gw.PresignGet(ctx, key)
		if err != nil {
			return "", storageErr(err)
		}
		return u, nil
	}
	return gw.ObjectURL(key), nil
}

func (h *handlers) presign(c *gin.Context) {
	var req upload.PresignRequest
	if !bind(c, &req) {
		return
	}
	b, gw, ok := h.bucketFor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	f := models.FileObject{ID: uuid.NewString(), BucketID: b.ID, FileName: req.FileName, ContentType: req.ContentType, Status: models.FileStatusPending}
	f.Key = objectKey(f.ID, req.FileName)

	uploadURL, err := gw.PresignPut(ctx, f.Key, req.ContentType)
	if err != nil {
		h.writeError(c, storageErr(err))
		return
	}
	final, err := h.finalURL(ctx, b, gw, f.Key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.files.create(ctx, &f); err != nil {
		h.writeError(c, err)
		return
	}
	metrics.UploadsStarted.WithLabelValues(upload.SinglePart.String()).Inc()
	c.JSON(http.StatusOK, upload.PresignResponse{UploadURL: uploadURL, FileID: f.ID, Key: f.Key, FinalURL: final})
}

// pendingFile loads fileID and checks it belongs to bucket b under key.
// A completed row is returned as is so callers can echo it.
func (h *handlers) pendingFile(ctx context.Context, b models.BucketConfig, fileID, key, uploadID string) (models.FileObject, error) {
	f, err := h.files.get(ctx, fileID)
	if err != nil {
		return models.FileObject{}, err
	}
	if f.BucketID != b.ID || f.Key != key || f.UploadID != uploadID {
		return models.FileObject{}, fmt.Errorf("file %s: %w", fileID, errConflict)
	}
	if f.Status == models.FileStatusAborted {
		return models.FileObject{}, fmt.Errorf("file %s was aborted: %w", fileID, errConflict)
	}
	return f, nil
}

func (h *handlers) finish(ctx context.Context, b models.BucketConfig, gw s3.Gateway, f *models.FileObject, size int64, contentType, fileName string) error {
	final, err := h.finalURL(ctx, b, gw, f.Key)
	if err != nil {
		return err
	}
	f.Status = models.FileStatusComplete
	f.FinalURL = final
	f.SizeBytes = size
	if contentType != "" {
		f.ContentType = contentType
	}
	if fileName != "" {
		f.FileName = fileName
	}
	return h.files.save(ctx, f)
}

func (h *handlers) complete(c *gin.Context) {
	var req upload.CompleteRequest
	if !bind(c, &req) {
		return
	}
	b, gw, ok := h.bucketFor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	f, err := h.pendingFile(ctx, b, req.FileID, req.Key, "")
	if err != nil {
		h.writeError(c, err)
		return
	}
	if f.Status == models.FileStatusComplete {
		c.JSON(http.StatusOK, upload.FinalizeResponse{FinalURL: f.FinalURL})
		return
	}
	if err := h.finish(ctx, b, gw, &f, req.SizeBytes, req.ContentType, req.FileName); err != nil {
		h.writeError(c, err)
		return
	}
	metrics.UploadsCompleted.WithLabelValues(upload.SinglePart.String()).Inc()
	metrics.UploadedBytes.Add(float64(req.SizeBytes))
	h.logger.Info("upload completed", "bucketId", b.ID, "fileId", f.ID, "key", f.Key, "size", req.SizeBytes)
	c.JSON(http.StatusOK, upload.FinalizeResponse{FinalURL: f.FinalURL})
}

func (h *handlers) initiateMultipart(c *gin.Context) {
	var req upload.InitiateRequest
	if !bind(c, &req) {
		return
	}
	b, gw, ok := h.bucketFor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	f := models.FileObject{ID: uuid.NewString(), BucketID: b.ID, FileName: req.FileName, ContentType: req.ContentType, Status: models.FileStatusPending}
	f.Key = objectKey(f.ID, req.FileName)

	uploadID, err := gw.InitiateMultipart(ctx, f.Key, req.ContentType)
	if err != nil {
		h.writeError(c, storageErr(err))
		return
	}
	f.UploadID = uploadID
	if err := h.files.create(ctx, &f); err != nil {
		h.writeError(c, err)
		return
	}
	metrics.UploadsStarted.WithLabelValues(upload.Multipart.String()).Inc()
	c.JSON(http.StatusOK, upload.InitiateResponse{FileID: f.ID, Key: f.Key, UploadID: uploadID})
}

func (h *handlers) presignPart(c *gin.Context) {
	var req upload.PartPresignRequest
	if !bind(c, &req) {
		return
	}
	b, gw, ok := h.bucketFor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	f, err := h.files.findUpload(ctx, b.ID, req.Key, req.UploadID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if f.Status != models.FileStatusPending {
		h.writeError(c, fmt.Errorf("upload %s is %s: %w", req.UploadID, f.Status, errConflict))
		return
	}
	u, err := gw.PresignPart(ctx, req.Key, req.UploadID, req.PartNumber)
	if err != nil {
		h.writeError(c, storageErr(err))
		return
	}
	metrics.PartsSigned.Inc()
	c.JSON(http.StatusOK, upload.PartPresignResponse{UploadURL: u})
}

func (h *handlers) completeMultipart(c *gin.Context) {
	var req upload.MultipartCompleteRequest
	if !bind(c, &req) {
		return
	}
	b, gw, ok := h.bucketFor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	f, err := h.pendingFile(ctx, b, req.FileID, req.Key, req.UploadID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if f.Status == models.FileStatusComplete {
		c.JSON(http.StatusOK, upload.FinalizeResponse{FinalURL: f.FinalURL})
		return
	}
	parts, err := s3.NormalizeParts(req.Parts)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := gw.CompleteMultipart(ctx, f.Key, f.UploadID, parts); err != nil {
		h.writeError(c, storageErr(err))
		return
	}
	if err := h.finish(ctx, b, gw, &f, req.SizeBytes, "", ""); err != nil {
		h.writeError(c, err)
		return
	}
	metrics.UploadsCompleted.WithLabelValues(upload.Multipart.String()).Inc()
	metrics.UploadedBytes.Add(float64(req.SizeBytes))
	h.logger.Info("multipart upload completed", "bucketId", b.ID, "fileId", f.ID, "key", f.Key, "parts", len(parts), "size", req.SizeBytes)
	c.JSON(http.StatusOK, upload.FinalizeResponse{FinalURL: f.FinalURL})
}

func (h *handlers) abortMultipart(c *gin.Context) {
	var req upload.AbortRequest
	if !bind(c, &req) {
		return
	}
	b, gw, ok := h.bucketFor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	f, err := h.files.findUpload(ctx, b.ID, req.Key, req.UploadID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if f.Status == models.FileStatusComplete {
		h.writeError(c, fmt.Errorf("upload %s already completed: %w", req.UploadID, errConflict))
		return
	}
	if f.Status != models.FileStatusAborted {
		if err := gw.AbortMultipart(ctx, f.Key, f.UploadID); err != nil {
			h.writeError(c, storageErr(err))
			return
		}
		f.Status = models.FileStatusAborted
		if err := h.files.save(ctx, &f); err != nil {
			h.writeError(c, err)
			return
		}
		metrics.UploadsAborted.Inc()
		h.logger.Info("multipart upload aborted", "bucketId", b.ID, "fileId", f.ID, "uploadId", f.UploadID)
	}
	c.Status(http.StatusNoContent)
}
