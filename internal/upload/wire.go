package upload

import (
	"time"

	"github.com/arencloud/hermes-upload/internal/s3"
)

// Broker wire types. The same structs are bound by the broker handlers.

type PresignRequest struct {
	FileName    string `json:"fileName" binding:"required,max=255"`
	ContentType string `json:"contentType" binding:"max=255"`
}

type PresignResponse struct {
	UploadURL string `json:"uploadUrl"`
	FileID    string `json:"fileId"`
	Key       string `json:"key"`
	FinalURL  string `json:"finalUrl"`
}

type CompleteRequest struct {
	FileID      string `json:"fileId" binding:"required"`
	Key         string `json:"key" binding:"required"`
	FileName    string `json:"fileName"`
	SizeBytes   int64  `json:"sizeBytes" binding:"gte=0"`
	ContentType string `json:"contentType"`
}

type FinalizeResponse struct {
	FinalURL string `json:"finalUrl"`
}

type InitiateRequest struct {
	FileName    string `json:"fileName" binding:"required,max=255"`
	ContentType string `json:"contentType" binding:"max=255"`
}

type InitiateResponse struct {
	FileID   string `json:"fileId"`
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

type PartPresignRequest struct {
	Key        string `json:"key" binding:"required"`
	UploadID   string `json:"uploadId" binding:"required"`
	PartNumber int32  `json:"partNumber" binding:"required,min=1,max=10000"`
}

type PartPresignResponse struct {
	UploadURL string `json:"uploadUrl"`
}

type MultipartCompleteRequest struct {
	FileID    string             `json:"fileId" binding:"required"`
	Key       string             `json:"key" binding:"required"`
	UploadID  string             `json:"uploadId" binding:"required"`
	Parts     []s3.CompletedPart `json:"parts" binding:"required,min=1"`
	SizeBytes int64              `json:"sizeBytes" binding:"gte=0"`
}

type AbortRequest struct {
	FileID   string `json:"fileId"`
	Key      string `json:"key" binding:"required"`
	UploadID string `json:"uploadId" binding:"required"`
}

// ErrorResponse is the body of every non-2xx broker response.
type ErrorResponse struct {
	Error     string            `json:"error"`
	RequestID string            `json:"requestId,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type CapabilityRequest struct {
	BucketID uint   `json:"bucketId"`
	Scope    string `json:"scope" binding:"omitempty,oneof=upload admin"`
	Subject  string `json:"subject" binding:"max=128"`
}

type CapabilityResponse struct {
	Token     string    `json:"token"`
	Scope     string    `json:"scope"`
	BucketID  uint      `json:"bucketId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BucketIDsRequest names the buckets for a usage refresh or connection test.
type BucketIDsRequest struct {
	BucketIDs []uint `json:"bucketIds" binding:"required,min=1,max=500"`
}
