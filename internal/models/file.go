package models

import "time"

const (
	FileStatusPending  = "pending"
	FileStatusComplete = "complete"
	FileStatusAborted  = "aborted"
)

// FileObject is the broker's catalog row for one uploaded object.
type FileObject struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	BucketID    uint      `gorm:"index;not null" json:"bucketId"`
	Key         string    `gorm:"not null" json:"key"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	UploadID    string    `json:"uploadId,omitempty"`
	Status      string    `gorm:"index" json:"status"`
	FinalURL    string    `json:"finalUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (FileObject) TableName() string { return "files" }
