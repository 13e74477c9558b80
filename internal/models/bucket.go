package models

import "time"

// BucketConfig is one registered storage bucket (table s3_buckets).
// The access/secret key columns only ever hold vault ciphertexts and are
// never serialised.
type BucketConfig struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Name               string    `gorm:"not null" json:"name"`
	Provider           string    `json:"provider"` // aws|r2|minio|synology|generic
	Region             string    `json:"region"`
	Endpoint           string    `json:"endpoint"`
	AccessKeyEncrypted string    `gorm:"column:access_key_encrypted;not null" json:"-"`
	SecretKeyEncrypted string    `gorm:"column:secret_key_encrypted;not null" json:"-"`
	TotalCapacityGB    float64   `gorm:"column:total_capacity_gb" json:"totalCapacityGB"`
	StorageUsedBytes   int64     `gorm:"column:storage_used_bytes" json:"storageUsedBytes"`
	IsPrivate          bool      `gorm:"column:is_private" json:"private"`
	CDNURL             string    `gorm:"column:cdn_url" json:"cdnUrl,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (BucketConfig) TableName() string { return "s3_buckets" }
