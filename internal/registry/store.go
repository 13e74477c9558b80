package registry

import (
	"context"
	"errors"
	"time"

	"github.com/arencloud/hermes-upload/internal/models"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("registry: bucket not found")

// Store is the persistence behind the registry. Get returns ErrNotFound for
// unknown ids.
type Store interface {
	Get(ctx context.Context, id uint) (models.BucketConfig, error)
	Create(ctx context.Context, b *models.BucketConfig) error
	UpdateUsage(ctx context.Context, id uint, usedBytes int64, at time.Time) error
	UpdateSecrets(ctx context.Context, id uint, accessEnc, secretEnc string) error
	List(ctx context.Context) ([]models.BucketConfig, error)
}

// GormStore keeps bucket rows in the s3_buckets table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(gdb *gorm.DB) *GormStore { return &GormStore{db: gdb} }

func (s *GormStore) Get(ctx context.Context, id uint) (models.BucketConfig, error) {
	var b models.BucketConfig
	if err := s.db.WithContext(ctx).First(&b, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.BucketConfig{}, ErrNotFound
		}
		return models.BucketConfig{}, err
	}
	return b, nil
}

func (s *GormStore) Create(ctx context.Context, b *models.BucketConfig) error {
	return s.db.WithContext(ctx).Create(b).Error
}

// UpdateUsage overwrites the usage columns only; concurrent admin edits to
// other columns are unaffected.
func (s *GormStore) UpdateUsage(ctx context.Context, id uint, usedBytes int64, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.BucketConfig{}).Where("id = ?", id).
		Updates(map[string]any{"storage_used_bytes": usedBytes, "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpdateSecrets(ctx context.Context, id uint, accessEnc, secretEnc string) error {
	res := s.db.WithContext(ctx).Model(&models.BucketConfig{}).Where("id = ?", id).
		Updates(map[string]any{"access_key_encrypted": accessEnc, "secret_key_encrypted": secretEnc, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) List(ctx context.Context) ([]models.BucketConfig, error) {
	var out []models.BucketConfig
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
