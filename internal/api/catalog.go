package api

import (
	"context"
	"errors"
	"path"
	"strings"
	"unicode"

	"github.com/arencloud/hermes-upload/internal/models"

	"gorm.io/gorm"
)

var errFileNotFound = errors.New("file not found")

// fileCatalog records every upload the broker signed, from first signature
// to completion.
type fileCatalog struct {
	db *gorm.DB
}

func (fc *fileCatalog) create(ctx context.Context, f *models.FileObject) error {
	return fc.db.WithContext(ctx).Create(f).Error
}

func (fc *fileCatalog) get(ctx context.Context, id string) (models.FileObject, error) {
	var f models.FileObject
	if err := fc.db.WithContext(ctx).First(&f, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.FileObject{}, errFileNotFound
		}
		return models.FileObject{}, err
	}
	return f, nil
}

// findUpload looks a multipart session up by its storage coordinates.
func (fc *fileCatalog) findUpload(ctx context.Context, bucketID uint, key, uploadID string) (models.FileObject, error) {
	var f models.FileObject
	err := fc.db.WithContext(ctx).
		Where("bucket_id = ? AND key = ? AND upload_id = ?", bucketID, key, uploadID).
		First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.FileObject{}, errFileNotFound
		}
		return models.FileObject{}, err
	}
	return f, nil
}

func (fc *fileCatalog) save(ctx context.Context, f *models.FileObject) error {
	return fc.db.WithContext(ctx).Save(f).Error
}

// objectKey is uploads/<fileId>/<sanitised file name>.
func objectKey(fileID, fileName string) string {
	return "uploads/" + fileID + "/" + sanitizeFileName(fileName)
}

func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > 200 {
		out = out[len(out)-200:]
	}
	if out == "" {
		return "file"
	}
	return out
}
