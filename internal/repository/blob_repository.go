package repository

import (
	"context"
	"errors"
	"strings"

	"echo-vault/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlobRepository blob store backed by a SQL table
type BlobRepository struct {
	db *gorm.DB
}

// NewBlobRepository creates a new BlobRepository instance
func NewBlobRepository(db *gorm.DB) *BlobRepository {
	return &BlobRepository{db: db}
}

// Get returns ok=false when key does not exist
func (r *BlobRepository) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var blob models.Blob
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob.Value, true, nil
}

// Put upserts value under key
func (r *BlobRepository) Put(ctx context.Context, key string, value []byte) error {
	blob := &models.Blob{Key: key, Value: value}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(blob).Error
}

// List keys starting with prefix, sorted
func (r *BlobRepository) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.db.WithContext(ctx).
		Model(&models.Blob{}).
		Where("key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
