package sql

import (
	"context"
	"errors"
	"fmt"
	"makeover/internal/entity"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetSetting returns the stored value and whether the key exists.
func (r *GormRepository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if r == nil || r.db == nil {
		return "", false, fmt.Errorf("repository not initialised")
	}
	if strings.TrimSpace(key) == "" {
		return "", false, fmt.Errorf("setting key is required")
	}

	var setting entity.DbSetting
	err := r.db.WithContext(ctx).Where(&entity.DbSetting{Key: key}).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load setting %q: %w", key, err)
	}
	return setting.Value, true, nil
}

// SetSetting upserts a key.
func (r *GormRepository) SetSetting(ctx context.Context, key, value string) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("setting key is required")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entity.DbSetting{Key: key, Value: value}).Error
}

// DeleteSetting removes a key; missing keys are not an error.
func (r *GormRepository) DeleteSetting(ctx context.Context, key string) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("setting key is required")
	}
	return r.db.WithContext(ctx).Where(&entity.DbSetting{Key: key}).Delete(&entity.DbSetting{}).Error
}
