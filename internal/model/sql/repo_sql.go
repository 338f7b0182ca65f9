package sql

import (
	"makeover/internal/entity"

	"gorm.io/gorm"
)

// GormRepository implements Repository using GORM
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a new repository instance
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Close 释放底层连接池
func (r *GormRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// paginate 规整分页参数并给出返回用的 Meta
func paginate(params entity.BaseParams, total int64) (entity.BaseParams, *entity.Meta) {
	params = params.Normalize()
	return params, &entity.Meta{Total: total, Page: params.Page, PageSize: params.PageSize}
}
