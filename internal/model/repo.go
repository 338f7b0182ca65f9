package model

import (
	"context"
	"makeover/internal/entity"
)

// Repository 定义数据库操作接口
type Repository interface {
	// 生成项目
	CreateProject(ctx context.Context, project *entity.DbProject) error
	FinishProject(ctx context.Context, id string, outcome entity.ProjectOutcome) error
	GetProject(ctx context.Context, id string) (*entity.DbProject, error)
	ListProjects(ctx context.Context, params *entity.ProjectQuery) ([]entity.DbProject, *entity.Meta, error)

	// 设置与历史（键值）
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error

	Close() error
}
