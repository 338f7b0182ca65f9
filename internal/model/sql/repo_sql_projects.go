package sql

import (
	"context"
	"errors"
	"fmt"
	"makeover/internal/entity"
	"strings"

	"gorm.io/gorm"
)

// CreateProject inserts a new project row.
func (r *GormRepository) CreateProject(ctx context.Context, project *entity.DbProject) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if project == nil {
		return fmt.Errorf("project is nil")
	}
	if strings.TrimSpace(project.ID) == "" {
		return fmt.Errorf("invalid project id")
	}
	return r.db.WithContext(ctx).Create(project).Error
}

// FinishProject writes the terminal outcome of a project.
func (r *GormRepository) FinishProject(ctx context.Context, id string, outcome entity.ProjectOutcome) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("invalid project id")
	}

	updates := map[string]interface{}{
		"status":        outcome.Status,
		"error_code":    outcome.ErrorCode,
		"error_message": outcome.ErrorMessage,
		"result_urls":   entity.StringArray(outcome.ResultURLs),
		"completed_at":  outcome.CompletedAt,
	}
	if outcome.VendorProjectID != "" {
		updates["vendor_project_id"] = outcome.VendorProjectID
	}

	result := r.db.WithContext(ctx).Model(&entity.DbProject{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetProject loads one project by its local id.
func (r *GormRepository) GetProject(ctx context.Context, id string) (*entity.DbProject, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}

	var project entity.DbProject
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return &project, nil
}

// ListProjects retrieves paginated projects, newest first.
func (r *GormRepository) ListProjects(ctx context.Context, params *entity.ProjectQuery) ([]entity.DbProject, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbProject{})
	if params != nil {
		if trimmed := strings.TrimSpace(params.ClientAppID); trimmed != "" {
			query = query.Where("client_app_id = ?", trimmed)
		}
		if trimmed := strings.ToLower(strings.TrimSpace(params.Status)); trimmed != "" && trimmed != "all" {
			query = query.Where("status = ?", trimmed)
		}
	}

	var totalCount int64
	if err := query.Count(&totalCount).Error; err != nil {
		return nil, nil, err
	}

	var base entity.BaseParams
	if params != nil {
		base = params.BaseParams
	}
	page, meta := paginate(base, totalCount)

	var projects []entity.DbProject
	if err := query.Order(projectOrder(params)).Offset(int(page.Offset())).Limit(int(page.PageSize)).Find(&projects).Error; err != nil {
		return nil, nil, err
	}

	return projects, meta, nil
}

// 允许排序的列
var projectSortColumns = map[string]string{
	"created_at":   "created_at",
	"updated_at":   "updated_at",
	"completed_at": "completed_at",
	"status":       "status",
}

// projectOrder 默认按创建时间倒序，未知列回退到默认值
func projectOrder(params *entity.ProjectQuery) string {
	if params == nil {
		return "created_at DESC, id DESC"
	}
	column, ok := projectSortColumns[strings.ToLower(strings.TrimSpace(params.SortBy))]
	if !ok {
		return "created_at DESC, id DESC"
	}
	if params.SortDesc {
		return column + " DESC, id DESC"
	}
	return column + " ASC, id ASC"
}
