package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"makeover/internal/entity"
	"makeover/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProjectItem 是项目列表中的一项
type ProjectItem struct {
	ID              string     `json:"id"`
	VendorProjectID string     `json:"vendorProjectId,omitempty"`
	ClientAppID     string     `json:"clientAppId"`
	ModelID         string     `json:"modelId"`
	Prompt          string     `json:"prompt"`
	ImageCount      int        `json:"imageCount"`
	Status          string     `json:"status"`
	ErrorCode       string     `json:"errorCode,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	ResultURLs      []string   `json:"resultUrls"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// ProjectListResponse 项目列表响应
type ProjectListResponse struct {
	Projects []ProjectItem `json:"projects"`
	Meta     *entity.Meta  `json:"meta"`
}

func (h *HTTPHandler) makeProjectItem(p entity.DbProject) ProjectItem {
	urls := make([]string, 0, len(p.ResultURLs))
	for _, u := range p.ResultURLs {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			urls = append(urls, storage.PublicURL(h.storagePublicBase, trimmed))
		}
	}
	return ProjectItem{
		ID:              p.ID,
		VendorProjectID: p.VendorProjectID,
		ClientAppID:     p.ClientAppID,
		ModelID:         p.ModelID,
		Prompt:          p.Prompt,
		ImageCount:      p.ImageCount,
		Status:          p.Status,
		ErrorCode:       p.ErrorCode,
		ErrorMessage:    p.ErrorMessage,
		ResultURLs:      urls,
		CreatedAt:       p.CreatedAt,
		CompletedAt:     p.CompletedAt,
	}
}

// ListProjects 分页列出项目记录
func (h *HTTPHandler) ListProjects(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusOK, ProjectListResponse{Projects: []ProjectItem{}, Meta: &entity.Meta{Page: 1, PageSize: 0, Total: 0}})
		return
	}

	var params entity.ProjectQuery
	if err := c.ShouldBindQuery(&params); err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "invalid query parameters")
		return
	}
	if params.ClientAppID == "" {
		params.ClientAppID = strings.TrimSpace(c.Query("clientAppId"))
	}

	params.BaseParams = params.BaseParams.Normalize()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	projects, meta, err := h.repo.ListProjects(ctx, &params)
	if err != nil {
		logrus.WithError(err).Error("failed to list projects")
		InternalError(c, "failed to load projects")
		return
	}

	items := make([]ProjectItem, 0, len(projects))
	for _, p := range projects {
		items = append(items, h.makeProjectItem(p))
	}
	if meta == nil {
		meta = &entity.Meta{Page: params.Page, PageSize: params.PageSize, Total: int64(len(items))}
	}

	c.JSON(http.StatusOK, ProjectListResponse{Projects: items, Meta: meta})
}

// GetProject 查询单个项目
func (h *HTTPHandler) GetProject(c *gin.Context) {
	if h.repo == nil {
		ServiceUnavailable(c, "project store not configured")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	project, err := h.repo.GetProject(ctx, strings.TrimSpace(c.Param("projectId")))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, ErrCodeProjectNotFound, "project not found")
			return
		}
		logrus.WithError(err).Error("failed to load project")
		InternalError(c, "failed to load project")
		return
	}
	c.JSON(http.StatusOK, h.makeProjectItem(*project))
}
