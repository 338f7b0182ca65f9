package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"makeover/internal/config"
	"makeover/internal/entity/dto"
	"makeover/internal/model"
	"makeover/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultHeartbeat = 15 * time.Second

// Relay 是 HTTP 层依赖的中继能力
type Relay interface {
	Generate(ctx context.Context, clientAppID string, req dto.GenerationRequest) (dto.GenerateResponse, error)
	SubscribeProject(ctx context.Context, projectID string) (*relay.Stream, error)
	SubscribeClient(ctx context.Context, clientAppID string) (*relay.Stream, error)
	Cancel(ctx context.Context, projectID string) error
	EstimateCost(ctx context.Context, req dto.GenerationRequest) (dto.CostEstimateResponse, error)
	Disconnect(clientAppID string) bool
	ActiveProjects() int
}

// HTTPHandler HTTP 请求处理器
type HTTPHandler struct {
	cfg               config.Config
	relay             Relay
	repo              model.Repository
	storagePublicBase string
	heartbeat         time.Duration
}

// NewHTTPHandler 创建 HTTP 处理器实例，repo 可以为 nil
func NewHTTPHandler(cfg config.Config, r Relay, repo model.Repository) *HTTPHandler {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &HTTPHandler{
		cfg:               cfg,
		relay:             r,
		repo:              repo,
		storagePublicBase: normalisePublicBase(cfg.StoragePublicBaseURL),
		heartbeat:         heartbeat,
	}
}

// RegisterRoutes 注册中继的全部路由
func (h *HTTPHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")
	apiGroup.POST("/generate", h.Generate)
	apiGroup.GET("/progress/:projectId", h.StreamProgress)
	apiGroup.POST("/cancel/:projectId", h.CancelProject)
	apiGroup.POST("/estimate-cost", h.EstimateCost)
	apiGroup.POST("/disconnect", h.Disconnect)
	apiGroup.GET("/projects", h.ListProjects)
	apiGroup.GET("/projects/:projectId", h.GetProject)
}

// Health 健康检查
func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"activeProjects": h.relay.ActiveProjects(),
	})
}

// normalisePublicBase 规范化公共 URL 基础路径
func normalisePublicBase(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = "/files"
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return strings.TrimRight(trimmed, "/")
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}
