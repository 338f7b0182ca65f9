package api

import (
	"errors"
	"net/http"
	"strings"

	"makeover/internal/entity/dto"
	"makeover/internal/events"
	"makeover/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"
)

// clientStreamID 是 /api/progress/:projectId 下的多路客户端流
const clientStreamID = "client"

func (h *HTTPHandler) bindGenerationRequest(c *gin.Context) (dto.GenerationRequest, bool) {
	var request dto.GenerationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		switch {
		case strings.TrimSpace(request.Prompt) == "":
			MissingField(c, "prompt")
		case len(request.ContextImages) == 0:
			MissingField(c, "contextImages")
		default:
			InvalidPayload(c)
		}
		return request, false
	}
	request.Prompt = strings.TrimSpace(request.Prompt)
	if request.Prompt == "" {
		MissingField(c, "prompt")
		return request, false
	}
	if _, err := request.DecodeContextImages(); err != nil {
		BadRequest(c, ErrCodeInvalidImage, err.Error())
		return request, false
	}
	return request, true
}

// Generate 创建生成项目，结果通过 SSE 推送
func (h *HTTPHandler) Generate(c *gin.Context) {
	request, ok := h.bindGenerationRequest(c)
	if !ok {
		return
	}

	resp, err := h.relay.Generate(c.Request.Context(), strings.TrimSpace(request.ClientAppID), request)
	if err != nil {
		logrus.WithError(err).WithField("client_app_id", request.ClientAppID).Error("failed to start generation")
		GenerationError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// StreamProgress 推送单个项目的事件，projectId 为 client 时推送客户端的全部项目
func (h *HTTPHandler) StreamProgress(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("projectId"))
	if projectID == clientStreamID {
		h.streamClient(c)
		return
	}

	stream, err := h.relay.SubscribeProject(c.Request.Context(), projectID)
	if err != nil {
		if errors.Is(err, relay.ErrProjectNotFound) {
			NotFound(c, ErrCodeProjectNotFound, "project not found")
			return
		}
		InternalError(c, "failed to subscribe to project")
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"project_id": projectID,
		"stream":     "project",
	})
	connected := events.Event{Type: events.TypeConnected, ProjectID: projectID}
	h.serveStream(c, stream, connected, true, log)
}

func (h *HTTPHandler) streamClient(c *gin.Context) {
	clientAppID := strings.TrimSpace(c.Query("clientAppId"))
	if clientAppID == "" {
		MissingField(c, "clientAppId")
		return
	}

	stream, err := h.relay.SubscribeClient(c.Request.Context(), clientAppID)
	if err != nil {
		InternalError(c, "failed to subscribe to client stream")
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"client_app_id": clientAppID,
		"stream":        "client",
	})
	h.serveStream(c, stream, events.Event{Type: events.TypeConnected}, false, log)
}

// CancelProject 取消进行中的项目
func (h *HTTPHandler) CancelProject(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("projectId"))
	if err := h.relay.Cancel(c.Request.Context(), projectID); err != nil {
		GenerationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "projectId": projectID})
}

// EstimateCost 估算生成费用
func (h *HTTPHandler) EstimateCost(c *gin.Context) {
	request, ok := h.bindGenerationRequest(c)
	if !ok {
		return
	}
	estimate, err := h.relay.EstimateCost(c.Request.Context(), request)
	if err != nil {
		logrus.WithError(err).Warn("failed to estimate cost")
		GenerationError(c, err)
		return
	}
	c.JSON(http.StatusOK, estimate)
}

// Disconnect 客户端离开页面时调用，sendBeacon 发送的 text/plain 也按 JSON 解析
func (h *HTTPHandler) Disconnect(c *gin.Context) {
	var request dto.DisconnectRequest
	if err := c.ShouldBindWith(&request, binding.JSON); err != nil {
		MissingField(c, "clientAppId")
		return
	}
	status := "ignored"
	if h.relay.Disconnect(strings.TrimSpace(request.ClientAppID)) {
		status = "disconnected"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
