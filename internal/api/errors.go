package api

import (
	"context"
	"errors"
	"net/http"

	"makeover/internal/relay"
	"makeover/internal/vendor"

	"github.com/gin-gonic/gin"
)

// 错误码定义
const (
	// 通用错误码
	ErrCodeInvalidRequest     = "ERR_INVALID_REQUEST"
	ErrCodeNotFound           = "ERR_NOT_FOUND"
	ErrCodeInternalError      = "ERR_INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "ERR_SERVICE_UNAVAILABLE"
	ErrCodeMissingField       = "ERR_MISSING_FIELD"

	// 生成相关错误码
	ErrCodeInvalidImage      = "ERR_INVALID_IMAGE"
	ErrCodeProjectNotFound   = "ERR_PROJECT_NOT_FOUND"
	ErrCodeInsufficientFunds = "ERR_INSUFFICIENT_FUNDS"
	ErrCodeVendorAuth        = "ERR_VENDOR_AUTH"
	ErrCodeVendorTimeout     = "ERR_VENDOR_TIMEOUT"
	ErrCodeGenerationFailed  = "ERR_GENERATION_FAILED"
)

// APIError 统一的 API 错误响应结构
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse 返回统一格式的错误响应
func ErrorResponse(c *gin.Context, status int, code string, message string) {
	c.JSON(status, APIError{
		Code:    code,
		Message: message,
	})
}

// ErrorResponseWithDetails 返回带详情的错误响应
func ErrorResponseWithDetails(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, APIError{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// BadRequest 400 错误请求
func BadRequest(c *gin.Context, code string, message string) {
	ErrorResponse(c, http.StatusBadRequest, code, message)
}

// NotFound 404 资源不存在
func NotFound(c *gin.Context, code string, message string) {
	ErrorResponse(c, http.StatusNotFound, code, message)
}

// InternalError 500 服务器内部错误
func InternalError(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ServiceUnavailable 503 服务不可用
func ServiceUnavailable(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message)
}

// MissingField 缺少必填字段
func MissingField(c *gin.Context, field string) {
	ErrorResponseWithDetails(c, http.StatusBadRequest, ErrCodeMissingField, field+" is required", gin.H{"field": field})
}

// InvalidPayload 无效的请求体
func InvalidPayload(c *gin.Context) {
	ErrorResponse(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request payload")
}

// GenerationError 将中继/vendor 错误映射为 HTTP 响应
func GenerationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relay.ErrProjectNotFound):
		NotFound(c, ErrCodeProjectNotFound, "project not found")
	case vendor.IsInsufficientFunds(err):
		ErrorResponse(c, http.StatusPaymentRequired, ErrCodeInsufficientFunds,
			vendor.UserMessage(vendor.ErrorCodeInsufficientFunds, err))
	case vendor.IsAuthError(err):
		ErrorResponse(c, http.StatusBadGateway, ErrCodeVendorAuth,
			vendor.UserMessage(vendor.ErrorCodeAuth, err))
	case errors.Is(err, context.DeadlineExceeded):
		ErrorResponse(c, http.StatusGatewayTimeout, ErrCodeVendorTimeout, "generation service timed out")
	default:
		ErrorResponseWithDetails(c, http.StatusBadGateway, ErrCodeGenerationFailed, "generation failed",
			gin.H{"errorCode": vendor.ErrorCode(err)})
	}
}
