package dto

import (
	"fmt"
	"strings"

	"makeover/internal/entity/common"
	"makeover/internal/utils"
)

// MaxImagesPerRequest is the hard cap on requested images.
const MaxImagesPerRequest = 8

// Request defaults applied by Normalize.
const (
	DefaultModelID           = "flux1-dev-kontext_fp8_scaled"
	DefaultWidth             = 1024
	DefaultHeight            = 1024
	DefaultSteps             = 24
	DefaultGuidance          = 5.5
	DefaultSampler           = "euler"
	DefaultScheduler         = "simple"
	DefaultDenoisingStrength = 0.8
	DefaultOutputFormat      = "jpg"
	DefaultTokenType         = "spark"
)

// GenerationRequest is the input of one generation. Context images travel as
// data URLs or bare base64 on the wire.
type GenerationRequest struct {
	ClientAppID string `json:"clientAppId,omitempty"` // 客户端ID，SSE 多路推送使用

	ModelID        string `json:"modelId"`
	Prompt         string `json:"prompt" binding:"required"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	StylePrompt    string `json:"stylePrompt,omitempty"`

	ContextImages []string `json:"contextImages" binding:"required,min=1"`

	Width             int     `json:"width,omitempty"`
	Height            int     `json:"height,omitempty"`
	Sampler           string  `json:"sampler,omitempty"`
	Scheduler         string  `json:"scheduler,omitempty"`
	Guidance          float64 `json:"guidance,omitempty"`
	Steps             int     `json:"steps,omitempty"`
	DenoisingStrength float64 `json:"denoisingStrength,omitempty"`
	NumberOfImages    int     `json:"numberOfImages,omitempty"`
	OutputFormat      string  `json:"outputFormat,omitempty"`
	TokenType         string  `json:"tokenType,omitempty"`
}

// Normalize fills defaults and clamps the image count into 1..max. A max of
// zero or less uses MaxImagesPerRequest.
func (r GenerationRequest) Normalize(max int) GenerationRequest {
	if max <= 0 || max > MaxImagesPerRequest {
		max = MaxImagesPerRequest
	}
	r.ModelID = strings.TrimSpace(r.ModelID)
	if r.ModelID == "" {
		r.ModelID = DefaultModelID
	}
	if r.Width <= 0 {
		r.Width = DefaultWidth
	}
	if r.Height <= 0 {
		r.Height = DefaultHeight
	}
	if r.Steps <= 0 {
		r.Steps = DefaultSteps
	}
	if r.Guidance <= 0 {
		r.Guidance = DefaultGuidance
	}
	if r.Sampler == "" {
		r.Sampler = DefaultSampler
	}
	if r.Scheduler == "" {
		r.Scheduler = DefaultScheduler
	}
	if r.DenoisingStrength <= 0 || r.DenoisingStrength > 1 {
		r.DenoisingStrength = DefaultDenoisingStrength
	}
	if r.OutputFormat == "" {
		r.OutputFormat = DefaultOutputFormat
	}
	if r.TokenType == "" {
		r.TokenType = DefaultTokenType
	}
	switch {
	case r.NumberOfImages < 1:
		r.NumberOfImages = 1
	case r.NumberOfImages > max:
		r.NumberOfImages = max
	}
	r.ContextImages = append([]string(nil), r.ContextImages...)
	return r
}

// DecodeContextImages returns the raw bytes of every context image.
func (r GenerationRequest) DecodeContextImages() ([][]byte, error) {
	if len(r.ContextImages) == 0 {
		return nil, fmt.Errorf("at least one context image is required")
	}
	out := make([][]byte, 0, len(r.ContextImages))
	for i, payload := range r.ContextImages {
		data, _, err := utils.DecodeImagePayload(payload)
		if err != nil {
			return nil, fmt.Errorf("context image %d: %w", i, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// GenerateResponse is returned by the generate endpoint.
type GenerateResponse struct {
	Status      string `json:"status"`
	ProjectID   string `json:"projectId"`
	ClientAppID string `json:"clientAppId"`
}

// CostEstimateResponse is returned by the estimate-cost endpoint.
type CostEstimateResponse struct {
	Token float64 `json:"token"`
	USD   float64 `json:"usd"`
}

// DisconnectRequest is the body of the disconnect endpoint.
type DisconnectRequest struct {
	ClientAppID string `json:"clientAppId" binding:"required"`
}

// ProjectQuery filters the project listing.
type ProjectQuery struct {
	common.BaseParams
	ClientAppID string `json:"client_app_id" form:"client_app_id"`
	Status      string `json:"status" form:"status"`
}
