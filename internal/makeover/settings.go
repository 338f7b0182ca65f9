package makeover

import (
	"context"
	"errors"
	"strings"

	"makeover/internal/entity/dto"
	"makeover/internal/utils"
)

// Settings 是用户保存的生成参数，零值字段使用服务端默认值。
type Settings struct {
	ModelID           string  `json:"modelId,omitempty"`
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

// LoadSettings 读取已保存的设置，未保存时返回零值。
func LoadSettings(ctx context.Context, store Store) (Settings, error) {
	var s Settings
	if store == nil {
		return s, nil
	}
	_, err := loadJSON(ctx, store, KeySettings, &s)
	return s, err
}

// SaveSettings 覆盖保存设置。
func SaveSettings(ctx context.Context, store Store, s Settings) error {
	if store == nil {
		return errNilStore
	}
	return saveJSON(ctx, store, KeySettings, s)
}

var errEmptySource = errors.New("source image is empty")

// BuildRequest 由风格描述、设置和源图组装生成请求。
func BuildRequest(t dto.Transformation, s Settings, source []byte) (dto.GenerationRequest, error) {
	if len(source) == 0 {
		return dto.GenerationRequest{}, errEmptySource
	}
	prompt := strings.TrimSpace(t.Prompt)
	if prompt == "" {
		return dto.GenerationRequest{}, errors.New("transformation has no prompt")
	}

	req := dto.GenerationRequest{
		ModelID:           s.ModelID,
		Prompt:            prompt,
		NegativePrompt:    strings.TrimSpace(t.NegativePrompt),
		StylePrompt:       strings.TrimSpace(t.StylePrompt),
		ContextImages:     []string{utils.EncodeDataURL(source)},
		Width:             s.Width,
		Height:            s.Height,
		Sampler:           s.Sampler,
		Scheduler:         s.Scheduler,
		Guidance:          s.Guidance,
		Steps:             s.Steps,
		DenoisingStrength: s.DenoisingStrength,
		NumberOfImages:    s.NumberOfImages,
		OutputFormat:      s.OutputFormat,
		TokenType:         s.TokenType,
	}
	return req.Normalize(0), nil
}
