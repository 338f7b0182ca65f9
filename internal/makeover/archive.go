package makeover

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"makeover/internal/storage"
	"makeover/internal/utils"
)

const (
	archiveTimeout  = 2 * time.Minute
	downloadTimeout = 60 * time.Second
)

// archiver 将源图与结果图转存到 storage 后端。
type archiver struct {
	storage storage.Storage
	client  *http.Client
}

// saveSource 按内容哈希命名源图，同一张图只存一次。
func (a *archiver) saveSource(ctx context.Context, data []byte) (string, error) {
	if a.storage == nil || len(data) == 0 {
		return "", nil
	}
	ext := utils.ExtensionFromMime(http.DetectContentType(data))
	if ext == "" {
		ext = "jpg"
	}
	sum := md5.Sum(data)
	return a.storage.Save(ctx, data, storage.SaveOptions{
		Category:     storage.CategorySource,
		Extension:    ext,
		BaseName:     hex.EncodeToString(sum[:]),
		SkipIfExists: true,
	})
}

// saveResult 下载（或解码）结果图并以 projectID 命名保存。
func (a *archiver) saveResult(ctx context.Context, projectID, payload string) (string, error) {
	if a.storage == nil || strings.TrimSpace(payload) == "" {
		return "", nil
	}
	data, ext, err := a.resolve(ctx, payload)
	if err != nil {
		return "", err
	}
	return a.storage.Save(ctx, data, storage.SaveOptions{
		Category:  storage.CategoryResult,
		Extension: ext,
		BaseName:  projectID,
	})
}

// resolve 解析媒体数据（URL 或 base64）
func (a *archiver) resolve(ctx context.Context, payload string) ([]byte, string, error) {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		return utils.DecodeImagePayload(trimmed)
	}

	reqCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, trimmed, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	client := a.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download image http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}

	ext := utils.ExtensionFromMime(resp.Header.Get("Content-Type"))
	if ext == "" {
		ext = utils.ExtensionFromMime(http.DetectContentType(data))
	}
	if ext == "" {
		ext = "bin"
	}
	return data, ext, nil
}
