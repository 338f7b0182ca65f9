package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"makeover/internal/config"
	"net/http"
	"net/url"
	"strings"

	"github.com/tencentyun/cos-go-sdk-v5"
)

// NewCOSStorage 使用腾讯云 COS 归档。
func NewCOSStorage(cfg config.Config) (Storage, error) {
	baseURL := strings.TrimSpace(cfg.StorageCOSBucketURL)
	if baseURL == "" {
		return nil, errors.New("storage: missing COS bucket URL")
	}
	bucketURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse COS bucket URL: %w", err)
	}
	secretID := strings.TrimSpace(cfg.StorageCOSSecretID)
	secretKey := strings.TrimSpace(cfg.StorageCOSSecretKey)
	if secretID == "" || secretKey == "" {
		return nil, errors.New("storage: missing COS credentials")
	}

	client := cos.NewClient(&cos.BaseURL{BucketURL: bucketURL}, &http.Client{
		Transport: &cos.AuthorizationTransport{SecretID: secretID, SecretKey: secretKey},
	})
	return newArchive(TypeCOS, cfg.StorageCOSPrefix, &cosObjects{client: client}), nil
}

type cosObjects struct {
	client *cos.Client
}

func (s *cosObjects) exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.client.Object.Head(ctx, key, nil)
	closeBody(resp)
	if err == nil {
		return true, nil
	}
	if cos.IsNotFoundError(err) {
		return false, nil
	}
	return false, err
}

func (s *cosObjects) put(ctx context.Context, key string, data []byte, contentType string) error {
	resp, err := s.client.Object.Put(ctx, key, bytes.NewReader(data), &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{ContentType: contentType},
	})
	closeBody(resp)
	return err
}

func closeBody(resp *cos.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
