package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"makeover/internal/config"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// NewOSSStorage 使用阿里云 OSS 归档。
func NewOSSStorage(cfg config.Config) (Storage, error) {
	endpoint := strings.TrimSpace(cfg.StorageOSSEndpoint)
	bucketName := strings.TrimSpace(cfg.StorageOSSBucket)
	accessKey := strings.TrimSpace(cfg.StorageOSSAccessKeyID)
	secretKey := strings.TrimSpace(cfg.StorageOSSAccessKeySecret)
	switch {
	case endpoint == "":
		return nil, errors.New("storage: missing OSS endpoint")
	case bucketName == "":
		return nil, errors.New("storage: missing OSS bucket")
	case accessKey == "" || secretKey == "":
		return nil, errors.New("storage: missing OSS credentials")
	}

	client, err := oss.New(endpoint, accessKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("storage: create OSS client: %w", err)
	}
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("storage: open OSS bucket: %w", err)
	}
	return newArchive(TypeOSS, cfg.StorageOSSPrefix, &ossObjects{bucket: bucket}), nil
}

type ossObjects struct {
	bucket *oss.Bucket
}

func (s *ossObjects) exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.IsObjectExist(key, oss.WithContext(ctx))
}

func (s *ossObjects) put(ctx context.Context, key string, data []byte, contentType string) error {
	return s.bucket.PutObject(key, bytes.NewReader(data), oss.WithContext(ctx), oss.ContentType(contentType))
}
