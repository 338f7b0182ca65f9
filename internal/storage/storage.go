package storage

import (
	"context"
	"errors"
	"fmt"
	"makeover/internal/config"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// TypeLocal 表示本地文件系统存储。
	TypeLocal = "local"
	// TypeS3 表示 Amazon S3 或兼容的存储后端。
	TypeS3 = "s3"
	// TypeOSS 表示阿里云 OSS 存储。
	TypeOSS = "oss"
	// TypeCOS 表示腾讯云 COS 存储。
	TypeCOS = "cos"
	// TypeR2 表示 Cloudflare R2 存储。
	TypeR2 = "r2"
)

// 归档分类
const (
	CategorySource = "sources"
	CategoryResult = "results"
)

// SaveOptions 描述一次归档写入。
//
// BaseName 为空时按时间戳命名；SkipIfExists 时同名对象已存在则直接返回其 key
// （源图按内容哈希命名即可去重）。
type SaveOptions struct {
	Category     string
	Extension    string
	BaseName     string
	SkipIfExists bool
}

// Storage 归档源图与生成结果，返回后端相关的 key（本地存储为相对路径）。
type Storage interface {
	Save(ctx context.Context, data []byte, opts SaveOptions) (string, error)
}

// LocalBaseDirProvider 由暴露可通过 HTTP 直接提供服务的本地目录的存储驱动实现。
type LocalBaseDirProvider interface {
	LocalBaseDir() string
}

// objectStore 是各后端需要实现的最小对象操作。
type objectStore interface {
	exists(ctx context.Context, key string) (bool, error)
	put(ctx context.Context, key string, data []byte, contentType string) error
}

// archive 负责 key 计算与去重，具体读写交给 objectStore。
type archive struct {
	backend string
	prefix  string
	objects objectStore
}

func newArchive(backend, prefix string, objects objectStore) *archive {
	return &archive{backend: backend, prefix: trimPrefix(prefix), objects: objects}
}

func (a *archive) Save(ctx context.Context, data []byte, opts SaveOptions) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty payload")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := buildObjectPath(opts.Category, opts.BaseName, opts.Extension)
	if a.prefix != "" {
		key = joinPrefix(a.prefix, key)
	}

	if opts.SkipIfExists {
		exists, err := a.objects.exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("%s: check object: %w", a.backend, err)
		}
		if exists {
			logrus.WithFields(logrus.Fields{
				"backend": a.backend,
				"key":     key,
			}).Debug("archive_object_reused")
			return key, nil
		}
	}

	if err := a.objects.put(ctx, key, data, detectContentType(opts.Extension)); err != nil {
		return "", fmt.Errorf("%s: put object: %w", a.backend, err)
	}
	return key, nil
}

var _ Storage = (*archive)(nil)

// NewStorage 根据配置实例化存储后端。
func NewStorage(cfg config.Config) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageType)) {
	case "", TypeLocal:
		return NewLocalStorage(cfg.StorageLocalDir)
	case TypeS3:
		opts, err := s3OptionsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return newS3Archive(TypeS3, opts)
	case TypeR2:
		opts, err := r2OptionsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return newS3Archive(TypeR2, opts)
	case TypeOSS:
		return NewOSSStorage(cfg)
	case TypeCOS:
		return NewCOSStorage(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.StorageType)
	}
}

// PublicURL 将存储 key 拼接到公开访问前缀上。
func PublicURL(base, key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return ""
	}
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "/files"
	}
	return base + "/" + key
}
