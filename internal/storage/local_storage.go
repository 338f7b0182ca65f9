package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage 把归档写入本地目录，返回的相对路径同时作为公开 URL 后缀。
type LocalStorage struct {
	*archive
	baseDir string
}

// NewLocalStorage 目录不存在时自动创建。
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		baseDir = "datas/images"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStorage{
		archive: newArchive(TypeLocal, "", localObjects(baseDir)),
		baseDir: baseDir,
	}, nil
}

// LocalBaseDir returns the root directory used for storing files.
func (s *LocalStorage) LocalBaseDir() string {
	return s.baseDir
}

type localObjects string

func (d localObjects) path(key string) string {
	return filepath.Join(string(d), filepath.FromSlash(key))
}

func (d localObjects) exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(d.path(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// put 先写临时文件再改名，读者不会看到半个文件。
func (d localObjects) put(_ context.Context, key string, data []byte, _ string) error {
	target := d.path(key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return os.Rename(tmp.Name(), target)
}

var _ Storage = (*LocalStorage)(nil)
var _ LocalBaseDirProvider = (*LocalStorage)(nil)
