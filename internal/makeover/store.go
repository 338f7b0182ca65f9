package makeover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// 持久化使用的 key
const (
	KeyHistory   = "makeover.history"
	KeyDemoCount = "makeover.demo_count"
	KeySettings  = "makeover.settings"
)

// Store 是设置与历史的键值持久化接口，后写覆盖先写。
// model.Repository 的 settings 实现通过 RepositoryStore 接入。
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore 是进程内的 Store 实现。
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// SettingsRepository 是 model.Repository 中 settings 相关的子集。
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// RepositoryStore 将 Store 落到数据库 settings 表。
type RepositoryStore struct {
	repo SettingsRepository
}

func NewRepositoryStore(repo SettingsRepository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

func (s *RepositoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	return s.repo.GetSetting(ctx, key)
}

func (s *RepositoryStore) Set(ctx context.Context, key, value string) error {
	return s.repo.SetSetting(ctx, key, value)
}

func (s *RepositoryStore) Delete(ctx context.Context, key string) error {
	return s.repo.DeleteSetting(ctx, key)
}

// loadJSON 读取 key 并解码到 out，key 不存在时返回 false。
func loadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func saveJSON(ctx context.Context, store Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

var errNilStore = errors.New("makeover store not configured")
