package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"rtsync/internal/model"
)

// ErrClosed 存储已关闭
var ErrClosed = errors.New("存储已关闭")

// Store 离线记录的持久化接口。Put按id覆盖写入，List按Seq升序返回
type Store interface {
	Put(ctx context.Context, rec model.OfflineRecord) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.OfflineRecord, error)
	Close() error
}

// Config 存储后端配置
type Config struct {
	Driver    string `mapstructure:"driver"` // memory, file, redis, sqlite
	Path      string `mapstructure:"path"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	RedisPass string `mapstructure:"redis_password"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Open 根据配置打开存储后端
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return OpenFile(cfg.Path)
	case "redis":
		return OpenRedis(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		})
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path, DefaultSQLiteConfig())
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Driver)
	}
}

// Memory 内存存储，用于测试和不需要持久化的场景
type Memory struct {
	mu      sync.Mutex
	records map[string]model.OfflineRecord
	closed  bool
}

// NewMemory 创建内存存储
func NewMemory() *Memory {
	return &Memory{records: make(map[string]model.OfflineRecord)}
}

func (m *Memory) Put(_ context.Context, rec model.OfflineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) List(_ context.Context) ([]model.OfflineRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return sortRecords(m.records), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortRecords(records map[string]model.OfflineRecord) []model.OfflineRecord {
	out := make([]model.OfflineRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
