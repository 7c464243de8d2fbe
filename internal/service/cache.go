package service

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"rtsync/internal/metrics"
	"rtsync/internal/model"
)

// 缓存默认值
const (
	DefaultCacheMaxEntries = 10000
	DefaultCacheTTL        = 5 * time.Minute
)

// CacheConfig 缓存配置。TTL<=0表示不过期
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// CacheStats 缓存统计
type CacheStats struct {
	Size         int   `json:"size"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
	StaleRejects int64 `json:"staleRejects"`
}

// VersionLookup 查询实体当前已知的版本
type VersionLookup interface {
	Version(key string) (int64, bool)
}

type versionFunc func(key string) (int64, bool)

func (f versionFunc) Version(key string) (int64, bool) { return f(key) }

// PutOption Put的可选参数
type PutOption func(*putOptions)

type putOptions struct {
	tags []string
	ttl  time.Duration
}

// WithTags 给条目打标签，用于按标签失效
func WithTags(tags ...string) PutOption {
	return func(o *putOptions) { o.tags = append(o.tags, tags...) }
}

// WithTTL 覆盖默认TTL
func WithTTL(ttl time.Duration) PutOption {
	return func(o *putOptions) { o.ttl = ttl }
}

// CacheManager 有界LRU缓存，版本单调：旧版本或同版本的写入被忽略
type CacheManager[T any] struct {
	mu      sync.Mutex
	cfg     CacheConfig
	now     func() time.Time
	items   map[string]*list.Element
	order   *list.List
	tags    map[string]map[string]struct{}
	stats   CacheStats
	metrics *metrics.Metrics
}

// NewCacheManager 创建缓存，now为时间来源
func NewCacheManager[T any](cfg CacheConfig, now func() time.Time, m *metrics.Metrics) *CacheManager[T] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	return &CacheManager[T]{
		cfg:     cfg,
		now:     now,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		tags:    make(map[string]map[string]struct{}),
		metrics: m,
	}
}

// Get 读取值并刷新LRU位置
func (c *CacheManager[T]) Get(key string) (T, bool) {
	entry, ok := c.Entry(key)
	return entry.Value, ok
}

// Entry 读取完整条目
func (c *CacheManager[T]) Entry(key string) (model.CacheEntry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.liveLocked(key)
	if !ok {
		c.stats.Misses++
		c.metrics.CacheLookup(false)
		return model.CacheEntry[T]{}, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	c.metrics.CacheLookup(true)
	return *el.Value.(*model.CacheEntry[T]), true
}

// Has 判断键是否存在且未过期，不影响LRU顺序
func (c *CacheManager[T]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.liveLocked(key)
	return ok
}

// Version 实现VersionLookup
func (c *CacheManager[T]) Version(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.liveLocked(key)
	if !ok {
		return 0, false
	}
	return el.Value.(*model.CacheEntry[T]).Version, true
}

// Put 写入。已有条目的版本不低于version时不做任何修改并返回false
func (c *CacheManager[T]) Put(key string, value T, version int64, opts ...PutOption) bool {
	o := putOptions{ttl: c.cfg.TTL}
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.liveLocked(key); ok {
		if el.Value.(*model.CacheEntry[T]).Version >= version {
			c.stats.StaleRejects++
			return false
		}
		c.removeLocked(el)
	}

	now := c.now()
	entry := &model.CacheEntry[T]{
		Key:       key,
		Value:     value,
		UpdatedAt: now,
		Version:   version,
		Tags:      append([]string(nil), o.tags...),
	}
	if o.ttl > 0 {
		entry.ExpiresAt = now.Add(o.ttl)
	}
	c.insertLocked(entry)

	for c.order.Len() > c.cfg.MaxEntries {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
		c.metrics.CacheEviction()
	}
	return true
}

// Restore 原样放回一个条目，忽略版本检查。用于乐观更新失败后的回滚
func (c *CacheManager[T]) Restore(entry model.CacheEntry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[entry.Key]; ok {
		c.removeLocked(el)
	}
	e := entry
	e.Tags = append([]string(nil), entry.Tags...)
	c.insertLocked(&e)
}

// Invalidate 删除键
func (c *CacheManager[T]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

// InvalidatePrefix 删除所有以prefix开头的键，例如 project:42 下的全部实体
func (c *CacheManager[T]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
			n++
		}
	}
	return n
}

// InvalidateTag 删除带有tag的条目
func (c *CacheManager[T]) InvalidateTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.tags[tag]
	n := 0
	for key := range keys {
		if el, ok := c.items[key]; ok {
			c.removeLocked(el)
			n++
		}
	}
	delete(c.tags, tag)
	return n
}

// Len 当前条目数，包括尚未清理的过期条目
func (c *CacheManager[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats 统计快照
func (c *CacheManager[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.order.Len()
	return s
}

// Clear 清空缓存
func (c *CacheManager[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.tags = make(map[string]map[string]struct{})
}

// liveLocked 查找未过期的条目，过期的顺便删除
func (c *CacheManager[T]) liveLocked(key string) (*list.Element, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*model.CacheEntry[T])
	if !entry.ExpiresAt.IsZero() && !c.now().Before(entry.ExpiresAt) {
		c.removeLocked(el)
		c.stats.Evictions++
		c.metrics.CacheEviction()
		return nil, false
	}
	return el, true
}

func (c *CacheManager[T]) insertLocked(entry *model.CacheEntry[T]) {
	c.items[entry.Key] = c.order.PushFront(entry)
	for _, tag := range entry.Tags {
		set, ok := c.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tags[tag] = set
		}
		set[entry.Key] = struct{}{}
	}
}

func (c *CacheManager[T]) removeLocked(el *list.Element) {
	entry := el.Value.(*model.CacheEntry[T])
	c.order.Remove(el)
	delete(c.items, entry.Key)
	for _, tag := range entry.Tags {
		if set, ok := c.tags[tag]; ok {
			delete(set, entry.Key)
			if len(set) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}
