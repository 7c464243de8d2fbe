package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"rtsync/internal/model"
)

// 订阅默认值
const (
	DefaultMaxEventsPerSecond = 100
	DefaultSubscriptionBuffer = 1000
)

// Subscription 一个已注册的订阅
type Subscription struct {
	ID        string
	Config    model.SubscriptionConfig
	CreatedAt time.Time

	channels map[model.Channel]struct{}
	types    map[model.EventType]struct{}
	limiters map[model.EventType]*rate.Limiter
	dropped  int64
}

// SubscriptionInfo 订阅的只读快照
type SubscriptionInfo struct {
	ID                 string            `json:"id"`
	Channels           []model.Channel   `json:"channels"`
	EventTypes         []model.EventType `json:"eventTypes,omitempty"`
	Priority           model.Priority    `json:"priority"`
	MaxEventsPerSecond int               `json:"maxEventsPerSecond"`
	BufferSize         int               `json:"bufferSize"`
	CreatedAt          time.Time         `json:"createdAt"`
	Dropped            int64             `json:"dropped"`
}

// Delivery 路由结果：命中的订阅及其回调
type Delivery struct {
	SubscriptionID string
	OnEvent        func(model.DomainEvent)
}

// SubscriptionRegistry 维护订阅并计算事件命中哪些订阅
type SubscriptionRegistry struct {
	mu    sync.RWMutex
	subs  map[string]*Subscription
	order []string
}

// NewSubscriptionRegistry 创建订阅表
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[string]*Subscription)}
}

// Subscribe 注册订阅，返回订阅id
func (r *SubscriptionRegistry) Subscribe(channels []model.Channel, cfg model.SubscriptionConfig, now time.Time) (string, error) {
	return r.SubscribeWithID(uuid.NewString(), channels, cfg, now)
}

// SubscribeWithID 使用指定id注册订阅
func (r *SubscriptionRegistry) SubscribeWithID(id string, channels []model.Channel, cfg model.SubscriptionConfig, now time.Time) (string, error) {
	if len(channels) == 0 {
		return "", fmt.Errorf("至少需要一个频道")
	}
	if cfg.Priority == "" {
		cfg.Priority = model.PriorityNormal
	}
	if !cfg.Priority.Valid() {
		return "", fmt.Errorf("未知优先级: %s", cfg.Priority)
	}
	if cfg.MaxEventsPerSecond <= 0 {
		cfg.MaxEventsPerSecond = DefaultMaxEventsPerSecond
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultSubscriptionBuffer
	}
	cfg.Channels = append([]model.Channel(nil), channels...)

	sub := &Subscription{
		ID:        id,
		Config:    cfg,
		CreatedAt: now,
		channels:  make(map[model.Channel]struct{}, len(channels)),
		limiters:  make(map[model.EventType]*rate.Limiter),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	if len(cfg.EventTypes) > 0 {
		sub.types = make(map[model.EventType]struct{}, len(cfg.EventTypes))
		for _, t := range cfg.EventTypes {
			sub.types[t] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[id]; exists {
		return "", fmt.Errorf("订阅%s已存在", id)
	}
	r.subs[id] = sub
	r.order = append(r.order, id)
	return id, nil
}

// Unsubscribe 注销订阅
func (r *SubscriptionRegistry) Unsubscribe(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	delete(r.subs, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Route 返回事件命中的订阅id，按注册顺序。不考虑速率限制
func (r *SubscriptionRegistry) Route(e model.DomainEvent) []string {
	channels := model.ExtractEventChannels(e)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, id := range r.order {
		if r.subs[id].matches(e.Type, channels) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Dispatch 路由并执行速率限制。超出限制的订阅返回QuotaError，事件对该订阅丢弃
func (r *SubscriptionRegistry) Dispatch(e model.DomainEvent, now time.Time) ([]Delivery, []*QuotaError) {
	channels := model.ExtractEventChannels(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	var deliveries []Delivery
	var dropped []*QuotaError
	for _, id := range r.order {
		sub := r.subs[id]
		if !sub.matches(e.Type, channels) {
			continue
		}
		if !sub.allow(e.Type, now) {
			sub.dropped++
			dropped = append(dropped, &QuotaError{
				SubscriptionID: id,
				EventType:      e.Type,
				Limit:          sub.Config.MaxEventsPerSecond,
			})
			continue
		}
		deliveries = append(deliveries, Delivery{SubscriptionID: id, OnEvent: sub.Config.OnEvent})
	}
	return deliveries, dropped
}

// Get 查询订阅
func (r *SubscriptionRegistry) Get(id string) (SubscriptionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return SubscriptionInfo{}, false
	}
	return sub.info(), true
}

// List 全部订阅，按注册顺序
func (r *SubscriptionRegistry) List() []SubscriptionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubscriptionInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subs[id].info())
	}
	return out
}

// Len 订阅数量
func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Clear 注销全部订阅
func (r *SubscriptionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]*Subscription)
	r.order = nil
}

func (s *Subscription) matches(t model.EventType, channels []model.Channel) bool {
	if s.types != nil {
		if _, ok := s.types[t]; !ok {
			return false
		}
	}
	for _, ch := range channels {
		if _, ok := s.channels[ch]; ok {
			return true
		}
	}
	return false
}

// allow 每种事件类型独立限速，桶容量为一秒的配额
func (s *Subscription) allow(t model.EventType, now time.Time) bool {
	l, ok := s.limiters[t]
	if !ok {
		limit := s.Config.MaxEventsPerSecond
		l = rate.NewLimiter(rate.Limit(limit), limit)
		s.limiters[t] = l
	}
	return l.AllowN(now, 1)
}

func (s *Subscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:                 s.ID,
		Channels:           append([]model.Channel(nil), s.Config.Channels...),
		EventTypes:         append([]model.EventType(nil), s.Config.EventTypes...),
		Priority:           s.Config.Priority,
		MaxEventsPerSecond: s.Config.MaxEventsPerSecond,
		BufferSize:         s.Config.BufferSize,
		CreatedAt:          s.CreatedAt,
		Dropped:            s.dropped,
	}
}
