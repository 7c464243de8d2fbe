package service

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"rtsync/internal/model"
)

// 队列默认值
const (
	DefaultMaxBufferSize = 1000
	DefaultMaxAttempts   = 3
	DefaultAckHistory    = 1000
	DefaultMaxFailed     = 100
)

// ErrDuplicateMessage 消息id已在队列中或已被确认
var ErrDuplicateMessage = errors.New("重复的消息id")

// QueueConfig 队列容量配置
type QueueConfig struct {
	MaxBufferSize int
	MaxAttempts   int
	AckHistory    int
	MaxFailed     int
}

// Eviction 因缓冲区满被淘汰的消息。Saturated表示缓冲区只剩高优先级或需要ack的消息
type Eviction struct {
	Message   model.QueuedMessage
	Saturated bool
}

// QueueStats 队列快照
type QueueStats struct {
	Pending      int `json:"pending"`
	Inflight     int `json:"inflight"`
	Failed       int `json:"failed"`
	Acknowledged int `json:"acknowledged"`
}

// MessageQueue 出站消息队列：pending、failed、acknowledged三个互斥集合
type MessageQueue struct {
	mu  sync.Mutex
	cfg QueueConfig
	seq uint64

	bands   [3]*list.List // 按Priority.Rank索引
	pending map[string]*list.Element
	failed  *list.List
	failIdx map[string]*list.Element
	acked   *idRing
	seen    *idRing
}

// NewMessageQueue 创建队列，零值配置使用默认值
func NewMessageQueue(cfg QueueConfig) *MessageQueue {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AckHistory <= 0 {
		cfg.AckHistory = DefaultAckHistory
	}
	if cfg.MaxFailed <= 0 {
		cfg.MaxFailed = DefaultMaxFailed
	}
	q := &MessageQueue{
		cfg:     cfg,
		pending: make(map[string]*list.Element),
		failed:  list.New(),
		failIdx: make(map[string]*list.Element),
		acked:   newIDRing(cfg.AckHistory),
		seen:    newIDRing(cfg.AckHistory),
	}
	for i := range q.bands {
		q.bands[i] = list.New()
	}
	return q
}

// MaxAttempts 单条消息最多发送次数
func (q *MessageQueue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// Enqueue 加入pending。超过容量时按优先级淘汰，返回被淘汰的消息
func (q *MessageQueue) Enqueue(env *model.Envelope, priority model.Priority, now time.Time) ([]Eviction, error) {
	if env == nil || env.ID == "" {
		return nil, fmt.Errorf("消息缺少id")
	}
	if !priority.Valid() {
		priority = model.PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[env.ID]; ok {
		return nil, ErrDuplicateMessage
	}
	if _, ok := q.failIdx[env.ID]; ok {
		return nil, ErrDuplicateMessage
	}
	if q.acked.contains(env.ID) {
		return nil, ErrDuplicateMessage
	}

	q.seq++
	msg := &model.QueuedMessage{
		Envelope:   env,
		Priority:   priority,
		EnqueuedAt: now,
		Seq:        q.seq,
	}
	q.pending[env.ID] = q.bands[priority.Rank()].PushBack(msg)
	return q.trimLocked(), nil
}

// Trim 执行容量限制：pending超出时淘汰，failed只保留最近的MaxFailed条
func (q *MessageQueue) Trim() []Eviction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.trimLocked()
}

func (q *MessageQueue) trimLocked() []Eviction {
	var evicted []Eviction
	for len(q.pending) > q.cfg.MaxBufferSize {
		el, saturated := q.victimLocked()
		msg := q.removePendingLocked(el)
		evicted = append(evicted, Eviction{Message: *msg, Saturated: saturated})
	}
	for q.failed.Len() > q.cfg.MaxFailed {
		front := q.failed.Front()
		delete(q.failIdx, front.Value.(*model.QueuedMessage).Envelope.ID)
		q.failed.Remove(front)
	}
	return evicted
}

// victimLocked 先找最旧的低优先级且不需要ack的消息，再找normal；都没有时淘汰全局最旧的
func (q *MessageQueue) victimLocked() (*list.Element, bool) {
	for _, p := range []model.Priority{model.PriorityLow, model.PriorityNormal} {
		for el := q.bands[p.Rank()].Front(); el != nil; el = el.Next() {
			if !el.Value.(*model.QueuedMessage).Envelope.RequiresAck {
				return el, false
			}
		}
	}
	var oldest *list.Element
	for _, band := range q.bands {
		if el := band.Front(); el != nil {
			if oldest == nil || el.Value.(*model.QueuedMessage).Seq < oldest.Value.(*model.QueuedMessage).Seq {
				oldest = el
			}
		}
	}
	return oldest, true
}

func (q *MessageQueue) removePendingLocked(el *list.Element) *model.QueuedMessage {
	msg := el.Value.(*model.QueuedMessage)
	q.bands[msg.Priority.Rank()].Remove(el)
	delete(q.pending, msg.Envelope.ID)
	return msg
}

// DrainPending 取出最多limit条未发送的消息，高优先级在前，同一优先级内按入队顺序。
// 取出的消息标记为已发送并增加尝试次数，仍留在pending中等待ack。limit<=0表示不限
func (q *MessageQueue) DrainPending(limit int) []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.QueuedMessage
	for rank := len(q.bands) - 1; rank >= 0; rank-- {
		for el := q.bands[rank].Front(); el != nil; el = el.Next() {
			if limit > 0 && len(out) >= limit {
				return out
			}
			msg := el.Value.(*model.QueuedMessage)
			if msg.Dispatched {
				continue
			}
			msg.Dispatched = true
			msg.Attempts++
			out = append(out, *msg)
		}
	}
	return out
}

// Undispatched 尚未发送的消息数量
func (q *MessageQueue) Undispatched() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, band := range q.bands {
		for el := band.Front(); el != nil; el = el.Next() {
			if !el.Value.(*model.QueuedMessage).Dispatched {
				n++
			}
		}
	}
	return n
}

// HasUndispatched 指定优先级是否有未发送的消息
func (q *MessageQueue) HasUndispatched(p model.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for el := q.bands[p.Rank()].Front(); el != nil; el = el.Next() {
		if !el.Value.(*model.QueuedMessage).Dispatched {
			return true
		}
	}
	return false
}

// Complete 不需要ack的消息发送后直接移出pending
func (q *MessageQueue) Complete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if el, ok := q.pending[id]; ok {
		q.removePendingLocked(el)
	}
}

// MarkAcknowledged 收到ack，移入acknowledged。重复的ack返回false
func (q *MessageQueue) MarkAcknowledged(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.acked.contains(id) {
		return false
	}
	if el, ok := q.pending[id]; ok {
		q.removePendingLocked(el)
	} else if el, ok := q.failIdx[id]; ok {
		q.failed.Remove(el)
		delete(q.failIdx, id)
	} else {
		return false
	}
	q.acked.add(id)
	return true
}

// MarkFailed 把pending中的消息移入failed，只有第一次调用生效
func (q *MessageQueue) MarkFailed(id string, reason error) (model.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.pending[id]
	if !ok {
		return model.QueuedMessage{}, false
	}
	msg := q.removePendingLocked(el)
	msg.Dispatched = false
	if reason != nil {
		msg.LastError = reason.Error()
	}
	q.failIdx[id] = q.failed.PushBack(msg)
	q.trimLocked()
	return *msg, true
}

// Requeue 把failed中的消息放回pending。reset为true时清零尝试次数，用于用户手动重试
func (q *MessageQueue) Requeue(id string, reset bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.failIdx[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	q.failed.Remove(el)
	delete(q.failIdx, id)

	msg := el.Value.(*model.QueuedMessage)
	msg.Dispatched = false
	if reset {
		msg.Attempts = 0
		msg.LastError = ""
	}
	q.pending[id] = q.bands[msg.Priority.Rank()].PushBack(msg)
	return nil
}

// ResetInflight 断线时把已发送未确认的消息标记为未发送，重连后重发
func (q *MessageQueue) ResetInflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, band := range q.bands {
		for el := band.Front(); el != nil; el = el.Next() {
			msg := el.Value.(*model.QueuedMessage)
			if msg.Dispatched {
				msg.Dispatched = false
				n++
			}
		}
	}
	return n
}

// MarkSeen 记录已处理的id，已存在时返回false。用于过滤重复的入站事件
func (q *MessageQueue) MarkSeen(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen.contains(id) {
		return false
	}
	q.seen.add(id)
	return true
}

// Get 查询pending或failed中的消息
func (q *MessageQueue) Get(id string) (model.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if el, ok := q.pending[id]; ok {
		return *el.Value.(*model.QueuedMessage), true
	}
	if el, ok := q.failIdx[id]; ok {
		return *el.Value.(*model.QueuedMessage), true
	}
	return model.QueuedMessage{}, false
}

// Failed 失败消息列表，最旧的在前
func (q *MessageQueue) Failed() []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.QueuedMessage, 0, q.failed.Len())
	for el := q.failed.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*model.QueuedMessage))
	}
	return out
}

// ClearFailed 清空失败列表
func (q *MessageQueue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.failed.Len()
	q.failed.Init()
	q.failIdx = make(map[string]*list.Element)
	return n
}

// Stats 队列统计
func (q *MessageQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueStats{
		Pending:      len(q.pending),
		Failed:       q.failed.Len(),
		Acknowledged: q.acked.len(),
	}
	for _, band := range q.bands {
		for el := band.Front(); el != nil; el = el.Next() {
			if el.Value.(*model.QueuedMessage).Dispatched {
				s.Inflight++
			}
		}
	}
	return s
}

// idRing 定长的id集合，满了以后覆盖最旧的
type idRing struct {
	ids  []string
	set  map[string]struct{}
	next int
}

func newIDRing(size int) *idRing {
	return &idRing{
		ids: make([]string, 0, size),
		set: make(map[string]struct{}, size),
	}
}

func (r *idRing) contains(id string) bool {
	_, ok := r.set[id]
	return ok
}

func (r *idRing) add(id string) {
	if len(r.ids) < cap(r.ids) {
		r.ids = append(r.ids, id)
	} else {
		delete(r.set, r.ids[r.next])
		r.ids[r.next] = id
		r.next = (r.next + 1) % len(r.ids)
	}
	r.set[id] = struct{}{}
}

func (r *idRing) len() int {
	return len(r.ids)
}
