package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rtsync/internal/metrics"
	"rtsync/internal/model"
	"rtsync/internal/scheduler"
	"rtsync/internal/store"
	"rtsync/internal/transport"
)

// DefaultSyncTimeout 恢复连接后等待sync.response的最长时间
const DefaultSyncTimeout = 5 * time.Second

// ErrStaleVersion 乐观写入的版本不比缓存中的新
var ErrStaleVersion = errors.New("实体版本已过期")

// PipelineConfig 管道配置
type PipelineConfig struct {
	Connection        ConnectionConfig
	Cache             CacheConfig
	OfflineMaxRecords int
	SyncTimeout       time.Duration
}

// PipelineDeps 管道依赖，为空时使用默认实现
type PipelineDeps struct {
	Dialer    transport.Dialer
	Scheduler scheduler.Scheduler
	Store     store.Store
	Metrics   *metrics.Metrics
	Tokens    *TokenService
	Logger    *logrus.Entry
}

// Receipt 发布结果。Offline为true时ID是离线记录id，否则是消息id
type Receipt struct {
	ID      string `json:"id"`
	Offline bool   `json:"offline"`
}

// PipelineStats 管道整体统计
type PipelineStats struct {
	Snapshot
	Cache          CacheStats `json:"cache"`
	OfflinePending int        `json:"offlinePending"`
}

// mutation 尚未被服务端确认的乐观写入。base是写入前服务端已知的版本，
// server是写入期间收到的其他写入者的最新条目
type mutation struct {
	key     string
	version int64
	base    int64
	prev    *model.CacheEntry[json.RawMessage]
	server  *model.CacheEntry[json.RawMessage]
}

// Pipeline 组合连接、队列、订阅、缓存和离线存储，对外提供统一的发布与订阅入口
type Pipeline struct {
	cfg       PipelineConfig
	sched     scheduler.Scheduler
	store     store.Store
	conn      *ConnectionManager
	cache     *CacheManager[json.RawMessage]
	offline   *OfflineManager
	validator *Validator
	metrics   *metrics.Metrics
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	// routeMu 保证离线写入与重放结束的判断互斥，重放期间的新事件不会越过旧记录
	routeMu sync.Mutex
	syncing bool

	mu           sync.Mutex
	connected    bool
	lastSync     *time.Time
	awaitingSync bool
	syncTimer    scheduler.Timer
	mutations    map[string]mutation
	messages     map[string]string
	types        map[model.EventType]*Signal[model.DomainEvent]
	offs         []func()
	closed       bool

	// Replayed 每轮离线重放结束时触发
	Replayed Signal[ReplayResult]
}

// NewPipeline 创建管道。ctx只用于加载离线记录，管道的生命周期由Close结束
func NewPipeline(ctx context.Context, cfg PipelineConfig, deps PipelineDeps) (*Pipeline, error) {
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.NewWall()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	if deps.Dialer == nil {
		deps.Dialer = transport.NewWebSocketDialer(transport.DefaultWebSocketOptions())
	}
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}

	validator := NewValidator()
	p := &Pipeline{
		cfg:       cfg,
		sched:     deps.Scheduler,
		store:     deps.Store,
		cache:     NewCacheManager[json.RawMessage](cfg.Cache, deps.Scheduler.Now, deps.Metrics),
		validator: validator,
		metrics:   deps.Metrics,
		log:       deps.Logger.WithField("component", "pipeline"),
		mutations: make(map[string]mutation),
		messages:  make(map[string]string),
		types:     make(map[model.EventType]*Signal[model.DomainEvent]),
	}
	offline, err := NewOfflineManager(ctx, deps.Store, versionFunc(p.serverVersion), cfg.OfflineMaxRecords, deps.Scheduler.Now, deps.Metrics)
	if err != nil {
		return nil, err
	}
	p.offline = offline
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	opts := []Option{
		WithValidator(validator),
		WithMetrics(deps.Metrics),
		WithLogger(deps.Logger.WithField("component", "connection")),
		WithInboundHook(p.applyInbound),
	}
	if deps.Tokens != nil {
		opts = append(opts, WithTokenInspector(deps.Tokens))
	}
	p.conn = NewConnectionManager(cfg.Connection, deps.Dialer, deps.Scheduler, opts...)

	sig := p.conn.Signals()
	p.offs = append(p.offs,
		sig.StateChange.On(p.onStateChange),
		sig.SyncResponse.On(p.onSyncResponse),
		sig.RealTimeEvent.On(p.onRealTimeEvent),
		sig.Acknowledged.On(p.onAcknowledged),
		sig.DeliveryFailed.On(p.onDeliveryFailed),
		offline.Conflict.On(p.onConflict),
	)
	return p, nil
}

// Signals 连接管理器的信号
func (p *Pipeline) Signals() *Signals {
	return p.conn.Signals()
}

// Connection 连接管理器
func (p *Pipeline) Connection() *ConnectionManager {
	return p.conn
}

// Cache 实体缓存
func (p *Pipeline) Cache() *CacheManager[json.RawMessage] {
	return p.cache
}

// Offline 离线管理器
func (p *Pipeline) Offline() *OfflineManager {
	return p.offline
}

// Connect 建立连接
func (p *Pipeline) Connect(ctx context.Context, creds Credentials) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.conn.Connect(ctx, creds)
}

// Disconnect 断开连接
func (p *Pipeline) Disconnect() {
	p.conn.Disconnect()
}

// Subscribe 订阅频道
func (p *Pipeline) Subscribe(channels []model.Channel, cfg model.SubscriptionConfig) (string, error) {
	if p.isClosed() {
		return "", ErrClosed
	}
	return p.conn.Subscribe(channels, cfg)
}

// Unsubscribe 取消订阅
func (p *Pipeline) Unsubscribe(id string) error {
	return p.conn.Unsubscribe(id)
}

// OnRealTimeEvent 监听命中订阅的入站事件
func (p *Pipeline) OnRealTimeEvent(fn func(RoutedEvent)) (off func()) {
	return p.conn.Signals().RealTimeEvent.On(fn)
}

// OnStateChange 监听连接状态变化
func (p *Pipeline) OnStateChange(fn func(model.ConnectionState)) (off func()) {
	return p.conn.Signals().StateChange.On(fn)
}

// OnEventType 监听某一事件类型
func (p *Pipeline) OnEventType(t model.EventType, fn func(model.DomainEvent)) (off func()) {
	p.mu.Lock()
	s, ok := p.types[t]
	if !ok {
		s = &Signal[model.DomainEvent]{}
		p.types[t] = s
	}
	p.mu.Unlock()
	return s.On(fn)
}

// PublishEvent 发布事件。断线或离线记录尚未重放完时写入离线存储
func (p *Pipeline) PublishEvent(ctx context.Context, e model.DomainEvent, opts ...PublishOption) (Receipt, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.sched.Now().UTC()
	}
	if err := p.validator.ValidateEvent(&e, directionOutbound); err != nil {
		p.metrics.ValidationError(directionOutbound)
		return Receipt{}, err
	}

	p.routeMu.Lock()
	defer p.routeMu.Unlock()

	if p.isClosed() {
		return Receipt{}, ErrClosed
	}
	if p.syncing || !p.offline.Online() || p.offline.Replaying() {
		rec, err := p.offline.RecordOffline(ctx, e, opts...)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{ID: rec.ID, Offline: true}, nil
	}

	id, err := p.conn.Publish(e, opts...)
	if err != nil {
		return Receipt{}, err
	}
	p.trackMessage(id, e.ID)
	return Receipt{ID: id}, nil
}

// Mutate 乐观写入：先更新缓存再发布，发布失败或投递最终失败时回滚到写入前的条目
func (p *Pipeline) Mutate(ctx context.Context, e model.DomainEvent, value json.RawMessage, opts ...PublishOption) (Receipt, error) {
	if e.Entity == nil || e.Entity.Key == "" {
		return Receipt{}, &ValidationError{Direction: directionOutbound, Field: "entity", Reason: "required"}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	key := e.Entity.Key
	var prev *model.CacheEntry[json.RawMessage]
	if entry, ok := p.cache.Entry(key); ok {
		prev = &entry
	}
	if !p.cache.Put(key, value, e.Entity.Version, WithTags(tagsFor(e)...)) {
		return Receipt{}, ErrStaleVersion
	}

	m := mutation{key: key, version: e.Entity.Version, prev: prev}
	p.mu.Lock()
	if prev != nil {
		m.base = prev.Version
		// 叠加在另一个未确认写入之上时沿用它的服务端版本
		if owner, ok := p.pendingOwnerLocked(key, prev.Version); ok {
			m.base = owner.base
		}
	}
	p.mutations[e.ID] = m
	p.mu.Unlock()

	if e.Payload == nil {
		e.Payload = value
	}
	receipt, err := p.PublishEvent(ctx, e, opts...)
	if err != nil {
		p.rollback(e.ID)
		return Receipt{}, err
	}
	return receipt, nil
}

func (p *Pipeline) rollback(eventID string) {
	p.mu.Lock()
	m, ok := p.mutations[eventID]
	delete(p.mutations, eventID)
	p.mu.Unlock()
	if !ok {
		return
	}
	if cur, ok := p.cache.Version(m.key); ok && cur != m.version {
		return
	}
	if m.prev != nil {
		p.cache.Restore(*m.prev)
	} else {
		p.cache.Invalidate(m.key)
	}
	p.log.WithFields(logrus.Fields{
		"event_id": eventID,
		"entity":   m.key,
	}).Warn("乐观更新已回滚")
}

// pendingOwnerLocked 缓存中version版本的条目是否来自一个未确认的乐观写入
func (p *Pipeline) pendingOwnerLocked(key string, version int64) (mutation, bool) {
	for _, m := range p.mutations {
		if m.key == key && m.version == version {
			return m, true
		}
	}
	return mutation{}, false
}

// serverVersion 服务端已知的实体版本。缓存条目是未确认的乐观写入时，
// 返回写入前的版本与之后收到的其他写入者版本中较大的一个
func (p *Pipeline) serverVersion(key string) (int64, bool) {
	cur, ok := p.cache.Version(key)
	if !ok {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, pending := p.pendingOwnerLocked(key, cur)
	if !pending {
		return cur, true
	}
	if m.server != nil && m.server.Version > m.base {
		return m.server.Version, true
	}
	return m.base, m.prev != nil || m.server != nil
}

func (p *Pipeline) trackMessage(messageID, eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mutations[eventID]; ok {
		p.messages[messageID] = eventID
	}
}

// applyInbound 丢弃比缓存旧的事件，其余事件写入缓存
func (p *Pipeline) applyInbound(e model.DomainEvent) bool {
	if e.Entity == nil || e.Entity.Key == "" {
		return true
	}
	p.observeServerWrite(e)
	if cur, ok := p.cache.Version(e.Entity.Key); ok && e.Entity.Version < cur {
		return false
	}
	p.cache.Put(e.Entity.Key, e.Payload, e.Entity.Version, WithTags(tagsFor(e)...))
	return true
}

// observeServerWrite 记录其他写入者在乐观写入未确认期间产生的版本，
// 同版本的服务端写入会被缓存拒绝，冲突检测依赖这里的记录
func (p *Pipeline) observeServerWrite(e model.DomainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, m := range p.mutations {
		if m.key != e.Entity.Key || id == e.ID {
			continue
		}
		if m.server != nil && m.server.Version >= e.Entity.Version {
			continue
		}
		m.server = &model.CacheEntry[json.RawMessage]{
			Key:     e.Entity.Key,
			Value:   e.Payload,
			Version: e.Entity.Version,
			Tags:    tagsFor(e),
		}
		p.mutations[id] = m
	}
}

func tagsFor(e model.DomainEvent) []string {
	channels := model.ExtractEventChannels(e)
	tags := make([]string, 0, len(channels)+1)
	for _, ch := range channels {
		tags = append(tags, string(ch))
	}
	return append(tags, string(e.Type))
}

func (p *Pipeline) onRealTimeEvent(r RoutedEvent) {
	p.mu.Lock()
	s := p.types[r.Event.Type]
	p.mu.Unlock()
	if s != nil {
		s.Emit(r.Event)
	}
}

func (p *Pipeline) onAcknowledged(id string) {
	p.mu.Lock()
	if eventID, ok := p.messages[id]; ok {
		delete(p.messages, id)
		delete(p.mutations, eventID)
	}
	p.mu.Unlock()

	if _, err := p.offline.Confirm(p.ctx, id); err != nil {
		p.log.WithError(err).WithField("message_id", id).Error("删除已确认的离线记录失败")
	}
}

func (p *Pipeline) onDeliveryFailed(f *DeliveryFailure) {
	p.mu.Lock()
	eventID, ok := p.messages[f.Message.Envelope.ID]
	delete(p.messages, f.Message.Envelope.ID)
	p.mu.Unlock()
	if ok {
		p.rollback(eventID)
	}
}

// onConflict 冲突记录的乐观写入让位给服务端：缓存换成收到的服务端条目
func (p *Pipeline) onConflict(rec model.OfflineRecord) {
	p.mu.Lock()
	m, ok := p.mutations[rec.Event.ID]
	delete(p.mutations, rec.Event.ID)
	p.mu.Unlock()
	if !ok || m.server == nil {
		return
	}
	if cur, ok := p.cache.Version(m.key); ok && cur == m.version {
		p.cache.Invalidate(m.key)
		p.cache.Put(m.key, m.server.Value, m.server.Version, WithTags(m.server.Tags...))
	}
}

func (p *Pipeline) onStateChange(s model.ConnectionState) {
	becameOnline := p.offline.ObserveState(s.Status)

	p.mu.Lock()
	if s.Status != model.StatusConnected {
		if p.connected {
			now := p.sched.Now()
			p.lastSync = &now
		}
		p.connected = false
		p.awaitingSync = false
		if p.syncTimer != nil {
			p.syncTimer.Stop()
			p.syncTimer = nil
		}
		p.mu.Unlock()
		return
	}
	p.connected = true
	p.mu.Unlock()

	if becameOnline {
		p.beginSync()
	}
}

// beginSync 恢复连接：请求追赶事件，收到响应或超时后重放离线记录
func (p *Pipeline) beginSync() {
	pending, err := p.offline.PendingCount(p.ctx)
	if err != nil {
		p.log.WithError(err).Error("读取离线记录失败")
	}

	p.mu.Lock()
	last := p.lastSync
	p.mu.Unlock()
	if pending == 0 && last == nil {
		return
	}

	if pending > 0 {
		p.routeMu.Lock()
		p.syncing = true
		p.routeMu.Unlock()
	}

	if _, err := p.conn.RequestSync(last); err != nil {
		p.log.WithError(err).Warn("发送同步请求失败")
		if pending > 0 {
			p.replay()
		}
		return
	}
	if pending == 0 {
		return
	}

	p.mu.Lock()
	p.awaitingSync = true
	p.syncTimer = p.sched.AfterFunc(p.cfg.SyncTimeout, func() { p.finishSync(true) })
	p.mu.Unlock()
}

func (p *Pipeline) onSyncResponse([]model.DomainEvent) {
	now := p.sched.Now()
	p.mu.Lock()
	p.lastSync = &now
	p.mu.Unlock()
	p.finishSync(false)
}

func (p *Pipeline) finishSync(timedOut bool) {
	p.mu.Lock()
	if !p.awaitingSync {
		p.mu.Unlock()
		return
	}
	p.awaitingSync = false
	if p.syncTimer != nil {
		p.syncTimer.Stop()
		p.syncTimer = nil
	}
	p.mu.Unlock()

	if timedOut {
		p.log.WithField("timeout", p.cfg.SyncTimeout.String()).Warn("同步响应超时，直接重放离线记录")
	}
	p.replay()
}

// replay 重放到没有待同步记录为止，之后新事件才走在线路径
func (p *Pipeline) replay() {
	for {
		result, err := p.offline.OnConnectivityRestored(p.ctx, p.replayEvent)
		if err != nil {
			p.log.WithError(err).Error("离线记录重放中断")
			p.routeMu.Lock()
			p.syncing = false
			p.routeMu.Unlock()
			return
		}
		p.Replayed.Emit(result)

		p.routeMu.Lock()
		pending, err := p.offline.PendingCount(p.ctx)
		if err != nil || pending == 0 || !p.offline.Online() {
			p.syncing = false
			p.routeMu.Unlock()
			return
		}
		p.routeMu.Unlock()
	}
}

func (p *Pipeline) replayEvent(_ context.Context, rec model.OfflineRecord) (string, error) {
	id, err := p.conn.Publish(rec.Event, recordPublishOptions(rec)...)
	if err != nil {
		return "", err
	}
	p.trackMessage(id, rec.Event.ID)
	if rec.NoAck {
		return "", nil
	}
	return id, nil
}

// ResolveConflict 处理冲突记录。force在连接可用时立即重放
func (p *Pipeline) ResolveConflict(ctx context.Context, id string, how Resolution) error {
	if err := p.offline.ResolveConflict(ctx, id, how); err != nil {
		return err
	}
	if how != ResolveForce || !p.offline.Online() {
		return nil
	}
	p.routeMu.Lock()
	if p.syncing {
		p.routeMu.Unlock()
		return nil
	}
	p.syncing = true
	p.routeMu.Unlock()
	p.replay()
	return nil
}

// RetryMessage 手动重试失败消息
func (p *Pipeline) RetryMessage(id string) error {
	return p.conn.RetryMessage(id)
}

// Failed 失败消息
func (p *Pipeline) Failed() []model.QueuedMessage {
	return p.conn.Failed()
}

// Stats 管道统计
func (p *Pipeline) Stats() PipelineStats {
	pending, _ := p.offline.PendingCount(p.ctx)
	return PipelineStats{
		Snapshot:       p.conn.Snapshot(),
		Cache:          p.cache.Stats(),
		OfflinePending: pending,
	}
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close 断开连接并释放存储，之后的调用返回ErrClosed
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	offs := p.offs
	p.offs = nil
	p.mu.Unlock()

	p.conn.Disconnect()
	for _, off := range offs {
		off()
	}
	p.cancel()
	return p.store.Close()
}
