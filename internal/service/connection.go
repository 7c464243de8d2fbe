package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rtsync/internal/metrics"
	"rtsync/internal/model"
	"rtsync/internal/scheduler"
	"rtsync/internal/transport"
)

// 连接默认值
const (
	DefaultHeartbeatInterval      = 30 * time.Second
	DefaultReconnectBase          = 5 * time.Second
	DefaultMaxReconnectAttempts   = 5
	DefaultReconnectCapMultiplier = 30
	DefaultReconnectJitter        = time.Second
	DefaultConnectTimeout         = 10 * time.Second
	DefaultAckTimeout             = 5 * time.Second
	DefaultBatchSize              = 50
	DefaultFlushInterval          = time.Second
)

// 服务端认证失败使用的错误码
const (
	ErrorCodeAuthFailed   = "auth_failed"
	ErrorCodeUnauthorized = "unauthorized"
	ErrorCodeTokenExpired = "token_expired"
)

// ConnectionConfig 连接管理器配置
type ConnectionConfig struct {
	URL                    string
	HeartbeatInterval      time.Duration
	ReconnectBase          time.Duration
	MaxReconnectAttempts   int
	ReconnectCapMultiplier int
	ReconnectJitter        time.Duration
	ConnectTimeout         time.Duration
	AckTimeout             time.Duration
	BatchSize              int
	FlushInterval          time.Duration
	Capabilities           []string
	Queue                  QueueConfig
}

// DefaultConnectionConfig 默认配置
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		HeartbeatInterval:      DefaultHeartbeatInterval,
		ReconnectBase:          DefaultReconnectBase,
		MaxReconnectAttempts:   DefaultMaxReconnectAttempts,
		ReconnectCapMultiplier: DefaultReconnectCapMultiplier,
		ReconnectJitter:        DefaultReconnectJitter,
		ConnectTimeout:         DefaultConnectTimeout,
		AckTimeout:             DefaultAckTimeout,
		BatchSize:              DefaultBatchSize,
		FlushInterval:          DefaultFlushInterval,
		Capabilities:           []string{"read", "write", "subscribe"},
	}
}

func (c *ConnectionConfig) applyDefaults() {
	def := DefaultConnectionConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectCapMultiplier <= 0 {
		c.ReconnectCapMultiplier = def.ReconnectCapMultiplier
	}
	if c.ReconnectJitter < 0 {
		c.ReconnectJitter = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.Capabilities == nil {
		c.Capabilities = def.Capabilities
	}
}

// Credentials 连接凭证
type Credentials struct {
	Token     string
	UserID    string
	SessionID string
}

// DisconnectInfo 断开原因
type DisconnectInfo struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// ReconnectInfo 计划中的重连
type ReconnectInfo struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// RoutedEvent 命中至少一个订阅的入站事件
type RoutedEvent struct {
	Event         model.DomainEvent `json:"event"`
	Subscriptions []string          `json:"subscriptions"`
}

// Snapshot 管道运行指标
type Snapshot struct {
	Connection    model.ConnectionState `json:"connection"`
	Queue         QueueStats            `json:"queue"`
	Subscriptions int                   `json:"subscriptions"`
	Buffer        int                   `json:"buffer"`
}

// Signals 连接管理器发出的全部信号
type Signals struct {
	StateChange      Signal[model.ConnectionState]
	Connected        Signal[model.ConnectionState]
	Disconnected     Signal[DisconnectInfo]
	ConnectionError  Signal[error]
	Reconnecting     Signal[ReconnectInfo]
	ReconnectFailed  Signal[int]
	AuthFailed       Signal[*AuthError]
	Authenticated    Signal[string]
	MessageSent      Signal[*model.Envelope]
	MessageReceived  Signal[*model.Envelope]
	MessageTimeout   Signal[model.QueuedMessage]
	DeliveryFailed   Signal[*DeliveryFailure]
	Acknowledged     Signal[string]
	RealTimeEvent    Signal[RoutedEvent]
	SyncResponse     Signal[[]model.DomainEvent]
	ServerError      Signal[model.ErrorPayload]
	QueueWarning     Signal[Eviction]
	QuotaExceeded    Signal[*QuotaError]
	ValidationFailed Signal[*ValidationError]
}

// InboundHook 入站事件路由前的检查，返回false时事件被丢弃
type InboundHook func(model.DomainEvent) bool

// Option 连接管理器可选参数
type Option func(*ConnectionManager)

// WithLogger 指定日志
func WithLogger(log *logrus.Entry) Option {
	return func(c *ConnectionManager) { c.log = log }
}

// WithMetrics 指定Prometheus指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *ConnectionManager) { c.metrics = m }
}

// WithValidator 指定校验器
func WithValidator(v *Validator) Option {
	return func(c *ConnectionManager) { c.validator = v }
}

// WithRegistry 指定订阅表
func WithRegistry(r *SubscriptionRegistry) Option {
	return func(c *ConnectionManager) { c.registry = r }
}

// WithTokenInspector 拨号前检查令牌是否过期
func WithTokenInspector(t *TokenService) Option {
	return func(c *ConnectionManager) { c.tokens = t }
}

// WithInboundHook 设置入站事件检查
func WithInboundHook(h InboundHook) Option {
	return func(c *ConnectionManager) { c.hook = h }
}

// WithJitter 替换抖动的随机数来源
func WithJitter(fn func(n int64) int64) Option {
	return func(c *ConnectionManager) { c.backoff.Rand = fn }
}

// PublishOption Publish的可选参数
type PublishOption func(*publishOptions)

type publishOptions struct {
	priority    model.Priority
	requiresAck bool
}

// WithPriority 消息优先级，high会立即发送
func WithPriority(p model.Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithoutAck 不需要服务端确认
func WithoutAck() PublishOption {
	return func(o *publishOptions) { o.requiresAck = false }
}

func resolvePublishOptions(opts []PublishOption) publishOptions {
	o := publishOptions{priority: model.PriorityNormal, requiresAck: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// recordPublishOptions 还原离线记录保存的发布参数
func recordPublishOptions(rec model.OfflineRecord) []PublishOption {
	var opts []PublishOption
	if rec.Priority != "" {
		opts = append(opts, WithPriority(rec.Priority))
	}
	if rec.NoAck {
		opts = append(opts, WithoutAck())
	}
	return opts
}

// ConnectionManager 管理传输连接、状态机、认证、心跳、批量发送、ack超时和重连
type ConnectionManager struct {
	cfg       ConnectionConfig
	dialer    transport.Dialer
	sched     scheduler.Scheduler
	queue     *MessageQueue
	registry  *SubscriptionRegistry
	validator *Validator
	tokens    *TokenService
	hook      InboundHook
	backoff   Backoff
	metrics   *metrics.Metrics
	log       *logrus.Entry

	signals Signals

	mu          sync.Mutex
	deferred    []func()
	state       model.ConnectionState
	creds       Credentials
	generation  uint64
	conn        transport.Conn
	cancelDial  context.CancelFunc
	authID      string
	heartbeat   scheduler.Timer
	reconnect   scheduler.Timer
	flushTimer  scheduler.Timer
	ackTimers   map[string]scheduler.Timer
	retryTimers map[string]scheduler.Timer
	batches     map[string][]string
	heartbeats  map[string]time.Time
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(cfg ConnectionConfig, dialer transport.Dialer, sched scheduler.Scheduler, opts ...Option) *ConnectionManager {
	cfg.applyDefaults()
	c := &ConnectionManager{
		cfg:    cfg,
		dialer: dialer,
		sched:  sched,
		queue:  NewMessageQueue(cfg.Queue),
		backoff: Backoff{
			Base:          cfg.ReconnectBase,
			CapMultiplier: cfg.ReconnectCapMultiplier,
			Jitter:        cfg.ReconnectJitter,
		},
		log:         logrus.WithField("component", "connection"),
		state:       model.ConnectionState{Status: model.StatusDisconnected},
		ackTimers:   make(map[string]scheduler.Timer),
		retryTimers: make(map[string]scheduler.Timer),
		batches:     make(map[string][]string),
		heartbeats:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.validator == nil {
		c.validator = NewValidator()
	}
	if c.registry == nil {
		c.registry = NewSubscriptionRegistry()
	}
	c.metrics.SetStatus(model.StatusDisconnected)
	return c
}

// Signals 信号集合
func (c *ConnectionManager) Signals() *Signals {
	return &c.signals
}

// Queue 出站队列
func (c *ConnectionManager) Queue() *MessageQueue {
	return c.queue
}

// Registry 订阅表
func (c *ConnectionManager) Registry() *SubscriptionRegistry {
	return c.registry
}

// unlock 释放锁后再发出信号，监听者可以重新调用管理器
func (c *ConnectionManager) unlock() {
	fns := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *ConnectionManager) emitLater(fn func()) {
	c.deferred = append(c.deferred, fn)
}

// Connect 建立连接。成功打开并发送auth后返回；超时、传输错误或认证错误时返回错误
func (c *ConnectionManager) Connect(ctx context.Context, creds Credentials) error {
	if creds.Token == "" || creds.UserID == "" {
		return &AuthError{Code: ErrorCodeUnauthorized, Reason: "缺少token或userId"}
	}
	if creds.SessionID == "" {
		creds.SessionID = uuid.NewString()
	}
	if c.tokens != nil {
		if _, err := c.tokens.Inspect(creds.Token); err != nil {
			authErr := &AuthError{Code: ErrorCodeTokenExpired, Reason: "令牌无效或已过期", Err: err}
			c.mu.Lock()
			c.failAuthLocked(authErr)
			c.unlock()
			return authErr
		}
	}

	c.mu.Lock()
	switch c.state.Status {
	case model.StatusConnecting:
		c.unlock()
		return ErrConnectInProgress
	case model.StatusConnected:
		c.unlock()
		return nil
	}
	c.creds = creds
	c.stopTimer(&c.reconnect)
	c.state.ReconnectAttempts = 0
	c.unlock()

	return c.dial(ctx)
}

// dial 一次连接尝试，失败时由它安排重连
func (c *ConnectionManager) dial(ctx context.Context) error {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.setStatusLocked(model.StatusConnecting)
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	creds := c.creds
	var timedOut atomic.Bool
	timer := c.sched.AfterFunc(c.cfg.ConnectTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	c.unlock()

	conn, err := c.dialer.Dial(dialCtx, c.dialURL(creds), http.Header{}, &connHandler{c: c, gen: gen})
	timer.Stop()

	c.mu.Lock()
	defer c.unlock()
	cancel()

	if gen != c.generation || c.state.Status != model.StatusConnecting {
		if conn != nil {
			conn.Close(transport.CloseNormal, "连接已取消")
		}
		return ErrConnectCanceled
	}
	c.cancelDial = nil

	if err != nil {
		if timedOut.Load() {
			err = &TimeoutError{Op: "连接", After: c.cfg.ConnectTimeout}
		} else if ctx.Err() != nil {
			c.setStatusLocked(model.StatusDisconnected)
			return ctx.Err()
		}
		var he *transport.HandshakeError
		if errors.As(err, &he) && he.Unauthorized() {
			authErr := &AuthError{Code: ErrorCodeUnauthorized, Reason: "服务端拒绝了凭证", Err: err}
			c.failAuthLocked(authErr)
			return authErr
		}
		terr := &TransportError{Op: "dial", Err: err}
		c.log.WithError(err).WithField("attempt", c.state.ReconnectAttempts).Error("连接失败")
		c.emitLater(func() { c.signals.ConnectionError.Emit(terr) })
		c.setStatusLocked(model.StatusError)
		c.scheduleReconnectLocked()
		return terr
	}

	c.conn = conn
	c.openLocked(creds)
	return nil
}

func (c *ConnectionManager) dialURL(creds Credentials) string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("token", creds.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

// openLocked 连接打开：先发auth，再启动心跳、恢复订阅、发送积压消息
func (c *ConnectionManager) openLocked(creds Credentials) {
	now := c.sched.Now()
	c.state.Status = model.StatusConnected
	c.state.LastConnectedAt = &now
	c.state.ReconnectAttempts = 0
	c.metrics.SetStatus(model.StatusConnected)

	c.authID = c.newID()
	auth, err := model.NewEnvelope(c.authID, now, model.AuthPayload{
		Token:        creds.Token,
		UserID:       creds.UserID,
		SessionID:    creds.SessionID,
		Capabilities: c.cfg.Capabilities,
	})
	if err == nil {
		auth.RequiresAck = true
		if err := c.sendFrameLocked(auth); err != nil {
			c.transportFailureLocked(err)
			return
		}
	}

	c.heartbeat = c.sched.Every(c.cfg.HeartbeatInterval, c.sendHeartbeat)

	for _, sub := range c.registry.List() {
		if err := c.sendSubscribeLocked(sub); err != nil {
			c.transportFailureLocked(err)
			return
		}
	}

	c.log.WithFields(logrus.Fields{
		"user_id":       creds.UserID,
		"session_id":    creds.SessionID,
		"subscriptions": c.registry.Len(),
	}).Info("连接已建立")

	snapshot := c.snapshotLocked()
	c.emitLater(func() {
		c.signals.StateChange.Emit(snapshot)
		c.signals.Connected.Emit(snapshot)
	})

	c.flushLocked()
}

// Disconnect 唯一的取消点：清除所有定时器，以正常关闭码关闭连接，状态立即变为disconnected
func (c *ConnectionManager) Disconnect() {
	c.mu.Lock()
	defer c.unlock()

	c.generation++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.stopTimer(&c.reconnect)
	c.teardownLocked()
	for id, t := range c.retryTimers {
		t.Stop()
		delete(c.retryTimers, id)
		c.queue.Requeue(id, false)
	}
	if c.conn != nil {
		if err := c.conn.Close(transport.CloseNormal, "客户端断开"); err != nil {
			c.log.WithError(err).Debug("关闭连接失败")
		}
		c.conn = nil
	}

	c.authID = ""
	c.state = model.ConnectionState{Status: model.StatusDisconnected}
	c.metrics.SetStatus(model.StatusDisconnected)
	snapshot := c.snapshotLocked()
	c.emitLater(func() {
		c.signals.StateChange.Emit(snapshot)
		c.signals.Disconnected.Emit(DisconnectInfo{Code: transport.CloseNormal, Reason: "客户端断开"})
	})
	c.log.Info("连接已断开")
}

// teardownLocked 停止连接相关的定时器，未确认的消息等待重连后重发
func (c *ConnectionManager) teardownLocked() {
	c.stopTimer(&c.heartbeat)
	c.stopTimer(&c.flushTimer)
	for id, t := range c.ackTimers {
		t.Stop()
		delete(c.ackTimers, id)
	}
	c.batches = make(map[string][]string)
	c.heartbeats = make(map[string]time.Time)
	c.queue.ResetInflight()
	c.updateQueueMetricsLocked()
}

func (c *ConnectionManager) stopTimer(t *scheduler.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// transportFailureLocked 传输层错误：进入error并安排重连
func (c *ConnectionManager) transportFailureLocked(err error) {
	terr := &TransportError{Op: "send", Err: err}
	c.log.WithError(err).Error("传输错误")
	c.generation++
	c.teardownLocked()
	if c.conn != nil {
		c.conn.Close(transport.CloseAbnormal, "传输错误")
		c.conn = nil
	}
	c.emitLater(func() { c.signals.ConnectionError.Emit(terr) })
	c.setStatusLocked(model.StatusError)
	c.scheduleReconnectLocked()
}

// failAuthLocked 认证失败是终态，不自动重连
func (c *ConnectionManager) failAuthLocked(err *AuthError) {
	c.generation++
	c.stopTimer(&c.reconnect)
	c.teardownLocked()
	if c.conn != nil {
		c.conn.Close(transport.CloseNormal, "认证失败")
		c.conn = nil
	}
	c.log.WithFields(logrus.Fields{
		"code":   err.Code,
		"reason": err.Reason,
	}).Error("认证失败，不再自动重连")
	c.setStatusLocked(model.StatusError)
	c.emitLater(func() {
		c.signals.AuthFailed.Emit(err)
		c.signals.ConnectionError.Emit(err)
	})
}

// scheduleReconnectLocked delay = base * min(2^(n-1), cap) + jitter，超过最大次数后停止
func (c *ConnectionManager) scheduleReconnectLocked() {
	if c.state.ReconnectAttempts >= c.cfg.MaxReconnectAttempts {
		attempts := c.state.ReconnectAttempts
		c.setStatusLocked(model.StatusDisconnected)
		c.log.WithField("attempts", attempts).Error("重连次数已用完")
		c.emitLater(func() { c.signals.ReconnectFailed.Emit(attempts) })
		return
	}

	c.state.ReconnectAttempts++
	attempt := c.state.ReconnectAttempts
	delay := c.backoff.Delay(attempt)
	c.setStatusLocked(model.StatusReconnecting)
	c.metrics.Reconnect()

	gen := c.generation
	c.reconnect = c.sched.AfterFunc(delay, func() { c.reconnectNow(gen) })

	c.log.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Warn("计划重连")
	c.emitLater(func() { c.signals.Reconnecting.Emit(ReconnectInfo{Attempt: attempt, Delay: delay}) })
}

func (c *ConnectionManager) reconnectNow(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state.Status != model.StatusReconnecting {
		c.unlock()
		return
	}
	c.reconnect = nil
	c.unlock()

	if err := c.dial(context.Background()); err != nil && !errors.Is(err, ErrConnectCanceled) {
		c.log.WithError(err).Debug("重连尝试失败")
	}
}

func (c *ConnectionManager) setStatusLocked(s model.Status) {
	if c.state.Status == s {
		return
	}
	c.state.Status = s
	c.metrics.SetStatus(s)
	snapshot := c.snapshotLocked()
	c.emitLater(func() { c.signals.StateChange.Emit(snapshot) })
}

// State 当前连接状态的副本
func (c *ConnectionManager) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *ConnectionManager) snapshotLocked() model.ConnectionState {
	s := c.state
	if s.LastConnectedAt != nil {
		t := *s.LastConnectedAt
		s.LastConnectedAt = &t
	}
	if s.LatencyMs != nil {
		l := *s.LatencyMs
		s.LatencyMs = &l
	}
	return s
}

// Snapshot 连接、队列和订阅的统计
func (c *ConnectionManager) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Connection:    c.snapshotLocked(),
		Queue:         c.queue.Stats(),
		Subscriptions: c.registry.Len(),
		Buffer:        c.queue.Undispatched(),
	}
}

// newID 格式为 <毫秒时间戳>-<uuid>，心跳延迟从前缀计算
func (c *ConnectionManager) newID() string {
	return strconv.FormatInt(c.sched.Now().UnixMilli(), 10) + "-" + uuid.NewString()
}

// Subscribe 注册订阅，连接可用时立即发送subscribe
func (c *ConnectionManager) Subscribe(channels []model.Channel, cfg model.SubscriptionConfig) (string, error) {
	normalized, err := c.validator.NormalizeChannels(channels)
	if err != nil {
		c.metrics.ValidationError(directionOutbound)
		return "", err
	}

	c.mu.Lock()
	defer c.unlock()

	id, err := c.registry.Subscribe(normalized, cfg, c.sched.Now())
	if err != nil {
		return "", err
	}
	sub, _ := c.registry.Get(id)
	if c.state.Status == model.StatusConnected {
		if err := c.sendSubscribeLocked(sub); err != nil {
			c.transportFailureLocked(err)
		}
	}
	c.log.WithFields(logrus.Fields{
		"subscription_id": id,
		"channels":        normalized,
	}).Info("订阅频道")
	return id, nil
}

// Unsubscribe 注销订阅
func (c *ConnectionManager) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.unlock()

	if err := c.registry.Unsubscribe(id); err != nil {
		return err
	}
	if c.state.Status == model.StatusConnected {
		env, err := model.NewEnvelope(c.newID(), c.sched.Now(), model.UnsubscribePayload{SubscriptionID: id})
		if err != nil {
			return err
		}
		if err := c.sendFrameLocked(env); err != nil {
			c.transportFailureLocked(err)
		}
	}
	c.log.WithField("subscription_id", id).Info("取消订阅")
	return nil
}

func (c *ConnectionManager) sendSubscribeLocked(sub SubscriptionInfo) error {
	payload := model.SubscribePayload{
		SubscriptionID: sub.ID,
		Channels:       sub.Channels,
		Filters: model.SubscribeFilters{
			EventTypes: sub.EventTypes,
			Priority:   sub.Priority,
		},
	}
	if err := c.validator.ValidatePayload(payload); err != nil {
		return err
	}
	env, err := model.NewEnvelope(c.newID(), c.sched.Now(), payload)
	if err != nil {
		return err
	}
	return c.sendFrameLocked(env)
}

// Publish 校验并入队一个事件，返回消息id。默认需要ack，优先级normal
func (c *ConnectionManager) Publish(e model.DomainEvent, opts ...PublishOption) (string, error) {
	o := resolvePublishOptions(opts)

	c.mu.Lock()
	defer c.unlock()

	now := c.sched.Now()
	env, err := c.validator.ValidateOutbound(e, c.newID(), now)
	if err != nil {
		c.metrics.ValidationError(directionOutbound)
		return "", err
	}
	env.RequiresAck = o.requiresAck

	evictions, err := c.queue.Enqueue(env, o.priority, now)
	if err != nil {
		return "", err
	}
	c.handleEvictionsLocked(evictions)
	c.pumpLocked()
	c.updateQueueMetricsLocked()
	return env.ID, nil
}

func (c *ConnectionManager) handleEvictionsLocked(evictions []Eviction) {
	for _, ev := range evictions {
		ev := ev
		id := ev.Message.Envelope.ID
		if t, ok := c.ackTimers[id]; ok {
			t.Stop()
			delete(c.ackTimers, id)
		}
		c.metrics.QueueEviction(ev.Message.Priority)
		fields := logrus.Fields{
			"message_id": id,
			"priority":   ev.Message.Priority,
		}
		if ev.Saturated {
			c.log.WithFields(fields).Warn("发送缓冲区已满，淘汰最旧的消息")
		} else {
			c.log.WithFields(fields).Debug("发送缓冲区已满，淘汰低优先级消息")
		}
		c.emitLater(func() { c.signals.QueueWarning.Emit(ev) })
	}
}

// pumpLocked 批量策略：有高优先级消息或达到batchSize时立即发送，否则等flushInterval
func (c *ConnectionManager) pumpLocked() {
	if c.state.Status != model.StatusConnected {
		return
	}
	undispatched := c.queue.Undispatched()
	if undispatched == 0 {
		return
	}
	if c.cfg.BatchSize <= 1 || undispatched >= c.cfg.BatchSize || c.queue.HasUndispatched(model.PriorityHigh) {
		c.flushLocked()
		return
	}
	if c.flushTimer == nil {
		gen := c.generation
		c.flushTimer = c.sched.AfterFunc(c.cfg.FlushInterval, func() {
			c.mu.Lock()
			defer c.unlock()
			if gen != c.generation {
				return
			}
			c.flushTimer = nil
			c.flushLocked()
		})
	}
}

// flushLocked 按优先级和入队顺序发送全部未发送消息，每帧最多batchSize条
func (c *ConnectionManager) flushLocked() {
	c.stopTimer(&c.flushTimer)
	for c.state.Status == model.StatusConnected {
		msgs := c.queue.DrainPending(c.cfg.BatchSize)
		if len(msgs) == 0 {
			break
		}
		if err := c.sendMessagesLocked(msgs); err != nil {
			c.transportFailureLocked(err)
			break
		}
	}
	c.updateQueueMetricsLocked()
}

func (c *ConnectionManager) sendMessagesLocked(msgs []model.QueuedMessage) error {
	var frame *model.Envelope
	if len(msgs) == 1 {
		frame = msgs[0].Envelope
	} else {
		envs := make([]*model.Envelope, 0, len(msgs))
		requiresAck := false
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			envs = append(envs, m.Envelope)
			ids = append(ids, m.Envelope.ID)
			requiresAck = requiresAck || m.Envelope.RequiresAck
		}
		batch, err := model.NewEnvelope(c.newID(), c.sched.Now(), model.BatchPayload{Type: model.BatchType, Messages: envs})
		if err != nil {
			return err
		}
		batch.RequiresAck = requiresAck
		if requiresAck {
			c.batches[batch.ID] = ids
		}
		frame = batch
	}

	if err := c.sendFrameLocked(frame); err != nil {
		return err
	}

	for _, m := range msgs {
		id := m.Envelope.ID
		if !m.Envelope.RequiresAck {
			c.queue.Complete(id)
			continue
		}
		gen := c.generation
		c.ackTimers[id] = c.sched.AfterFunc(c.cfg.AckTimeout, func() { c.onAckTimeout(gen, id) })
	}
	return nil
}

func (c *ConnectionManager) sendFrameLocked(env *model.Envelope) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return &ValidationError{Direction: directionOutbound, Reason: "序列化失败", Err: err}
	}
	if err := c.conn.Send(data); err != nil {
		return err
	}
	c.state.BytesSent += int64(len(data))
	c.state.MessagesSent++
	c.metrics.MessageSent(env.Type, len(data))
	c.emitLater(func() { c.signals.MessageSent.Emit(env) })
	return nil
}

// onAckTimeout 超时的消息移入failed，次数未用完时按退避重新入队
func (c *ConnectionManager) onAckTimeout(gen uint64, id string) {
	c.mu.Lock()
	defer c.unlock()
	if gen != c.generation {
		return
	}
	delete(c.ackTimers, id)

	timeoutErr := &TimeoutError{Op: "ack", MessageID: id, After: c.cfg.AckTimeout}
	msg, ok := c.queue.MarkFailed(id, timeoutErr)
	if !ok {
		return
	}
	c.updateQueueMetricsLocked()
	c.log.WithFields(logrus.Fields{
		"message_id": id,
		"attempts":   msg.Attempts,
	}).Warn("消息确认超时")
	c.emitLater(func() { c.signals.MessageTimeout.Emit(msg) })

	if msg.Attempts < c.queue.MaxAttempts() {
		delay := c.backoff.Delay(msg.Attempts)
		c.retryTimers[id] = c.sched.AfterFunc(delay, func() { c.retryAfterTimeout(id) })
		return
	}
	c.deliveryFailedLocked(msg, timeoutErr)
}

// retryAfterTimeout 重试定时器跨越重连，只有Disconnect和手动重试会取消它
func (c *ConnectionManager) retryAfterTimeout(id string) {
	c.mu.Lock()
	defer c.unlock()
	if _, ok := c.retryTimers[id]; !ok {
		return
	}
	delete(c.retryTimers, id)
	if err := c.queue.Requeue(id, false); err != nil {
		return
	}
	c.pumpLocked()
	c.updateQueueMetricsLocked()
}

func (c *ConnectionManager) deliveryFailedLocked(msg model.QueuedMessage, cause error) {
	failure := &DeliveryFailure{Message: msg, Attempts: msg.Attempts, Err: cause}
	c.metrics.DeliveryFailure()
	c.log.WithFields(logrus.Fields{
		"message_id": msg.Envelope.ID,
		"attempts":   msg.Attempts,
	}).Error("消息投递失败，等待手动重试")
	c.emitLater(func() { c.signals.DeliveryFailed.Emit(failure) })
}

// RetryMessage 手动重试一条失败消息，尝试次数清零
func (c *ConnectionManager) RetryMessage(id string) error {
	c.mu.Lock()
	defer c.unlock()
	if t, ok := c.retryTimers[id]; ok {
		t.Stop()
		delete(c.retryTimers, id)
	}
	if err := c.queue.Requeue(id, true); err != nil {
		return err
	}
	c.log.WithField("message_id", id).Info("手动重试消息")
	c.pumpLocked()
	c.updateQueueMetricsLocked()
	return nil
}

// RetryFailed 重试全部失败消息
func (c *ConnectionManager) RetryFailed() int {
	n := 0
	for _, msg := range c.queue.Failed() {
		if err := c.RetryMessage(msg.Envelope.ID); err == nil {
			n++
		}
	}
	return n
}

// ClearFailed 丢弃全部失败消息
func (c *ConnectionManager) ClearFailed() int {
	c.mu.Lock()
	defer c.unlock()
	for id, t := range c.retryTimers {
		t.Stop()
		delete(c.retryTimers, id)
	}
	n := c.queue.ClearFailed()
	c.updateQueueMetricsLocked()
	return n
}

// Failed 失败消息
func (c *ConnectionManager) Failed() []model.QueuedMessage {
	return c.queue.Failed()
}

// RequestSync 发送sync.request，返回消息id
func (c *ConnectionManager) RequestSync(lastSync *time.Time) (string, error) {
	c.mu.Lock()
	defer c.unlock()
	if c.state.Status != model.StatusConnected {
		return "", ErrNotConnected
	}
	env, err := model.NewEnvelope(c.newID(), c.sched.Now(), model.SyncRequestPayload{LastSync: lastSync})
	if err != nil {
		return "", err
	}
	if err := c.sendFrameLocked(env); err != nil {
		c.transportFailureLocked(err)
		return "", err
	}
	return env.ID, nil
}

func (c *ConnectionManager) sendHeartbeat() {
	c.mu.Lock()
	defer c.unlock()
	if c.state.Status != model.StatusConnected {
		return
	}
	now := c.sched.Now()
	for id, sentAt := range c.heartbeats {
		if now.Sub(sentAt) > 2*c.cfg.HeartbeatInterval {
			delete(c.heartbeats, id)
		}
	}
	id := c.newID()
	env, err := model.NewEnvelope(id, now, model.HeartbeatPayload{Timestamp: now.UnixMilli()})
	if err != nil {
		return
	}
	if err := c.sendFrameLocked(env); err != nil {
		c.transportFailureLocked(err)
		return
	}
	c.heartbeats[id] = now
}

func (c *ConnectionManager) updateQueueMetricsLocked() {
	s := c.queue.Stats()
	c.metrics.SetQueueDepth(s.Pending, s.Failed, s.Acknowledged)
}

// connHandler 把传输层回调带上连接代次，旧连接的回调会被忽略
type connHandler struct {
	c   *ConnectionManager
	gen uint64
}

func (h *connHandler) OnMessage(data []byte) { h.c.onMessage(h.gen, data) }

func (h *connHandler) OnClose(code int, reason string) { h.c.onClose(h.gen, code, reason) }

func (h *connHandler) OnError(err error) { h.c.onError(h.gen, err) }

func (c *ConnectionManager) onError(gen uint64, err error) {
	c.mu.Lock()
	defer c.unlock()
	if gen != c.generation {
		return
	}
	terr := &TransportError{Op: "read", Err: err}
	c.log.WithError(err).Error("WebSocket连接异常")
	c.emitLater(func() { c.signals.ConnectionError.Emit(terr) })
}

func (c *ConnectionManager) onClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	defer c.unlock()
	if gen != c.generation {
		return
	}
	c.conn = nil

	if transport.IsAuthCloseCode(code) {
		c.failAuthLocked(&AuthError{Code: strconv.Itoa(code), Reason: reason})
		return
	}

	c.generation++
	c.teardownLocked()
	info := DisconnectInfo{Code: code, Reason: reason}
	c.emitLater(func() { c.signals.Disconnected.Emit(info) })

	if code == transport.CloseNormal {
		c.log.WithField("reason", reason).Info("服务端正常关闭连接")
		c.setStatusLocked(model.StatusDisconnected)
		return
	}

	c.log.WithFields(logrus.Fields{
		"code":   code,
		"reason": reason,
	}).Warn("连接异常关闭")
	c.setStatusLocked(model.StatusError)
	c.scheduleReconnectLocked()
}

func (c *ConnectionManager) onMessage(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.unlock()
	if gen != c.generation {
		return
	}
	c.state.BytesReceived += int64(len(data))
	c.state.MessagesReceived++

	env, err := c.validator.DecodeEnvelope(data)
	if err != nil {
		c.rejectInboundLocked(err)
		return
	}
	c.metrics.MessageReceived(env.Type, len(data))
	c.emitLater(func() { c.signals.MessageReceived.Emit(env) })
	c.handleEnvelopeLocked(env)
}

func (c *ConnectionManager) rejectInboundLocked(err error) {
	c.metrics.ValidationError(directionInbound)
	c.log.WithError(err).Warn("丢弃格式错误的消息")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		verr = &ValidationError{Direction: directionInbound, Err: err}
	}
	c.emitLater(func() { c.signals.ValidationFailed.Emit(verr) })
}

func (c *ConnectionManager) handleEnvelopeLocked(env *model.Envelope) {
	if env.RequiresAck && env.Type != model.EnvelopeAck {
		c.sendAckLocked(env.ID)
	}

	switch env.Type {
	case model.EnvelopeAck:
		c.handleAckLocked(env.ReplyTo)
	case model.EnvelopeError:
		c.handleServerErrorLocked(env)
	case model.EnvelopeEvent:
		if env.IsBatch() {
			inner, err := c.validator.DecodeBatch(env)
			if err != nil {
				c.rejectInboundLocked(err)
				return
			}
			for _, m := range inner {
				c.handleEnvelopeLocked(m)
			}
			return
		}
		// 校验通过后才记录id，格式错误的事件可以用同一id重发
		e, err := c.validator.ValidateInbound(env.Data)
		if err != nil {
			c.rejectInboundLocked(err)
			return
		}
		if !c.queue.MarkSeen(env.ID) {
			c.log.WithField("message_id", env.ID).Debug("重复的事件，已忽略")
			return
		}
		c.deliverLocked(e)
	case model.EnvelopeHeartbeat:
		if env.ReplyTo != "" {
			c.handleAckLocked(env.ReplyTo)
		} else if !env.RequiresAck {
			c.sendAckLocked(env.ID)
		}
	case model.EnvelopeSyncResponse:
		c.handleSyncResponseLocked(env)
	default:
		c.log.WithField("type", env.Type).Debug("忽略服务端发送的消息类型")
	}
}

func (c *ConnectionManager) sendAckLocked(replyTo string) {
	if c.conn == nil {
		return
	}
	if err := c.sendFrameLocked(model.NewAck(c.newID(), c.sched.Now(), replyTo)); err != nil {
		c.transportFailureLocked(err)
	}
}

func (c *ConnectionManager) handleAckLocked(replyTo string) {
	if replyTo == "" {
		return
	}
	if replyTo == c.authID {
		c.emitLater(func() { c.signals.Authenticated.Emit(replyTo) })
		return
	}
	if ids, ok := c.batches[replyTo]; ok {
		delete(c.batches, replyTo)
		for _, id := range ids {
			c.ackOneLocked(id)
		}
		c.updateQueueMetricsLocked()
		return
	}
	if sentAt, ok := c.heartbeats[replyTo]; ok {
		delete(c.heartbeats, replyTo)
		c.recordLatencyLocked(replyTo, sentAt)
		return
	}
	c.ackOneLocked(replyTo)
	c.updateQueueMetricsLocked()
}

func (c *ConnectionManager) ackOneLocked(id string) {
	if t, ok := c.ackTimers[id]; ok {
		t.Stop()
		delete(c.ackTimers, id)
	}
	if t, ok := c.retryTimers[id]; ok {
		t.Stop()
		delete(c.retryTimers, id)
	}
	if !c.queue.MarkAcknowledged(id) {
		c.log.WithField("message_id", id).Debug("重复或未知的ack")
		return
	}
	c.emitLater(func() { c.signals.Acknowledged.Emit(id) })
}

// recordLatencyLocked 延迟 = 当前时间 - id前缀中的发送时间
func (c *ConnectionManager) recordLatencyLocked(id string, fallback time.Time) {
	sent := fallback
	if prefix, _, ok := strings.Cut(id, "-"); ok {
		if ms, err := strconv.ParseInt(prefix, 10, 64); err == nil {
			sent = time.UnixMilli(ms)
		}
	}
	latency := c.sched.Now().Sub(sent)
	if latency < 0 {
		latency = 0
	}
	ms := latency.Milliseconds()
	c.state.LatencyMs = &ms
	c.metrics.ObserveLatency(latency)
}

func (c *ConnectionManager) handleServerErrorLocked(env *model.Envelope) {
	var p model.ErrorPayload
	if err := c.validator.DecodePayload(env, &p); err != nil {
		c.rejectInboundLocked(err)
		return
	}

	if (env.ReplyTo != "" && env.ReplyTo == c.authID) || p.Code == ErrorCodeAuthFailed || p.Code == ErrorCodeUnauthorized || p.Code == ErrorCodeTokenExpired {
		c.failAuthLocked(&AuthError{Code: p.Code, Reason: p.Message})
		return
	}

	if ids, ok := c.batches[env.ReplyTo]; ok {
		delete(c.batches, env.ReplyTo)
		for _, id := range ids {
			c.rejectMessageLocked(id, p)
		}
	} else if env.ReplyTo != "" {
		c.rejectMessageLocked(env.ReplyTo, p)
	}

	c.log.WithFields(logrus.Fields{
		"code":     p.Code,
		"message":  p.Message,
		"reply_to": env.ReplyTo,
	}).Warn("服务端返回错误")
	c.emitLater(func() { c.signals.ServerError.Emit(p) })
}

// rejectMessageLocked 服务端明确拒绝的消息不再自动重试
func (c *ConnectionManager) rejectMessageLocked(id string, p model.ErrorPayload) {
	if t, ok := c.ackTimers[id]; ok {
		t.Stop()
		delete(c.ackTimers, id)
	}
	cause := fmt.Errorf("服务端拒绝(%s): %s", p.Code, p.Message)
	msg, ok := c.queue.MarkFailed(id, cause)
	if !ok {
		return
	}
	c.updateQueueMetricsLocked()
	c.deliveryFailedLocked(msg, cause)
}

func (c *ConnectionManager) handleSyncResponseLocked(env *model.Envelope) {
	var p model.SyncResponsePayload
	if err := c.validator.DecodePayload(env, &p); err != nil {
		c.rejectInboundLocked(err)
		return
	}
	events := make([]model.DomainEvent, 0, len(p.Events))
	for _, raw := range p.Events {
		e, err := c.validator.ValidateInbound(raw)
		if err != nil {
			c.rejectInboundLocked(err)
			continue
		}
		if e.ID != "" && !c.queue.MarkSeen(e.ID) {
			continue
		}
		events = append(events, e)
		c.deliverLocked(e)
	}
	c.log.WithField("events", len(events)).Info("收到同步响应")
	c.emitLater(func() { c.signals.SyncResponse.Emit(events) })
}

// deliverLocked 入站事件：检查、路由、限速，然后通知订阅者
func (c *ConnectionManager) deliverLocked(e model.DomainEvent) {
	if c.hook != nil && !c.hook(e) {
		c.metrics.EventDropped("stale")
		c.log.WithFields(logrus.Fields{
			"event_type": e.Type,
			"event_id":   e.ID,
		}).Debug("丢弃过期事件")
		return
	}

	deliveries, quotas := c.registry.Dispatch(e, c.sched.Now())
	for _, q := range quotas {
		q := q
		c.metrics.EventDropped("rate_limited")
		c.emitLater(func() { c.signals.QuotaExceeded.Emit(q) })
	}
	if len(deliveries) == 0 {
		return
	}

	routed := RoutedEvent{Event: e, Subscriptions: make([]string, 0, len(deliveries))}
	for _, d := range deliveries {
		routed.Subscriptions = append(routed.Subscriptions, d.SubscriptionID)
	}
	c.emitLater(func() {
		for _, d := range deliveries {
			if d.OnEvent != nil {
				d.OnEvent(e)
			}
		}
		c.signals.RealTimeEvent.Emit(routed)
	})
}
