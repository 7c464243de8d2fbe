package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rtsync/internal/metrics"
	"rtsync/internal/model"
	"rtsync/internal/store"
)

// DefaultOfflineMaxRecords 离线记录最多保留条数
const DefaultOfflineMaxRecords = 200

// Resolution 冲突处理方式
type Resolution string

const (
	// ResolveDiscard 丢弃本地写入，以服务端为准
	ResolveDiscard Resolution = "discard"
	// ResolveForce 下次恢复连接时强制重放
	ResolveForce Resolution = "force"
)

// ReplayFunc 通过正常发布路径重放一条记录，返回等待ack的消息id。
// 不需要ack时返回空字符串，记录立即删除
type ReplayFunc func(ctx context.Context, rec model.OfflineRecord) (messageID string, err error)

// ReplayResult 一次重放的结果
type ReplayResult struct {
	Replayed  []string              `json:"replayed"`
	Conflicts []model.OfflineRecord `json:"conflicts"`
	Remaining int                   `json:"remaining"`
}

// OfflineManager 断线期间持久化出站事件，恢复连接后按原顺序重放。
// 冲突的记录被标记并跳过，不阻塞后续记录
type OfflineManager struct {
	store      store.Store
	versions   VersionLookup
	now        func() time.Time
	maxRecords int
	metrics    *metrics.Metrics
	log        *logrus.Entry

	mu        sync.Mutex
	seq       uint64
	online    bool
	replaying bool
	// sent 已重放、等待ack的消息id到记录id
	sent map[string]string

	replayMu sync.Mutex

	// Conflict 记录被标记为冲突时触发
	Conflict Signal[model.OfflineRecord]
	// Evicted 超出保留上限被丢弃时触发
	Evicted Signal[model.OfflineRecord]
}

// NewOfflineManager 创建离线管理器并从存储中恢复序号
func NewOfflineManager(ctx context.Context, st store.Store, versions VersionLookup, maxRecords int, now func() time.Time, m *metrics.Metrics) (*OfflineManager, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultOfflineMaxRecords
	}
	if now == nil {
		now = time.Now
	}
	o := &OfflineManager{
		store:      st,
		versions:   versions,
		now:        now,
		maxRecords: maxRecords,
		metrics:    m,
		log:        logrus.WithField("component", "offline"),
		sent:       make(map[string]string),
	}

	records, err := st.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载离线记录失败: %w", err)
	}
	for _, rec := range records {
		if rec.Seq > o.seq {
			o.seq = rec.Seq
		}
		// 上次运行中已发送但没有收到ack的记录需要重新发送
		if rec.SyncState == model.SyncSent {
			rec.SyncState = model.SyncPending
			rec.MessageID = ""
			if err := st.Put(ctx, rec); err != nil {
				return nil, fmt.Errorf("恢复离线记录失败: %w", err)
			}
		}
	}
	m.SetOfflineRecords(len(records))
	if len(records) > 0 {
		o.log.WithField("records", len(records)).Info("恢复了未同步的离线记录")
	}
	return o, nil
}

// ObserveState 根据连接状态更新在线标记，从离线变为在线时返回true
func (o *OfflineManager) ObserveState(s model.Status) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	was := o.online
	o.online = s == model.StatusConnected
	return !was && o.online
}

// Online 连接是否可用
func (o *OfflineManager) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Replaying 是否正在重放
func (o *OfflineManager) Replaying() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.replaying
}

// RecordOffline 持久化一个离线事件及其发布参数，返回前已写入存储
func (o *OfflineManager) RecordOffline(ctx context.Context, e model.DomainEvent, opts ...PublishOption) (model.OfflineRecord, error) {
	return o.record(ctx, e, model.OriginLocal, resolvePublishOptions(opts))
}

func (o *OfflineManager) record(ctx context.Context, e model.DomainEvent, origin model.Origin, po publishOptions) (model.OfflineRecord, error) {
	o.mu.Lock()
	o.seq++
	rec := model.OfflineRecord{
		ID:        uuid.NewString(),
		Seq:       o.seq,
		Event:     e,
		QueuedAt:  o.now(),
		Origin:    origin,
		SyncState: model.SyncPending,
		Priority:  po.priority,
		NoAck:     !po.requiresAck,
	}
	o.mu.Unlock()

	if err := o.store.Put(ctx, rec); err != nil {
		return model.OfflineRecord{}, fmt.Errorf("保存离线记录失败: %w", err)
	}

	records, err := o.store.List(ctx)
	if err != nil {
		return rec, fmt.Errorf("读取离线记录失败: %w", err)
	}
	for len(records) > o.maxRecords {
		oldest := records[0]
		records = records[1:]
		if err := o.store.Delete(ctx, oldest.ID); err != nil {
			return rec, fmt.Errorf("删除离线记录失败: %w", err)
		}
		o.log.WithFields(logrus.Fields{
			"record_id":  oldest.ID,
			"event_type": oldest.Event.Type,
			"max":        o.maxRecords,
		}).Warn("离线记录超出上限，丢弃最旧的一条")
		o.Evicted.Emit(oldest)
	}
	o.metrics.SetOfflineRecords(len(records))

	o.log.WithFields(logrus.Fields{
		"record_id":  rec.ID,
		"event_type": e.Type,
	}).Debug("事件已保存到离线存储")
	return rec, nil
}

// OnConnectivityRestored 按捕获顺序重放全部待同步记录。
// 服务端已知的实体版本不低于记录要产生的版本时标记为冲突并跳过。
// 重放后的记录保留为sent，收到ack后由Confirm删除。
// replay返回错误时停止，剩余记录保留到下次恢复
func (o *OfflineManager) OnConnectivityRestored(ctx context.Context, replay ReplayFunc) (ReplayResult, error) {
	o.replayMu.Lock()
	defer o.replayMu.Unlock()

	o.setReplaying(true)
	defer o.setReplaying(false)

	var result ReplayResult
	done := make(map[string]struct{})
	for {
		next, ok, err := o.nextReplayable(ctx, done)
		if err != nil {
			return result, err
		}
		if !ok {
			break
		}
		done[next.ID] = struct{}{}

		if conflict, serverVersion := o.conflicts(next); conflict {
			next.SyncState = model.SyncConflict
			next.ServerVersion = serverVersion
			if err := o.store.Put(ctx, next); err != nil {
				return result, fmt.Errorf("保存冲突记录失败: %w", err)
			}
			o.metrics.OfflineConflict()
			o.log.WithFields(logrus.Fields{
				"record_id":      next.ID,
				"entity":         next.Event.Entity.Key,
				"version":        next.Event.Entity.Version,
				"server_version": serverVersion,
			}).Warn("离线记录与服务端版本冲突，已跳过")
			result.Conflicts = append(result.Conflicts, next)
			o.Conflict.Emit(next)
			continue
		}

		messageID, err := replay(ctx, next)
		if err != nil {
			o.log.WithError(err).WithField("record_id", next.ID).Error("离线记录重放失败")
			result.Remaining, _ = o.PendingCount(ctx)
			return result, fmt.Errorf("重放离线记录%s失败: %w", next.ID, err)
		}
		if err := o.markSent(ctx, next, messageID); err != nil {
			return result, err
		}
		result.Replayed = append(result.Replayed, next.ID)
	}

	records, err := o.store.List(ctx)
	if err == nil {
		o.metrics.SetOfflineRecords(len(records))
	}
	result.Remaining, _ = o.PendingCount(ctx)
	if len(result.Replayed) > 0 || len(result.Conflicts) > 0 {
		o.log.WithFields(logrus.Fields{
			"replayed":  len(result.Replayed),
			"conflicts": len(result.Conflicts),
		}).Info("离线记录重放完成")
	}
	return result, nil
}

// nextReplayable 每次重新读取存储，重放期间新写入的记录也会被处理
func (o *OfflineManager) nextReplayable(ctx context.Context, done map[string]struct{}) (model.OfflineRecord, bool, error) {
	records, err := o.store.List(ctx)
	if err != nil {
		return model.OfflineRecord{}, false, fmt.Errorf("读取离线记录失败: %w", err)
	}
	for _, rec := range records {
		if _, seen := done[rec.ID]; seen {
			continue
		}
		if rec.SyncState == model.SyncPending {
			return rec, true, nil
		}
	}
	return model.OfflineRecord{}, false, nil
}

func (o *OfflineManager) markSent(ctx context.Context, rec model.OfflineRecord, messageID string) error {
	if messageID == "" {
		if err := o.store.Delete(ctx, rec.ID); err != nil {
			return fmt.Errorf("删除已同步记录失败: %w", err)
		}
		return nil
	}
	rec.SyncState = model.SyncSent
	rec.MessageID = messageID
	if err := o.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("保存已发送记录失败: %w", err)
	}
	o.mu.Lock()
	o.sent[messageID] = rec.ID
	o.mu.Unlock()
	return nil
}

// Confirm 重放消息收到ack后删除对应记录。不是重放消息时返回false
func (o *OfflineManager) Confirm(ctx context.Context, messageID string) (bool, error) {
	o.mu.Lock()
	id, ok := o.sent[messageID]
	delete(o.sent, messageID)
	o.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return true, fmt.Errorf("删除已同步记录失败: %w", err)
	}
	if records, err := o.store.List(ctx); err == nil {
		o.metrics.SetOfflineRecords(len(records))
	}
	o.log.WithFields(logrus.Fields{
		"record_id":  id,
		"message_id": messageID,
	}).Debug("离线记录已被服务端确认")
	return true, nil
}

// conflicts Version为0的记录不参与冲突检测
func (o *OfflineManager) conflicts(rec model.OfflineRecord) (bool, int64) {
	if rec.Forced || rec.Event.Entity == nil || rec.Event.Entity.Version == 0 || o.versions == nil {
		return false, 0
	}
	current, ok := o.versions.Version(rec.Event.Entity.Key)
	if !ok || current < rec.Event.Entity.Version {
		return false, 0
	}
	return true, current
}

func (o *OfflineManager) setReplaying(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replaying = v
}

// PendingCount 等待重放的记录数，不含冲突和已发送待确认的记录
func (o *OfflineManager) PendingCount(ctx context.Context) (int, error) {
	records, err := o.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		if rec.SyncState == model.SyncPending {
			n++
		}
	}
	return n, nil
}

// Records 全部离线记录，按捕获顺序
func (o *OfflineManager) Records(ctx context.Context) ([]model.OfflineRecord, error) {
	return o.store.List(ctx)
}

// Conflicts 被标记为冲突的记录
func (o *OfflineManager) Conflicts(ctx context.Context) ([]model.OfflineRecord, error) {
	records, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.OfflineRecord
	for _, rec := range records {
		if rec.SyncState == model.SyncConflict {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ResolveConflict 处理冲突记录：discard删除，force在下次恢复时强制重放
func (o *OfflineManager) ResolveConflict(ctx context.Context, id string, how Resolution) error {
	records, err := o.store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.ID != id {
			continue
		}
		if rec.SyncState != model.SyncConflict {
			return fmt.Errorf("记录%s不是冲突状态", id)
		}
		switch how {
		case ResolveDiscard:
			return o.store.Delete(ctx, id)
		case ResolveForce:
			rec.Forced = true
			rec.SyncState = model.SyncPending
			return o.store.Put(ctx, rec)
		default:
			return fmt.Errorf("未知的冲突处理方式: %s", how)
		}
	}
	return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}
