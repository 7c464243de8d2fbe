package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsync/internal/model"
	"rtsync/internal/store"
)

type versionMap map[string]int64

func (m versionMap) Version(key string) (int64, bool) {
	v, ok := m[key]
	return v, ok
}

func entityEvent(id, key string, version int64) model.DomainEvent {
	return model.DomainEvent{
		ID:        id,
		Type:      model.EventFeedbackUpdated,
		UserID:    "7",
		ProjectID: "42",
		Entity:    &model.EntityRef{Key: key, Version: version},
		Timestamp: t0,
	}
}

func newOffline(t *testing.T, st store.Store, versions VersionLookup, limit int) *OfflineManager {
	t.Helper()
	o, err := NewOfflineManager(context.Background(), st, versions, limit, func() time.Time { return t0 }, nil)
	require.NoError(t, err)
	return o
}

func TestOfflineReplayPreservesOrder(t *testing.T) {
	ctx := context.Background()
	o := newOffline(t, store.NewMemory(), versionMap{}, 0)
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := o.RecordOffline(ctx, entityEvent(id, "feedback:"+id, 1))
		require.NoError(t, err)
	}
	n, err := o.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var replayed []string
	result, err := o.OnConnectivityRestored(ctx, func(_ context.Context, rec model.OfflineRecord) (string, error) {
		replayed = append(replayed, rec.Event.ID)
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, replayed)
	assert.Len(t, result.Replayed, 3)
	assert.Equal(t, 0, result.Remaining)

	records, err := o.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records, "同步后的记录应被删除")
}

func TestOfflineConflictIsSkippedAndReported(t *testing.T) {
	ctx := context.Background()
	versions := versionMap{"feedback:2": 5}
	o := newOffline(t, store.NewMemory(), versions, 0)

	var conflicts []model.OfflineRecord
	o.Conflict.On(func(r model.OfflineRecord) { conflicts = append(conflicts, r) })

	for i, id := range []string{"e1", "e2", "e3"} {
		_, err := o.RecordOffline(ctx, entityEvent(id, "feedback:"+string(rune('1'+i)), 3))
		require.NoError(t, err)
	}

	var replayed []string
	result, err := o.OnConnectivityRestored(ctx, func(_ context.Context, rec model.OfflineRecord) (string, error) {
		replayed = append(replayed, rec.Event.ID)
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e3"}, replayed)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "e2", result.Conflicts[0].Event.ID)
	assert.EqualValues(t, 5, result.Conflicts[0].ServerVersion)
	require.Len(t, conflicts, 1)

	stored, err := o.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.SyncConflict, stored[0].SyncState)

	// force后下次恢复时重放
	require.NoError(t, o.ResolveConflict(ctx, stored[0].ID, ResolveForce))
	replayed = nil
	_, err = o.OnConnectivityRestored(ctx, func(_ context.Context, rec model.OfflineRecord) (string, error) {
		replayed = append(replayed, rec.Event.ID)
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, replayed)
}

func TestOfflineResolveDiscard(t *testing.T) {
	ctx := context.Background()
	o := newOffline(t, store.NewMemory(), versionMap{"k": 9}, 0)
	rec, err := o.RecordOffline(ctx, entityEvent("e1", "k", 1))
	require.NoError(t, err)

	assert.Error(t, o.ResolveConflict(ctx, rec.ID, ResolveDiscard), "pending记录不能按冲突处理")

	_, err = o.OnConnectivityRestored(ctx, func(context.Context, model.OfflineRecord) (string, error) { return "", nil })
	require.NoError(t, err)
	require.NoError(t, o.ResolveConflict(ctx, rec.ID, ResolveDiscard))
	records, _ := o.Records(ctx)
	assert.Empty(t, records)

	assert.ErrorIs(t, o.ResolveConflict(ctx, "missing", ResolveDiscard), ErrRecordNotFound)
}

func TestOfflineReplayStopsOnError(t *testing.T) {
	ctx := context.Background()
	o := newOffline(t, store.NewMemory(), nil, 0)
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := o.RecordOffline(ctx, entityEvent(id, id, 1))
		require.NoError(t, err)
	}

	boom := errors.New("boom")
	result, err := o.OnConnectivityRestored(ctx, func(_ context.Context, rec model.OfflineRecord) (string, error) {
		if rec.Event.ID == "e2" {
			return "", boom
		}
		return "", nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, result.Replayed, 1)
	assert.Equal(t, 2, result.Remaining)

	records, err := o.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "e2", records[0].Event.ID)
}

func TestOfflineRecordsWrittenDuringReplayArePickedUp(t *testing.T) {
	ctx := context.Background()
	o := newOffline(t, store.NewMemory(), nil, 0)
	_, err := o.RecordOffline(ctx, entityEvent("e1", "a", 1))
	require.NoError(t, err)

	var replayed []string
	_, err = o.OnConnectivityRestored(ctx, func(_ context.Context, rec model.OfflineRecord) (string, error) {
		replayed = append(replayed, rec.Event.ID)
		if rec.Event.ID == "e1" {
			assert.True(t, o.Replaying())
			_, err := o.RecordOffline(ctx, entityEvent("e2", "b", 1))
			return "", err
		}
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, replayed)
	assert.False(t, o.Replaying())
}

func TestOfflineRetentionEvictsOldest(t *testing.T) {
	ctx := context.Background()
	o := newOffline(t, store.NewMemory(), nil, 2)
	var evicted []string
	o.Evicted.On(func(r model.OfflineRecord) { evicted = append(evicted, r.Event.ID) })

	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := o.RecordOffline(ctx, entityEvent(id, id, 1))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"e1"}, evicted)
	records, err := o.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "e2", records[0].Event.ID)
}

func TestOfflineSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offline.json")
	st, err := store.OpenFile(path)
	require.NoError(t, err)
	o := newOffline(t, st, nil, 0)
	_, err = o.RecordOffline(ctx, entityEvent("e1", "a", 1))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = store.OpenFile(path)
	require.NoError(t, err)
	defer st.Close()
	o = newOffline(t, st, nil, 0)
	rec, err := o.RecordOffline(ctx, entityEvent("e2", "b", 1))
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Seq, "序号从已保存的记录继续")

	var replayed []string
	_, err = o.OnConnectivityRestored(ctx, func(_ context.Context, rec model.OfflineRecord) (string, error) {
		replayed = append(replayed, rec.Event.ID)
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, replayed)
}

func TestOfflineConflictWhenServerReachedSameVersion(t *testing.T) {
	ctx := context.Background()
	o := newOffline(t, store.NewMemory(), versionMap{"k": 2, "v0": 7}, 0)
	_, err := o.RecordOffline(ctx, entityEvent("same", "k", 2))
	require.NoError(t, err)
	_, err = o.RecordOffline(ctx, entityEvent("newer", "k", 3))
	require.NoError(t, err)
	_, err = o.RecordOffline(ctx, entityEvent("unversioned", "v0", 0))
	require.NoError(t, err)

	var replayed []string
	result, err := o.OnConnectivityRestored(ctx, func(_ context.Context, rec model.OfflineRecord) (string, error) {
		replayed = append(replayed, rec.Event.ID)
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"newer", "unversioned"}, replayed)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "same", result.Conflicts[0].Event.ID)
	assert.EqualValues(t, 2, result.Conflicts[0].ServerVersion)
}

func TestOfflineRecordKeptUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offline.json")
	st, err := store.OpenFile(path)
	require.NoError(t, err)
	o := newOffline(t, st, nil, 0)
	_, err = o.RecordOffline(ctx, entityEvent("e1", "a", 1), WithPriority(model.PriorityHigh))
	require.NoError(t, err)
	_, err = o.RecordOffline(ctx, entityEvent("e2", "b", 1), WithoutAck())
	require.NoError(t, err)

	var got []model.OfflineRecord
	result, err := o.OnConnectivityRestored(ctx, func(_ context.Context, rec model.OfflineRecord) (string, error) {
		got = append(got, rec)
		if rec.NoAck {
			return "", nil
		}
		return "msg-" + rec.Event.ID, nil
	})
	require.NoError(t, err)
	assert.Len(t, result.Replayed, 2)
	assert.Equal(t, 0, result.Remaining)
	require.Len(t, got, 2)
	assert.Equal(t, model.PriorityHigh, got[0].Priority)
	assert.False(t, got[0].NoAck)
	assert.True(t, got[1].NoAck)

	records, err := o.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "不需要ack的记录立即删除")
	assert.Equal(t, model.SyncSent, records[0].SyncState)
	assert.Equal(t, "msg-e1", records[0].MessageID)

	// 未确认的记录在重启后重新进入待重放
	require.NoError(t, st.Close())
	st, err = store.OpenFile(path)
	require.NoError(t, err)
	defer st.Close()
	o = newOffline(t, st, nil, 0)
	n, err := o.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = o.OnConnectivityRestored(ctx, func(_ context.Context, rec model.OfflineRecord) (string, error) {
		return "msg-again", nil
	})
	require.NoError(t, err)

	confirmed, err := o.Confirm(ctx, "msg-unknown")
	require.NoError(t, err)
	assert.False(t, confirmed)
	confirmed, err = o.Confirm(ctx, "msg-again")
	require.NoError(t, err)
	assert.True(t, confirmed)
	records, err = o.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestObserveState(t *testing.T) {
	o := newOffline(t, store.NewMemory(), nil, 0)
	assert.False(t, o.ObserveState(model.StatusConnecting))
	assert.True(t, o.ObserveState(model.StatusConnected))
	assert.False(t, o.ObserveState(model.StatusConnected))
	assert.True(t, o.Online())
	assert.False(t, o.ObserveState(model.StatusReconnecting))
	assert.False(t, o.Online())
}
