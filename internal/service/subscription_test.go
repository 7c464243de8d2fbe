package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsync/internal/model"
)

func feedbackEvent(projectID string) model.DomainEvent {
	return model.DomainEvent{
		Type:      model.EventFeedbackCreated,
		UserID:    "7",
		ProjectID: projectID,
		Timestamp: t0,
	}
}

func TestRouteMatchesChannelAndType(t *testing.T) {
	r := NewSubscriptionRegistry()
	p42, err := r.Subscribe([]model.Channel{"project:42"}, model.SubscriptionConfig{}, t0)
	require.NoError(t, err)
	p7, err := r.Subscribe([]model.Channel{"project:7"}, model.SubscriptionConfig{}, t0)
	require.NoError(t, err)
	global, err := r.Subscribe([]model.Channel{model.ChannelGlobal}, model.SubscriptionConfig{
		EventTypes: []model.EventType{model.EventCommentCreated},
	}, t0)
	require.NoError(t, err)
	user, err := r.Subscribe([]model.Channel{"user:7"}, model.SubscriptionConfig{}, t0)
	require.NoError(t, err)

	assert.Equal(t, []string{p42, user}, r.Route(feedbackEvent("42")))

	comment := feedbackEvent("7")
	comment.Type = model.EventCommentCreated
	assert.Equal(t, []string{p7, global, user}, r.Route(comment))
}

func TestUnsubscribe(t *testing.T) {
	r := NewSubscriptionRegistry()
	id, err := r.Subscribe([]model.Channel{"project:42"}, model.SubscriptionConfig{}, t0)
	require.NoError(t, err)

	require.NoError(t, r.Unsubscribe(id))
	assert.Empty(t, r.Route(feedbackEvent("42")))
	assert.ErrorIs(t, r.Unsubscribe(id), ErrSubscriptionNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestSubscribeDefaults(t *testing.T) {
	r := NewSubscriptionRegistry()
	_, err := r.Subscribe(nil, model.SubscriptionConfig{}, t0)
	assert.Error(t, err)
	_, err = r.Subscribe([]model.Channel{"global"}, model.SubscriptionConfig{Priority: "urgent"}, t0)
	assert.Error(t, err)

	id, err := r.Subscribe([]model.Channel{"global"}, model.SubscriptionConfig{}, t0)
	require.NoError(t, err)
	info, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.PriorityNormal, info.Priority)
	assert.Equal(t, DefaultMaxEventsPerSecond, info.MaxEventsPerSecond)
	assert.Equal(t, DefaultSubscriptionBuffer, info.BufferSize)

	_, err = r.SubscribeWithID(id, []model.Channel{"global"}, model.SubscriptionConfig{}, t0)
	assert.Error(t, err)
}

func TestDispatchRateLimit(t *testing.T) {
	r := NewSubscriptionRegistry()
	id, err := r.Subscribe([]model.Channel{"project:42"}, model.SubscriptionConfig{MaxEventsPerSecond: 2}, t0)
	require.NoError(t, err)

	e := feedbackEvent("42")
	for i := 0; i < 2; i++ {
		deliveries, quotas := r.Dispatch(e, t0)
		assert.Len(t, deliveries, 1)
		assert.Empty(t, quotas)
	}

	deliveries, quotas := r.Dispatch(e, t0)
	assert.Empty(t, deliveries)
	require.Len(t, quotas, 1)
	assert.Equal(t, id, quotas[0].SubscriptionID)
	assert.Equal(t, 2, quotas[0].Limit)

	// 其他事件类型有独立的配额
	other := e
	other.Type = model.EventCommentCreated
	deliveries, _ = r.Dispatch(other, t0)
	assert.Len(t, deliveries, 1)

	// 一秒后配额恢复
	deliveries, _ = r.Dispatch(e, t0.Add(time.Second))
	assert.Len(t, deliveries, 1)

	info, _ := r.Get(id)
	assert.EqualValues(t, 1, info.Dropped)
}

func TestListKeepsRegistrationOrder(t *testing.T) {
	r := NewSubscriptionRegistry()
	a, _ := r.Subscribe([]model.Channel{"project:1"}, model.SubscriptionConfig{}, t0)
	b, _ := r.Subscribe([]model.Channel{"project:2"}, model.SubscriptionConfig{}, t0)
	c, _ := r.Subscribe([]model.Channel{"project:3"}, model.SubscriptionConfig{}, t0)
	require.NoError(t, r.Unsubscribe(b))

	var ids []string
	for _, s := range r.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{a, c}, ids)

	r.Clear()
	assert.Empty(t, r.List())
}
