package service

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rtsync/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, CapMultiplier: 30, Jitter: time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.BaseDelay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 150*time.Second)
		prev = d
	}
	assert.Equal(t, 5*time.Second, b.BaseDelay(1))
	assert.Equal(t, 10*time.Second, b.BaseDelay(2))
	assert.Equal(t, 80*time.Second, b.BaseDelay(5))
	assert.Equal(t, 150*time.Second, b.BaseDelay(6))
	assert.Equal(t, 150*time.Second, b.BaseDelay(100))
	assert.Equal(t, 5*time.Second, b.BaseDelay(0))
}

func TestBackoffJitter(t *testing.T) {
	b := Backoff{Base: time.Second, CapMultiplier: 4, Jitter: time.Second}
	for i := 0; i < 50; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}

	b.Rand = func(n int64) int64 { return n - 1 }
	assert.Equal(t, 2*time.Second-1, b.Delay(1))
}

func TestSignalOnOff(t *testing.T) {
	var s Signal[int]
	var got []int
	off := s.On(func(v int) { got = append(got, v) })
	s.On(func(v int) { got = append(got, v*10) })

	s.Emit(1)
	off()
	off()
	s.Emit(2)

	assert.Equal(t, []int{1, 10, 20}, got)
	assert.Equal(t, 1, s.Len())
}

func TestSignalListenerCanUnsubscribeDuringEmit(t *testing.T) {
	var s Signal[string]
	calls := 0
	var off func()
	off = s.On(func(string) {
		calls++
		off()
	})
	s.Emit("a")
	s.Emit("b")
	assert.Equal(t, 1, calls)
}

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	svc.now = func() time.Time { return t0 }

	token, err := svc.GenerateToken("7", "s1")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "7", claims.UserID)
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, t0.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())

	_, err = NewTokenService("other", time.Hour).ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenInspectDetectsExpiry(t *testing.T) {
	issuer := NewTokenService("secret", time.Minute)
	issuer.now = func() time.Time { return t0 }
	token, err := issuer.GenerateToken("7", "s1")
	require.NoError(t, err)

	client := NewTokenService("", 0)
	client.now = func() time.Time { return t0.Add(30 * time.Second) }
	claims, err := client.Inspect(token)
	require.NoError(t, err)
	assert.Equal(t, "7", claims.UserID)

	client.now = func() time.Time { return t0.Add(2 * time.Minute) }
	_, err = client.Inspect(token)
	assert.Error(t, err)

	_, err = client.Inspect("not-a-token")
	assert.Error(t, err)
	_, err = client.GenerateToken("7", "s1")
	assert.Error(t, err)
}

func TestChannelNormalize(t *testing.T) {
	svc := NewChannelService()
	got, err := svc.Normalize([]model.Channel{" Project:42 ", "project:42", "GLOBAL", "video:演示-1"})
	require.NoError(t, err)
	assert.Equal(t, []model.Channel{"project:42", "global", "video:演示-1"}, got)

	_, err = svc.Normalize([]model.Channel{"room:1"})
	assert.Error(t, err)
	_, err = svc.Normalize([]model.Channel{"project:"})
	assert.Error(t, err)
	_, err = svc.Normalize(nil)
	assert.Error(t, err)
}

func TestBridgeAuth(t *testing.T) {
	disabled := NewBridgeAuthService("")
	assert.False(t, disabled.Enabled())
	assert.NoError(t, disabled.Validate(""))

	svc := NewBridgeAuthService("s3cret")
	assert.True(t, svc.Enabled())
	assert.NoError(t, svc.Validate(DeriveBridgeToken("s3cret")))
	assert.Error(t, svc.Validate(""))
	assert.Error(t, svc.Validate("s3cret"))
}

func TestValidatorInbound(t *testing.T) {
	v := NewValidator()

	e, err := v.ValidateInbound(json.RawMessage(`{"type":"feedback:created","userId":"7","projectId":"42","timestamp":"2024-05-01T12:00:00Z","extraField":1}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultEventVersion, e.Version)
	assert.Contains(t, e.Extra, "extraField")

	_, err = v.ValidateInbound(json.RawMessage(`{"type":"feedback:created","timestamp":"2024-05-01T12:00:00Z"}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "inbound", verr.Direction)

	_, err = v.ValidateInbound(json.RawMessage(`{"type":"Feedback","userId":"7","timestamp":"2024-05-01T12:00:00Z"}`))
	assert.Error(t, err)

	// 新的次版本可以接受，新的主版本拒绝
	_, err = v.ValidateInbound(json.RawMessage(`{"type":"feedback:created","userId":"7","version":"1.9","timestamp":"2024-05-01T12:00:00Z"}`))
	assert.NoError(t, err)
	_, err = v.ValidateInbound(json.RawMessage(`{"type":"feedback:created","userId":"7","version":"2.0","timestamp":"2024-05-01T12:00:00Z"}`))
	assert.Error(t, err)
}

func TestValidatorEnvelope(t *testing.T) {
	v := NewValidator()
	_, err := v.DecodeEnvelope([]byte(`{"id":"1","type":"nope"}`))
	assert.Error(t, err)
	_, err = v.DecodeEnvelope([]byte(`{"type":"ack"}`))
	assert.Error(t, err)
	_, err = v.DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)

	env, err := v.DecodeEnvelope([]byte(`{"id":"1","type":"error","data":{"code":"bad","message":"x"},"replyTo":"0"}`))
	require.NoError(t, err)
	var p model.ErrorPayload
	require.NoError(t, v.DecodePayload(env, &p))
	assert.Equal(t, "bad", p.Code)
}

func TestValidatorOutbound(t *testing.T) {
	v := NewValidator()
	env, err := v.ValidateOutbound(model.DomainEvent{Type: model.EventFeedbackCreated, UserID: "7"}, "1-a", t0)
	require.NoError(t, err)
	assert.Equal(t, model.EnvelopeEvent, env.Type)

	var e model.DomainEvent
	require.NoError(t, env.Decode(&e))
	want := model.DomainEvent{Type: model.EventFeedbackCreated, UserID: "7", Version: DefaultEventVersion, Timestamp: t0}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("出站事件不一致 (-want +got):\n%s", diff)
	}

	_, err = v.ValidateOutbound(model.DomainEvent{Type: model.EventFeedbackCreated}, "1-b", t0)
	assert.Error(t, err)

	err = v.ValidatePayload(model.SubscribePayload{Channels: []model.Channel{"bogus"}})
	assert.Error(t, err)
	err = v.ValidatePayload(model.SubscribePayload{Channels: []model.Channel{"global"}, Filters: model.SubscribeFilters{Priority: "urgent"}})
	assert.Error(t, err)
	assert.NoError(t, v.ValidatePayload(model.SubscribePayload{Channels: []model.Channel{"global"}}))
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("boom")
	assert.ErrorIs(t, &TransportError{Op: "dial", Err: base}, base)
	assert.True(t, IsAuthError(&TransportError{Op: "dial", Err: &AuthError{Code: "401"}}))
	assert.False(t, IsAuthError(base))

	var te interface{ Timeout() bool }
	require.ErrorAs(t, error(&TimeoutError{Op: "ack", After: time.Second}), &te)
	assert.True(t, te.Timeout())
}
