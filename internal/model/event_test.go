package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainEventLegacyFields(t *testing.T) {
	raw := []byte(`{
		"id": 17,
		"type": "feedback:created",
		"userId": 7,
		"projectId": "42",
		"data": {"text": "hi"},
		"timestamp": 1714564800000,
		"futureField": {"nested": true}
	}`)

	var e DomainEvent
	require.NoError(t, json.Unmarshal(raw, &e))
	assert.Equal(t, "17", e.ID)
	assert.Equal(t, "7", e.UserID)
	assert.Equal(t, EventFeedbackCreated, e.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(e.Payload))
	assert.Equal(t, time.UnixMilli(1714564800000).UTC(), e.Timestamp)
	assert.Contains(t, e.Extra, "futureField")
	assert.NotContains(t, e.Extra, "data")
}

func TestDomainEventExtraRoundTrip(t *testing.T) {
	e := DomainEvent{
		Type:      EventCommentCreated,
		UserID:    "u1",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Extra:     map[string]json.RawMessage{"traceId": json.RawMessage(`"abc"`)},
	}
	out, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "abc", m["traceId"])
	assert.Equal(t, "comment:created", m["type"])
}

func TestDomainEventBadTimestamp(t *testing.T) {
	var e DomainEvent
	err := json.Unmarshal([]byte(`{"type":"x","userId":"u","timestamp":"yesterday"}`), &e)
	assert.Error(t, err)
}

func TestExtractEventChannels(t *testing.T) {
	e := DomainEvent{UserID: "7", ProjectID: "42", VideoID: "v1"}
	assert.Equal(t, []Channel{"project:42", "video:v1", "user:7", "global"}, ExtractEventChannels(e))

	assert.Equal(t, []Channel{ChannelGlobal}, DomainEvent{}.Channels())
}
