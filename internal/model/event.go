package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventType 业务事件类型，例如 feedback:created
type EventType string

// 常用业务事件
const (
	EventFeedbackCreated       EventType = "feedback:created"
	EventFeedbackUpdated       EventType = "feedback:updated"
	EventFeedbackDeleted       EventType = "feedback:deleted"
	EventFeedbackReplyAdded    EventType = "feedback:reply:added"
	EventFeedbackStatusChanged EventType = "feedback:status:changed"
	EventInvitationSent        EventType = "invitation:sent"
	EventInvitationAccepted    EventType = "invitation:accepted"
	EventInvitationDeclined    EventType = "invitation:declined"
	EventProjectStatusChanged  EventType = "project:status:changed"
	EventProjectProgress       EventType = "project:progress:updated"
	EventProjectTimeline       EventType = "project:timeline:updated"
	EventCommentCreated        EventType = "comment:created"
	EventSystemSyncRequired    EventType = "system:sync:required"
)

// EntityRef 事件作用的实体及该写入产生的版本，0表示不带版本
type EntityRef struct {
	Key     string `json:"key" validate:"required"`
	Version int64  `json:"version" validate:"gte=0"`
}

// DomainEvent 业务事件，承载在event类型的线路消息中
type DomainEvent struct {
	ID        string          `json:"id,omitempty"`
	Type      EventType       `json:"type" validate:"required"`
	UserID    string          `json:"userId" validate:"required"`
	ProjectID string          `json:"projectId,omitempty"`
	VideoID   string          `json:"videoId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Version   string          `json:"version,omitempty"`
	Entity    *EntityRef      `json:"entity,omitempty" validate:"omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`

	// Extra 保存未识别的字段，重新序列化时原样带出
	Extra map[string]json.RawMessage `json:"-"`
}

type domainEventFields DomainEvent

// MarshalJSON 序列化时合并Extra
func (e DomainEvent) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(domainEventFields(e))
	if err != nil || len(e.Extra) == 0 {
		return base, err
	}
	merged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON 兼容旧版本字段：数字id转为字符串，data作为payload的别名，时间戳可为毫秒
func (e *DomainEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out DomainEvent
	var err error
	for key, value := range raw {
		switch key {
		case "id":
			out.ID, err = flexString(value)
		case "type":
			var s string
			s, err = flexString(value)
			out.Type = EventType(s)
		case "userId":
			out.UserID, err = flexString(value)
		case "projectId":
			out.ProjectID, err = flexString(value)
		case "videoId":
			out.VideoID, err = flexString(value)
		case "sessionId":
			out.SessionID, err = flexString(value)
		case "version":
			out.Version, err = flexString(value)
		case "entity":
			if !isNull(value) {
				out.Entity = &EntityRef{}
				err = json.Unmarshal(value, out.Entity)
			}
		case "payload":
			if !isNull(value) {
				out.Payload = append(json.RawMessage(nil), value...)
			}
		case "metadata":
			if !isNull(value) {
				err = json.Unmarshal(value, &out.Metadata)
			}
		case "timestamp":
			out.Timestamp, err = flexTime(value)
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]json.RawMessage)
			}
			out.Extra[key] = append(json.RawMessage(nil), value...)
		}
		if err != nil {
			return fmt.Errorf("字段%s格式错误: %w", key, err)
		}
	}

	if len(out.Payload) == 0 {
		if legacy, ok := out.Extra["data"]; ok {
			out.Payload = legacy
			delete(out.Extra, "data")
		}
	}

	*e = out
	return nil
}

// Channels 返回事件所属的频道
func (e DomainEvent) Channels() []Channel {
	return ExtractEventChannels(e)
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func flexString(v json.RawMessage) (string, error) {
	if isNull(v) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return "", fmt.Errorf("需要字符串或数字")
	}
	return n.String(), nil
}

func flexTime(v json.RawMessage) (time.Time, error) {
	if isNull(v) {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return time.Time{}, fmt.Errorf("需要ISO8601字符串或毫秒时间戳")
	}
	ms, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
