package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"rtsync/internal/model"
)

// 事件schema版本
const (
	SchemaVersion       = "1.1"
	DefaultEventVersion = "1.0"
)

const (
	directionInbound  = "inbound"
	directionOutbound = "outbound"
)

// Validator 入站/出站消息的结构校验与版本兼容处理
type Validator struct {
	validate  *validator.Validate
	channels  *ChannelService
	eventType *regexp.Regexp
	major     int
}

// NewValidator 创建校验器
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	major, _, _ := parseVersion(SchemaVersion)
	return &Validator{
		validate:  v,
		channels:  NewChannelService(),
		eventType: regexp.MustCompile(`^[a-z][a-z0-9_]*(:[a-z0-9_]+)+$`),
		major:     major,
	}
}

// DecodeEnvelope 解析一帧线路消息
func (v *Validator) DecodeEnvelope(raw []byte) (*model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Direction: directionInbound, Reason: "JSON解析失败", Err: err}
	}
	if env.ID == "" {
		return nil, &ValidationError{Direction: directionInbound, Field: "id", Reason: "required"}
	}
	if !env.Type.Valid() {
		return nil, &ValidationError{Direction: directionInbound, Field: "type", Reason: fmt.Sprintf("未知消息类型%q", env.Type)}
	}
	return &env, nil
}

// DecodePayload 解码并校验载荷
func (v *Validator) DecodePayload(env *model.Envelope, p model.Payload) error {
	if err := env.Decode(p); err != nil {
		return &ValidationError{Direction: directionInbound, Field: "data", Reason: "载荷解析失败", Err: err}
	}
	return v.checkStruct(directionInbound, p)
}

// DecodeBatch 解开批量消息
func (v *Validator) DecodeBatch(env *model.Envelope) ([]*model.Envelope, error) {
	var batch model.BatchPayload
	if err := env.Decode(&batch); err != nil {
		return nil, &ValidationError{Direction: directionInbound, Field: "data", Reason: "批量消息解析失败", Err: err}
	}
	for i, m := range batch.Messages {
		if m == nil || m.ID == "" || !m.Type.Valid() {
			return nil, &ValidationError{Direction: directionInbound, Field: fmt.Sprintf("messages[%d]", i), Reason: "批量消息项不合法"}
		}
	}
	return batch.Messages, nil
}

// ValidateInbound 把event消息的data解析为DomainEvent。未知字段保留，缺少必填字段或类型错误则拒绝
func (v *Validator) ValidateInbound(raw json.RawMessage) (model.DomainEvent, error) {
	var e model.DomainEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.DomainEvent{}, &ValidationError{Direction: directionInbound, Reason: "事件解析失败", Err: err}
	}
	if err := v.ValidateEvent(&e, directionInbound); err != nil {
		return model.DomainEvent{}, err
	}
	return e, nil
}

// ValidateEvent 校验事件并补全默认版本
func (v *Validator) ValidateEvent(e *model.DomainEvent, direction string) error {
	if err := v.checkStruct(direction, e); err != nil {
		return err
	}
	if !v.eventType.MatchString(string(e.Type)) {
		return &ValidationError{Direction: direction, Field: "type", Reason: fmt.Sprintf("事件类型格式错误%q", e.Type)}
	}
	if e.Version == "" {
		e.Version = DefaultEventVersion
	}
	major, _, err := parseVersion(e.Version)
	if err != nil {
		return &ValidationError{Direction: direction, Field: "version", Reason: "版本号格式错误", Err: err}
	}
	if major > v.major {
		return &ValidationError{Direction: direction, Field: "version",
			Reason: fmt.Sprintf("不支持的主版本%s，当前支持%s", e.Version, SchemaVersion)}
	}
	return nil
}

// ValidateOutbound 校验事件并封装为event消息。时间戳为空时使用ts
func (v *Validator) ValidateOutbound(e model.DomainEvent, id string, ts time.Time) (*model.Envelope, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = ts.UTC()
	}
	if err := v.ValidateEvent(&e, directionOutbound); err != nil {
		return nil, err
	}
	env, err := model.NewEnvelope(id, ts, e)
	if err != nil {
		return nil, &ValidationError{Direction: directionOutbound, Reason: "序列化失败", Err: err}
	}
	return env, nil
}

// ValidatePayload 校验出站控制消息的载荷
func (v *Validator) ValidatePayload(p model.Payload) error {
	if sp, ok := p.(model.SubscribePayload); ok {
		if _, err := v.channels.Normalize(sp.Channels); err != nil {
			return &ValidationError{Direction: directionOutbound, Field: "channels", Reason: err.Error()}
		}
		if sp.Filters.Priority != "" && !sp.Filters.Priority.Valid() {
			return &ValidationError{Direction: directionOutbound, Field: "filters.priority", Reason: "未知优先级"}
		}
	}
	return v.checkStruct(directionOutbound, p)
}

// NormalizeChannels 规范化并校验频道列表
func (v *Validator) NormalizeChannels(channels []model.Channel) ([]model.Channel, error) {
	out, err := v.channels.Normalize(channels)
	if err != nil {
		return nil, &ValidationError{Direction: directionOutbound, Field: "channels", Reason: err.Error()}
	}
	return out, nil
}

func (v *Validator) checkStruct(direction string, s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Direction: direction, Field: fe.Namespace(), Reason: fe.Tag()}
	}
	return &ValidationError{Direction: direction, Err: err}
}

func parseVersion(s string) (major, minor int, err error) {
	majorStr, minorStr, hasMinor := strings.Cut(strings.TrimPrefix(s, "v"), ".")
	if major, err = strconv.Atoi(majorStr); err != nil || major < 0 {
		return 0, 0, fmt.Errorf("主版本号无效: %q", s)
	}
	if hasMinor {
		minorStr, _, _ = strings.Cut(minorStr, ".")
		if minor, err = strconv.Atoi(minorStr); err != nil || minor < 0 {
			return 0, 0, fmt.Errorf("次版本号无效: %q", s)
		}
	}
	return major, minor, nil
}
