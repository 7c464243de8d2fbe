package service

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"rtsync/internal/model"
)

// ChannelService 频道名校验与规范化
type ChannelService struct {
	namePattern *regexp.Regexp
}

// NewChannelService 频道格式：global，或 前缀:标识，标识允许中文、字母、数字、下划线、中划线和点
func NewChannelService() *ChannelService {
	pattern := regexp.MustCompile(`^(project|video|user|dashboard|invitation):[\p{Han}a-zA-Z0-9_.-]+$`)
	return &ChannelService{namePattern: pattern}
}

// ValidateChannel 校验频道名
func (c *ChannelService) ValidateChannel(ch model.Channel) error {
	name := string(ch)
	if ch == model.ChannelGlobal {
		return nil
	}
	if utf8.RuneCountInString(name) > 128 {
		return fmt.Errorf("频道名最多128个字符: %s", name)
	}
	if !c.namePattern.MatchString(name) {
		return fmt.Errorf("频道名格式错误: %q", name)
	}
	return nil
}

// Normalize 去掉首尾空格，前缀转小写，并去重
func (c *ChannelService) Normalize(channels []model.Channel) ([]model.Channel, error) {
	seen := make(map[model.Channel]struct{}, len(channels))
	out := make([]model.Channel, 0, len(channels))
	for _, ch := range channels {
		name := strings.TrimSpace(string(ch))
		if prefix, id, ok := strings.Cut(name, ":"); ok {
			name = strings.ToLower(prefix) + ":" + id
		} else {
			name = strings.ToLower(name)
		}
		norm := model.Channel(name)
		if err := c.ValidateChannel(norm); err != nil {
			return nil, err
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("至少需要一个频道")
	}
	return out, nil
}
