package model

// Channel 逻辑频道，例如 project:42、video:abc、user:7、global
type Channel string

// 频道前缀
const (
	ChannelGlobal           Channel = "global"
	ChannelPrefixProject            = "project"
	ChannelPrefixVideo              = "video"
	ChannelPrefixUser               = "user"
	ChannelPrefixDashboard          = "dashboard"
	ChannelPrefixInvitation         = "invitation"
)

// ProjectChannel 项目频道
func ProjectChannel(id string) Channel { return Channel(ChannelPrefixProject + ":" + id) }

// VideoChannel 视频频道
func VideoChannel(id string) Channel { return Channel(ChannelPrefixVideo + ":" + id) }

// UserChannel 用户频道
func UserChannel(id string) Channel { return Channel(ChannelPrefixUser + ":" + id) }

// ExtractEventChannels 根据事件的projectId/videoId/userId推导频道，global总是包含在内
func ExtractEventChannels(e DomainEvent) []Channel {
	channels := make([]Channel, 0, 4)
	if e.ProjectID != "" {
		channels = append(channels, ProjectChannel(e.ProjectID))
	}
	if e.VideoID != "" {
		channels = append(channels, VideoChannel(e.VideoID))
	}
	if e.UserID != "" {
		channels = append(channels, UserChannel(e.UserID))
	}
	return append(channels, ChannelGlobal)
}
