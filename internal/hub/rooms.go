package hub

// 房间命名约定，网关与 HTTP API 共用
// 频道房间承载聊天与输入状态事件，工作区房间承载在线状态事件

// ChannelRoom 频道房间名
func ChannelRoom(channelID string) string {
	return "channel:" + channelID
}

// WorkspaceRoom 工作区房间名
func WorkspaceRoom(workspaceID string) string {
	return "workspace:" + workspaceID
}

// UserRoom 用户定向房间名
// 连接建立即加入，向用户全部连接（含其他节点）定向投递时使用
func UserRoom(userID string) string {
	return "user:" + userID
}
