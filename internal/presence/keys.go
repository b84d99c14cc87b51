package presence

// 键命名方案（后端另加全局前缀隔离命名空间）
//
//	user:<uid>:sockets                    用户在线连接集合
//	socket:<sid>:channels                 连接已加入的频道集合
//	socket:<sid>:workspace                连接当前工作区上下文
//	channel:<cid>:users                   频道在线成员哈希（uid -> 档案快照 JSON）
//	channel:<cid>:user:<uid>:sockets      频道内该用户的连接集合
//	workspace:<wid>:users                 工作区在线用户集合
//	heartbeat:<uid>                       用户心跳时间戳（毫秒）
//
// 所有键均为 TTL 约束的临时态，过期自愈，不做持久数据源

const heartbeatKeyPrefix = "heartbeat:"

func userSocketsKey(userID string) string {
	return "user:" + userID + ":sockets"
}

func socketChannelsKey(connID string) string {
	return "socket:" + connID + ":channels"
}

func socketWorkspaceKey(connID string) string {
	return "socket:" + connID + ":workspace"
}

func channelUsersKey(channelID string) string {
	return "channel:" + channelID + ":users"
}

func channelUserSocketsKey(channelID, userID string) string {
	return "channel:" + channelID + ":user:" + userID + ":sockets"
}

func workspaceUsersKey(workspaceID string) string {
	return "workspace:" + workspaceID + ":users"
}

func heartbeatKey(userID string) string {
	return heartbeatKeyPrefix + userID
}
