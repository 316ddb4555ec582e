package bus

// Topic naming is a stable contract shared with the transport layer and any
// external consumer (kafka bridge, multi-node NATS deployment).
const (
	TopicPresenceGlobal = "presence:global"
	TopicUploadEvents   = "uploads:events"
	TopicNotifyEvents   = "notifications:events"
)

// Event types carried on those topics.
const (
	EvMessageNew       = "message.new"
	EvTypingChanged    = "typing.changed"
	EvMemberJoined     = "member.joined"
	EvMemberLeft       = "member.left"
	EvPresenceDiff     = "presence.diff"
	EvWorkspaceUpdated = "workspace.updated"
	EvBroadcast        = "broadcast"
	EvUploadCompleted  = "upload.completed"
	EvUploadFailed     = "upload.failed"
	EvUploadRejected   = "upload.rejected"
	EvNotifyFailed     = "notification.failed"
)

func WorkspaceTopic(id string) string { return "workspace:" + id }

func ChannelMessagesTopic(id string) string { return "channel:" + id + ":messages" }

func ChannelTypingTopic(id string) string { return "channel:" + id + ":typing" }

func ChannelMembersTopic(id string) string { return "channel:" + id + ":members" }

func PresenceUserTopic(id string) string { return "presence:user:" + id }

func NotifyUserTopic(id string) string { return "notifications:user:" + id }
