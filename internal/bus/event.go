package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kind namespaces. Subscribers filter by prefix, so "chat." matches
// every chat event.
const (
	KindStatusChanged = "session.status_changed"
	KindChatConnected = "chat.connected"
	KindChatClosed    = "chat.closed"
	KindChatTyping    = "chat.typing"
	KindChatMessage   = "chat.message"
	KindChatHistory   = "chat.history"

	KindUploadProgress = "upload.progress"
	KindUploadComplete = "upload.complete"
	KindUploadError    = "upload.error"

	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindCacheRefreshed = "cache.refreshed"
	KindCacheError     = "cache.error"
)
