package store

// Message senders.
const (
	SenderUser    = "user"
	SenderSupport = "support"
)

// File attachment kinds.
const (
	FileTypeImage = "image"
	FileTypeFile  = "file"
)

// Message represents one chat message, user- or support-authored.
// Sent is false until the server has received the message; file messages
// additionally stay unsent until the upload completes and FileURL is set.
type Message struct {
	ID        int64
	SessionID string
	MsgID     string
	Body      string
	Sender    string
	Sent      bool
	Read      bool
	FileType  string
	FileURL   string
	FileName  string
	FileSize  int64
	Timestamp int64
}

// OutboxEntry represents a pending outgoing text message. File uploads
// are not queued here: they need the live connection and fail with a
// visible error when it is down.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	SessionID    string
	Body         string
	Kind         string // "text"
	Status       string // queued, sending, sent, failed
	ErrorMessage string
}

// CacheEntry is one persisted entity row of a cached collection.
type CacheEntry struct {
	Collection string
	EntityID   string
	SearchText string
	Data       []byte
	Position   int
}

// CacheMeta is the pagination metadata of the most recent server response
// for a collection, plus the freshness clock.
type CacheMeta struct {
	Collection  string
	LastFetchMS int64
	Total       int
	Page        int
	Pages       int
}
