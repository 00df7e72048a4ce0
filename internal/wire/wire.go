// Package wire defines the support-chat socket protocol: JSON envelopes
// of the form {"event": "...", "data": {...}} exchanged over a websocket.
package wire

import (
	"encoding/json"
	"fmt"
)

// Client-to-server events.
const (
	EventInit         = "init"
	EventMessage      = "message"
	EventTyping       = "typing"
	EventUploadFile   = "upload_file"
	EventHeartbeatAck = "heartbeat_ack"
)

// Server-to-client events. EventMessage and EventTyping flow both ways.
const (
	EventHistory        = "history"
	EventUploadProgress = "upload_progress"
	EventUploadComplete = "upload_complete"
	EventUploadError    = "upload_error"
	EventHeartbeat      = "heartbeat"
)

// Envelope is the outer frame of every socket event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Init is the handshake sent right after the transport connects.
type Init struct {
	SessionID  string    `json:"sessionId"`
	UserType   string    `json:"userType"`
	Timestamp  string    `json:"timestamp"`
	ClientInfo string    `json:"clientInfo"`
	UserData   *UserData `json:"userData,omitempty"`
}

// UserData carries the authenticated visitor identity in the handshake.
type UserData struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// Message is a chat message, outbound or inbound. File fields are only
// present on file messages; FileURL is absent until upload completion.
type Message struct {
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	FileType  string `json:"fileType,omitempty"`
	FileURL   string `json:"fileUrl,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
}

// Typing signals that a party is composing.
type Typing struct {
	SessionID string `json:"sessionId,omitempty"`
	IsTyping  bool   `json:"isTyping"`
	UserType  string `json:"userType"`
	Timestamp string `json:"timestamp,omitempty"`
}

// UploadFile carries a base64-encoded file payload keyed by the
// placeholder message id.
type UploadFile struct {
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
	FileName  string `json:"fileName"`
	FileType  string `json:"fileType"`
	FileSize  int64  `json:"fileSize"`
	FileData  string `json:"fileData"`
	Timestamp string `json:"timestamp"`
}

// History is the server-authoritative message list sent after (re)connect.
type History struct {
	Messages []Message `json:"messages"`
}

// UploadProgress reports per-message upload progress, 0-100.
type UploadProgress struct {
	MessageID string `json:"messageId"`
	Progress  int    `json:"progress"`
}

// UploadComplete attaches the final file URL to an uploaded message.
type UploadComplete struct {
	MessageID string `json:"messageId"`
	FileURL   string `json:"fileUrl"`
}

// UploadError reports a failed upload.
type UploadError struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// HeartbeatAck answers a server heartbeat.
type HeartbeatAck struct {
	Timestamp string `json:"timestamp"`
}

// Encode wraps a payload into an envelope for the given event.
func Encode(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// DecodeData unmarshals an envelope's data into dst.
func DecodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("decode %s: empty data", env.Event)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return nil
}
