package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sinosply/edge/internal/bus"
	"github.com/sinosply/edge/internal/store"
	"github.com/sinosply/edge/internal/wire"
	"go.uber.org/zap"
)

// File is one selected file to send.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Rejection names a file excluded from an upload batch and why.
type Rejection struct {
	Name string
	Err  error
}

// UploadFiles validates and sends a batch of files. Oversized files are
// rejected client-side and excluded; valid siblings in the same batch
// proceed. Each accepted file gets an optimistic placeholder message
// (no fileUrl yet); encoding and emission happen in the background.
func (c *Client) UploadFiles(files []File) ([]*store.Message, []Rejection) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		rejected := make([]Rejection, len(files))
		for i, f := range files {
			rejected[i] = Rejection{Name: f.Name, Err: ErrClosed}
		}
		return nil, rejected
	}
	sid := c.identity.SessionID
	c.mu.Unlock()

	var accepted []*store.Message
	var rejected []Rejection
	for _, f := range files {
		if int64(len(f.Data)) > c.maxUpload {
			rejected = append(rejected, Rejection{Name: f.Name, Err: ErrFileTooLarge})
			c.logger.Warn("file rejected",
				zap.String("file", f.Name),
				zap.Int("size", len(f.Data)),
				zap.Int64("limit", c.maxUpload))
			continue
		}

		m := &store.Message{
			SessionID: sid,
			MsgID:     uuid.New().String(),
			Body:      fmt.Sprintf("Sent a file: %s", f.Name),
			Sender:    store.SenderUser,
			Read:      true,
			FileType:  fileType(f.ContentType),
			FileName:  f.Name,
			FileSize:  int64(len(f.Data)),
			Timestamp: time.Now().UnixMilli(),
		}
		if err := c.db.UpsertMessage(m); err != nil {
			rejected = append(rejected, Rejection{Name: f.Name, Err: err})
			continue
		}
		c.bus.Emit(bus.KindMessageUpserted, map[string]string{"session_id": sid, "msg_id": m.MsgID})

		c.mu.Lock()
		c.progress[m.MsgID] = 0
		c.mu.Unlock()

		accepted = append(accepted, m)
		go c.emitUpload(f, sid, m.MsgID)
	}
	return accepted, rejected
}

// emitUpload encodes and sends one upload event. Failures surface as a
// dismissable error; the placeholder message is kept so the user sees the
// failed attempt.
func (c *Client) emitUpload(f File, sid, msgID string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.failUpload(msgID, ErrNotConnected)
		return
	}

	env, err := wire.Encode(wire.EventUploadFile, wire.UploadFile{
		MessageID: msgID,
		SessionID: sid,
		FileName:  f.Name,
		FileType:  fileType(f.ContentType),
		FileSize:  int64(len(f.Data)),
		FileData:  base64Encode(f.Data),
		Timestamp: nowISO(),
	})
	if err != nil {
		c.failUpload(msgID, err)
		return
	}
	if err := conn.Write(env); err != nil {
		c.failUpload(msgID, err)
		return
	}
}

func (c *Client) failUpload(msgID string, err error) {
	c.logger.Warn("upload failed", zap.String("msg_id", msgID), zap.Error(err))
	c.mu.Lock()
	delete(c.progress, msgID)
	c.lastUploadError = err.Error()
	c.mu.Unlock()
	c.bus.Emit(bus.KindUploadError, wire.UploadError{MessageID: msgID, Error: err.Error()})
}

func fileType(contentType string) string {
	if strings.HasPrefix(contentType, "image/") {
		return store.FileTypeImage
	}
	return store.FileTypeFile
}
