// Package sync ingests inbound chat events into the store. Ingestion is
// idempotent on (session_id, msg_id): live messages, history batches and
// replayed duplicates all collapse onto one row, which is what makes the
// merge-by-id history policy safe.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sinosply/edge/internal/bus"
	"github.com/sinosply/edge/internal/store"
	"github.com/sinosply/edge/internal/wire"
	"go.uber.org/zap"
)

// Engine subscribes to "chat." and "upload." events and writes them to
// the store.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound chat events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	chatCh, unsubChat := e.bus.Subscribe("chat.", 256)
	uploadCh, unsubUpload := e.bus.Subscribe("upload.", 256)

	go func() {
		defer unsubChat()
		defer unsubUpload()
		for {
			select {
			case evt := <-chatCh:
				e.handleEvent(evt)
			case evt := <-uploadCh:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindChatMessage:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	case bus.KindChatHistory:
		msgs, ok := evt.Payload.([]*store.Message)
		if !ok {
			return
		}
		if err := e.IngestHistoryBatch(msgs); err != nil {
			e.logger.Error("failed to ingest history batch", zap.Error(err), zap.Int("count", len(msgs)))
		} else {
			e.logger.Info("history batch merged", zap.Int("messages", len(msgs)))
		}
	case bus.KindUploadComplete:
		done, ok := evt.Payload.(wire.UploadComplete)
		if !ok {
			return
		}
		if err := e.CompleteUpload(done); err != nil {
			e.logger.Error("failed to record upload completion", zap.Error(err), zap.String("msg_id", done.MessageID))
		}
	}
}

// IngestMessage processes a single inbound message (idempotent).
func (e *Engine) IngestMessage(msg *store.Message) error {
	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	e.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"session_id": msg.SessionID,
		"msg_id":     msg.MsgID,
	})
	return nil
}

// IngestHistoryBatch merges a server history batch in one transaction.
// Merge, not replace: rows absent from the batch (locally authored,
// not yet acked) are left untouched.
func (e *Engine) IngestHistoryBatch(msgs []*store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (session_id, msg_id, body, sender, sent, read, file_type, file_url, file_name, file_size, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, msg_id) DO UPDATE SET
				body = excluded.body,
				sent = excluded.sent,
				file_url = CASE WHEN excluded.file_url != '' THEN excluded.file_url ELSE messages.file_url END`,
			m.SessionID, m.MsgID, m.Body, m.Sender, m.Sent, m.Read, m.FileType, m.FileURL, m.FileName, m.FileSize, m.Timestamp, now); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	e.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"session_id": msgs[0].SessionID,
	})
	return nil
}

// CompleteUpload attaches the final file URL to the placeholder message.
func (e *Engine) CompleteUpload(done wire.UploadComplete) error {
	// The message id is globally unique, so match it in any session.
	res, err := e.db.Exec(`UPDATE messages SET file_url = ?, sent = 1 WHERE msg_id = ?`, done.FileURL, done.MessageID)
	if err != nil {
		return fmt.Errorf("attach file url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no placeholder for message %s", done.MessageID)
	}
	e.bus.Emit(bus.KindMessageUpserted, map[string]string{"msg_id": done.MessageID})
	return nil
}
