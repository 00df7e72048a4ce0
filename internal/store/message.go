package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on
// session_id + msg_id). The message id is the client-generated idempotency
// key, so replays after reconnect collapse onto the same row.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (session_id, msg_id, body, sender, sent, read, file_type, file_url, file_name, file_size, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, msg_id) DO UPDATE SET
			body = excluded.body,
			sent = excluded.sent,
			file_url = CASE WHEN excluded.file_url != '' THEN excluded.file_url ELSE messages.file_url END`,
		m.SessionID, m.MsgID, m.Body, m.Sender, m.Sent, m.Read, m.FileType, m.FileURL, m.FileName, m.FileSize, m.Timestamp, now)
	return err
}

// ListMessages returns messages for a session using keyset pagination by
// timestamp, oldest first within the returned window.
func (db *DB) ListMessages(sessionID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, session_id, msg_id, body, sender, sent, read, file_type, file_url, file_name, file_size, timestamp
		FROM (
			SELECT * FROM messages
			WHERE session_id = ? AND timestamp < ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, sessionID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.MsgID, &m.Body, &m.Sender, &m.Sent, &m.Read, &m.FileType, &m.FileURL, &m.FileName, &m.FileSize, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message by its client id, or nil.
func (db *DB) GetMessage(sessionID, msgID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, session_id, msg_id, body, sender, sent, read, file_type, file_url, file_name, file_size, timestamp
		FROM messages WHERE session_id = ? AND msg_id = ?`, sessionID, msgID)
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.MsgID, &m.Body, &m.Sender, &m.Sent, &m.Read, &m.FileType, &m.FileURL, &m.FileName, &m.FileSize, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkMessageSent flips a message to sent.
func (db *DB) MarkMessageSent(sessionID, msgID string) error {
	_, err := db.Exec(`UPDATE messages SET sent = 1 WHERE session_id = ? AND msg_id = ?`, sessionID, msgID)
	return err
}

// SetMessageFileURL attaches the uploaded file URL and marks the message
// delivered.
func (db *DB) SetMessageFileURL(sessionID, msgID, fileURL string) error {
	_, err := db.Exec(`UPDATE messages SET file_url = ?, sent = 1 WHERE session_id = ? AND msg_id = ?`, fileURL, sessionID, msgID)
	return err
}

// MarkAllRead marks every support message in the session read.
func (db *DB) MarkAllRead(sessionID string) error {
	_, err := db.Exec(`UPDATE messages SET read = 1 WHERE session_id = ? AND sender = ?`, sessionID, SenderSupport)
	return err
}

// UnreadCount returns the number of unread support messages.
func (db *DB) UnreadCount(sessionID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ? AND sender = ? AND read = 0`,
		sessionID, SenderSupport).Scan(&n)
	return n, err
}
