// Package chat implements the reconnecting support-chat client: one
// logical connection per session that survives transient failures,
// replays unsent messages after reconnect, and relays live events
// (typing, history, uploads) to the rest of the daemon over the bus.
package chat

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sinosply/edge/internal/backoff"
	"github.com/sinosply/edge/internal/bus"
	"github.com/sinosply/edge/internal/session"
	"github.com/sinosply/edge/internal/status"
	"github.com/sinosply/edge/internal/store"
	"github.com/sinosply/edge/internal/wire"
	"go.uber.org/zap"
)

// Params configures a Client.
type Params struct {
	URL            string
	Transport      Transport
	DB             *store.DB
	Bus            *bus.Bus
	Machine        *status.Machine
	Logger         *zap.Logger
	Policy         backoff.Policy
	TypingIdle     time.Duration
	MaxUploadBytes int64
	Identity       session.Identity
	ClientInfo     string
}

// Client maintains the chat connection for one visitor session.
type Client struct {
	db        *store.DB
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger
	transport Transport
	url       string
	policy    backoff.Policy
	maxUpload int64
	info      string

	ctx    context.Context
	cancel context.CancelFunc

	typist *Typist

	mu                sync.Mutex
	conn              Conn
	closed            bool
	attempt           int
	reconnectTimer    *time.Timer
	identity          session.Identity
	widgetOpen        bool
	counterpartTyping bool
	progress          map[string]int
	lastUploadError   string
}

// NewClient creates a chat client. Call Start to begin connecting.
func NewClient(p Params) *Client {
	maxUpload := p.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 10 * 1024 * 1024
	}
	info := p.ClientInfo
	if info == "" {
		info = "sinosply-edged"
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		db:        p.DB,
		bus:       p.Bus,
		machine:   p.Machine,
		logger:    p.Logger,
		transport: p.Transport,
		url:       p.URL,
		policy:    p.Policy,
		maxUpload: maxUpload,
		info:      info,
		ctx:       ctx,
		cancel:    cancel,
		identity:  p.Identity,
		progress:  make(map[string]int),
	}
	c.typist = NewTypist(p.TypingIdle, c.emitTyping)
	return c
}

// Start begins the connect loop in the background.
func (c *Client) Start() {
	go c.connect()
}

// Close shuts the client down and suppresses any further reconnects.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	c.typist.Stop()
	if conn != nil {
		_ = conn.Close()
	}
	_ = c.machine.Transition(status.Closed)
	c.bus.Emit(bus.KindChatClosed, nil)
}

// SessionID returns the active visitor session id.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.SessionID
}

// Identity returns the active visitor identity.
func (c *Client) Identity() session.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetIdentity persists a new visitor identity. A changed user or session
// id restarts the connection so the handshake carries the new identity.
func (c *Client) SetIdentity(id session.Identity) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if id.SessionID == "" {
		id.SessionID = c.identity.SessionID
	}
	changed := id.SessionID != c.identity.SessionID || id.UserID != c.identity.UserID
	c.identity = id
	var conn Conn
	if changed {
		conn = c.conn
		c.conn = nil
	}
	c.mu.Unlock()

	if err := session.SaveIdentity(c.db, id); err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if conn != nil {
		_ = c.machine.Transition(status.Disconnected)
		_ = conn.Close()
	}
	go c.connect()
	return nil
}

// SendMessage queues a user-authored message for delivery. The message is
// stored immediately with sent=false (optimistic insert); the outbox
// drains it while connected and replays it after reconnect otherwise.
func (c *Client) SendMessage(text string) (*store.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	sid := c.identity.SessionID
	c.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	m := &store.Message{
		SessionID: sid,
		MsgID:     uuid.New().String(),
		Body:      text,
		Sender:    store.SenderUser,
		Read:      true,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.db.UpsertMessage(m); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	if err := c.db.QueueOutbox(m.MsgID, sid, text, "text"); err != nil {
		return nil, fmt.Errorf("queue message: %w", err)
	}
	c.bus.Emit(bus.KindMessageUpserted, map[string]string{"session_id": sid, "msg_id": m.MsgID})

	// Sending ends the typing burst.
	c.typist.Stop()
	return m, nil
}

// EmitMessage writes one outbox entry to the live connection. Used by the
// outbox sender; returns ErrNotConnected when there is no usable
// connection so the entry stays queued.
func (c *Client) EmitMessage(_ context.Context, entry store.OutboxEntry) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.machine.Current() != status.Connected {
		return ErrNotConnected
	}

	ts := time.Now().UnixMilli()
	if m, err := c.db.GetMessage(entry.SessionID, entry.ClientMsgID); err == nil && m != nil {
		ts = m.Timestamp
	}
	env, err := wire.Encode(wire.EventMessage, wire.Message{
		MessageID: entry.ClientMsgID,
		SessionID: entry.SessionID,
		Content:   entry.Body,
		Sender:    store.SenderUser,
		Timestamp: msToISO(ts),
	})
	if err != nil {
		return err
	}
	return conn.Write(env)
}

// InputChanged reports composer content changes for typing indication.
func (c *Client) InputChanged(text string) {
	c.typist.Input(text)
}

// SetWidgetOpen records whether the chat widget is open. Opening it marks
// the history read and zeroes the unread count.
func (c *Client) SetWidgetOpen(open bool) error {
	c.mu.Lock()
	c.widgetOpen = open
	sid := c.identity.SessionID
	c.mu.Unlock()

	if !open {
		c.typist.Stop()
		return nil
	}
	if err := c.db.MarkAllRead(sid); err != nil {
		return err
	}
	c.bus.Emit(bus.KindMessageUpserted, map[string]string{"session_id": sid})
	return nil
}

// Status is a point-in-time snapshot for the control API.
type Status struct {
	State             status.State   `json:"state"`
	LastError         string         `json:"lastError,omitempty"`
	SessionID         string         `json:"sessionId"`
	Authenticated     bool           `json:"authenticated"`
	WidgetOpen        bool           `json:"widgetOpen"`
	CounterpartTyping bool           `json:"counterpartTyping"`
	Unread            int            `json:"unread"`
	PendingReconnect  bool           `json:"pendingReconnect"`
	Uploads           map[string]int `json:"uploads,omitempty"`
	LastUploadError   string         `json:"lastUploadError,omitempty"`
}

// Status reports the connection and widget state.
func (c *Client) Status() Status {
	c.mu.Lock()
	s := Status{
		State:             c.machine.Current(),
		LastError:         c.machine.LastError(),
		SessionID:         c.identity.SessionID,
		Authenticated:     c.identity.IsAuthenticated,
		WidgetOpen:        c.widgetOpen,
		CounterpartTyping: c.counterpartTyping,
		PendingReconnect:  c.reconnectTimer != nil,
		LastUploadError:   c.lastUploadError,
	}
	if len(c.progress) > 0 {
		s.Uploads = make(map[string]int, len(c.progress))
		for k, v := range c.progress {
			s.Uploads[k] = v
		}
	}
	sid := c.identity.SessionID
	c.mu.Unlock()

	if n, err := c.db.UnreadCount(sid); err == nil {
		s.Unread = n
	}
	return s
}

// DismissUploadError clears the visible upload error banner.
func (c *Client) DismissUploadError() {
	c.mu.Lock()
	c.lastUploadError = ""
	c.mu.Unlock()
}

// connect performs one connection attempt. On failure it schedules the
// next attempt per the backoff policy; there is no attempt cap.
func (c *Client) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		// An identity restart can race a pending reconnect; stop the
		// timer so the superseded attempt never fires.
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	id := c.identity
	c.mu.Unlock()

	if err := c.machine.Transition(status.Connecting); err != nil {
		// Another connect cycle already owns the transition.
		return
	}

	conn, err := c.transport.Dial(c.ctx, c.url)
	if err != nil {
		c.logger.Warn("chat dial failed", zap.Error(err))
		_ = c.machine.Fail(status.Reconnecting, err)
		c.scheduleReconnect()
		return
	}

	if err := c.sendInit(conn, id); err != nil {
		c.logger.Warn("chat handshake failed", zap.Error(err))
		_ = conn.Close()
		_ = c.machine.Fail(status.Reconnecting, err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempt = 0
	c.mu.Unlock()

	if err := c.machine.Transition(status.Connected); err != nil {
		c.logger.Error("unexpected state on connect", zap.Error(err))
	}
	c.logger.Info("chat connected", zap.String("session_id", id.SessionID))
	c.bus.Emit(bus.KindChatConnected, id.SessionID)

	go c.readLoop(conn)
}

func (c *Client) sendInit(conn Conn, id session.Identity) error {
	init := wire.Init{
		SessionID:  id.SessionID,
		UserType:   store.SenderUser,
		Timestamp:  nowISO(),
		ClientInfo: c.info,
	}
	if id.IsAuthenticated {
		init.UserData = &wire.UserData{Name: id.Name, Email: id.Email, UserID: id.UserID}
	}
	env, err := wire.Encode(wire.EventInit, init)
	if err != nil {
		return err
	}
	return conn.Write(env)
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectTimer != nil {
		return
	}
	delay := c.policy.Delay(c.attempt)
	c.attempt++
	c.reconnectTimer = time.AfterFunc(delay, c.connect)
	c.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", c.attempt))
}

func (c *Client) readLoop(conn Conn) {
	for {
		env, err := conn.Read()
		if err != nil {
			c.onDisconnect(conn, err)
			return
		}
		c.dispatch(conn, env)
	}
}

func (c *Client) onDisconnect(conn Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	_ = conn.Close()

	// Stale read loops (identity restart, shutdown) end silently.
	if closed || !current {
		return
	}

	c.logger.Warn("chat connection lost", zap.Error(err))
	if terr := c.machine.Fail(status.Reconnecting, err); terr != nil {
		return
	}
	c.scheduleReconnect()
}

func (c *Client) dispatch(conn Conn, env wire.Envelope) {
	switch env.Event {
	case wire.EventMessage:
		var m wire.Message
		if err := wire.DecodeData(env, &m); err != nil {
			c.logger.Warn("malformed message event", zap.Error(err))
			return
		}
		c.handleInbound(m)
	case wire.EventTyping:
		var ty wire.Typing
		if err := wire.DecodeData(env, &ty); err != nil {
			c.logger.Warn("malformed typing event", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.counterpartTyping = ty.IsTyping
		c.mu.Unlock()
		c.bus.Emit(bus.KindChatTyping, ty)
	case wire.EventHistory:
		var h wire.History
		if err := wire.DecodeData(env, &h); err != nil {
			c.logger.Warn("malformed history event", zap.Error(err))
			return
		}
		c.handleHistory(h)
	case wire.EventHeartbeat:
		ack, err := wire.Encode(wire.EventHeartbeatAck, wire.HeartbeatAck{Timestamp: nowISO()})
		if err == nil {
			if werr := conn.Write(ack); werr != nil {
				c.logger.Warn("heartbeat ack failed", zap.Error(werr))
			}
		}
	case wire.EventUploadProgress:
		var p wire.UploadProgress
		if err := wire.DecodeData(env, &p); err != nil {
			c.logger.Warn("malformed upload_progress event", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.progress[p.MessageID] = p.Progress
		c.mu.Unlock()
		c.bus.Emit(bus.KindUploadProgress, p)
	case wire.EventUploadComplete:
		var done wire.UploadComplete
		if err := wire.DecodeData(env, &done); err != nil {
			c.logger.Warn("malformed upload_complete event", zap.Error(err))
			return
		}
		c.mu.Lock()
		delete(c.progress, done.MessageID)
		c.mu.Unlock()
		c.bus.Emit(bus.KindUploadComplete, done)
	case wire.EventUploadError:
		var ue wire.UploadError
		if err := wire.DecodeData(env, &ue); err != nil {
			c.logger.Warn("malformed upload_error event", zap.Error(err))
			return
		}
		c.mu.Lock()
		delete(c.progress, ue.MessageID)
		c.lastUploadError = ue.Error
		c.mu.Unlock()
		c.bus.Emit(bus.KindUploadError, ue)
	default:
		c.logger.Debug("unknown chat event", zap.String("event", env.Event))
	}
}

func (c *Client) handleInbound(m wire.Message) {
	c.mu.Lock()
	sid := c.identity.SessionID
	read := c.widgetOpen
	c.mu.Unlock()

	sm := &store.Message{
		SessionID: sid,
		MsgID:     m.MessageID,
		Body:      m.Content,
		Sender:    normalizeSender(m.Sender),
		Sent:      true,
		Read:      read,
		FileType:  m.FileType,
		FileURL:   m.FileURL,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		Timestamp: isoToMS(m.Timestamp),
	}
	if sm.Sender == store.SenderUser {
		// Server echo of the visitor's own message.
		sm.Read = true
	}
	c.bus.Emit(bus.KindChatMessage, sm)
}

// handleHistory converts a server history batch for ingestion. The batch
// is merged by message id, never a destructive replace: locally queued
// unsent messages stay in the outbox until acked.
func (c *Client) handleHistory(h wire.History) {
	c.mu.Lock()
	sid := c.identity.SessionID
	read := c.widgetOpen
	c.mu.Unlock()

	msgs := make([]*store.Message, 0, len(h.Messages))
	for _, m := range h.Messages {
		if m.MessageID == "" {
			continue
		}
		sender := normalizeSender(m.Sender)
		msgs = append(msgs, &store.Message{
			SessionID: sid,
			MsgID:     m.MessageID,
			Body:      m.Content,
			Sender:    sender,
			Sent:      true,
			Read:      read || sender == store.SenderUser,
			FileType:  m.FileType,
			FileURL:   m.FileURL,
			FileName:  m.FileName,
			FileSize:  m.FileSize,
			Timestamp: isoToMS(m.Timestamp),
		})
	}
	if len(msgs) > 0 {
		c.bus.Emit(bus.KindChatHistory, msgs)
	}
}

// emitTyping is the typist's emit hook. Best-effort: typing indication is
// dropped silently while disconnected.
func (c *Client) emitTyping(isTyping bool) {
	c.mu.Lock()
	conn := c.conn
	sid := c.identity.SessionID
	c.mu.Unlock()
	if conn == nil {
		return
	}
	env, err := wire.Encode(wire.EventTyping, wire.Typing{
		SessionID: sid,
		IsTyping:  isTyping,
		UserType:  store.SenderUser,
		Timestamp: nowISO(),
	})
	if err != nil {
		return
	}
	if werr := conn.Write(env); werr != nil {
		c.logger.Warn("typing emit failed", zap.Error(werr))
	}
}

func normalizeSender(s string) string {
	if s == store.SenderUser {
		return store.SenderUser
	}
	return store.SenderSupport
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func msToISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func isoToMS(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

// base64Encode is split out so upload tests can assert the payload shape.
func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
