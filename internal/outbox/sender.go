// Package outbox drains queued user messages to the chat server. It is
// the sole redelivery mechanism: messages authored while disconnected
// stay queued and are re-emitted in original order on the next connect,
// keyed by their client message id so the server can deduplicate.
package outbox

import (
	"context"
	"time"

	"github.com/sinosply/edge/internal/bus"
	"github.com/sinosply/edge/internal/status"
	"github.com/sinosply/edge/internal/store"
	"go.uber.org/zap"
)

// WireSender emits one outbox entry over the live chat connection.
type WireSender interface {
	EmitMessage(ctx context.Context, entry store.OutboxEntry) error
}

// Sender drains the outbox while the connection is up.
type Sender struct {
	db      *store.DB
	sender  WireSender
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, sender WireSender, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:      db,
		sender:  sender,
		machine: machine,
		bus:     b,
		logger:  logger,
	}
}

// Start begins draining. Entries stuck in 'sending' from a previous run
// are requeued first so nothing is lost across restarts. The connect
// subscription is registered before the loop goroutine runs: bus delivery
// only reaches existing subscribers, so a connect published right after
// Start must not be droppable.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.db.RequeueStuckSending(); err != nil {
		s.logger.Error("failed to requeue stuck outbox entries", zap.Error(err))
	}
	connected, unsub := s.bus.Subscribe(bus.KindChatConnected, 16)
	go s.loop(ctx, connected, unsub)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// loop drains on every connect event; the ticker covers messages queued
// while already connected.
func (s *Sender) loop(ctx context.Context, connected <-chan bus.Event, unsub func()) {
	defer unsub()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-connected:
			s.processPending(ctx)
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	if s.machine.Current() != status.Connected {
		return
	}

	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		if err := s.sender.EmitMessage(ctx, entry); err != nil {
			s.logger.Warn("send failed, requeued", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.RequeueOutbox(entry.ClientMsgID, err.Error())
			s.bus.Emit(bus.KindMessageSendFailed, map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"error":         err.Error(),
			})
			// The connection is likely down; keep order by stopping here.
			return
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		if err := s.db.MarkMessageSent(entry.SessionID, entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark message sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID))
		s.bus.Emit(bus.KindMessageSendAck, map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"session_id":    entry.SessionID,
		})
		s.bus.Emit(bus.KindMessageUpserted, map[string]string{
			"session_id": entry.SessionID,
			"msg_id":     entry.ClientMsgID,
		})
	}
}
