package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sinosply/edge/internal/bus"
	"github.com/sinosply/edge/internal/store"
	"github.com/sinosply/edge/internal/wire"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestIngestMessageIdempotent(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, zap.NewNop())

	m := &store.Message{SessionID: "s1", MsgID: "srv-1", Body: "hi", Sender: store.SenderSupport, Sent: true, Timestamp: 1000}
	if err := e.IngestMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := e.IngestMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("s1", 0, 10)
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 (duplicate collapsed)", len(msgs))
	}
}

// TestHistoryMergeKeepsLocalUnsent is the core of the merge-by-id policy:
// a history batch arriving after a reconnect must not discard messages
// composed locally while disconnected.
func TestHistoryMergeKeepsLocalUnsent(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, zap.NewNop())

	// Local optimistic message, not yet known to the server.
	local := &store.Message{SessionID: "s1", MsgID: "local-1", Body: "composed offline", Sender: store.SenderUser, Read: true, Timestamp: 5000}
	if err := db.UpsertMessage(local); err != nil {
		t.Fatal(err)
	}

	// Server history from before the disconnect.
	batch := []*store.Message{
		{SessionID: "s1", MsgID: "h1", Body: "welcome", Sender: store.SenderSupport, Sent: true, Read: true, Timestamp: 1000},
		{SessionID: "s1", MsgID: "h2", Body: "how can we help", Sender: store.SenderSupport, Sent: true, Read: true, Timestamp: 2000},
	}
	if err := e.IngestHistoryBatch(batch); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("s1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (history merged, local kept)", len(msgs))
	}
	if msgs[2].MsgID != "local-1" || msgs[2].Sent {
		t.Errorf("local message = %+v, want retained with sent=false", msgs[2])
	}
}

func TestHistoryBatchUpdatesExistingRows(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, zap.NewNop())

	_ = db.UpsertMessage(&store.Message{SessionID: "s1", MsgID: "m1", Body: "draft", Sender: store.SenderUser, Timestamp: 1000})

	batch := []*store.Message{
		{SessionID: "s1", MsgID: "m1", Body: "draft", Sender: store.SenderUser, Sent: true, Read: true, Timestamp: 1000},
	}
	if err := e.IngestHistoryBatch(batch); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("s1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !msgs[0].Sent {
		t.Error("server-confirmed message still unsent after history merge")
	}
}

func TestCompleteUploadAttachesURL(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, zap.NewNop())

	_ = db.UpsertMessage(&store.Message{
		SessionID: "s1", MsgID: "f1", Sender: store.SenderUser,
		FileType: store.FileTypeImage, FileName: "cat.png", Timestamp: 1000,
	})

	if err := e.CompleteUpload(wire.UploadComplete{MessageID: "f1", FileURL: "https://cdn/cat.png"}); err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMessage("s1", "f1")
	if m == nil || m.FileURL != "https://cdn/cat.png" || !m.Sent {
		t.Errorf("message = %+v, want delivered with file url", m)
	}
}

func TestCompleteUploadWithoutPlaceholderFails(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), zap.NewNop())

	if err := e.CompleteUpload(wire.UploadComplete{MessageID: "ghost", FileURL: "https://cdn/x"}); err == nil {
		t.Error("CompleteUpload for an unknown message should fail")
	}
}

func TestEngineConsumesBusEvents(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, zap.NewNop())
	e.Start(context.Background())
	defer e.Stop()

	upserted, unsub := b.Subscribe(bus.KindMessageUpserted, 10)
	defer unsub()

	b.Emit(bus.KindChatMessage, &store.Message{SessionID: "s1", MsgID: "live-1", Body: "hello", Sender: store.SenderSupport, Sent: true, Timestamp: 1000})

	select {
	case <-upserted:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not ingest the bus event")
	}

	m, _ := db.GetMessage("s1", "live-1")
	if m == nil {
		t.Fatal("message not written to store")
	}
}
