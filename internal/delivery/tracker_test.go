package delivery

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/cryptobox"
	"github.com/hearthchat/hearth/internal/registry"
	"github.com/hearthchat/hearth/internal/store"
	"github.com/hearthchat/hearth/internal/wire"
)

// capturePub records published frames.
type capturePub struct {
	mu   sync.Mutex
	msgs []published
}

type published struct {
	topic   string
	payload []byte
}

func (p *capturePub) Publish(topic string, payload []byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic, payload})
	return nil
}

func (p *capturePub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (p *capturePub) at(i int) published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[i]
}

func testConv(t *testing.T) *registry.Conversation {
	t.Helper()
	key, err := cryptobox.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	return &registry.Conversation{
		ID:          "conv-1",
		DisplayName: "test",
		Key:         key,
	}
}

func testTrackerStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conv.log"), 0, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestTracker(pub Publisher, b *bus.Bus) *Tracker {
	return New("dev-me", "me", pub, b, 10*time.Millisecond, zap.NewNop())
}

func TestHandleContentStoresAcksAndEmits(t *testing.T) {
	pub := &capturePub{}
	b := bus.New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	tr := newTestTracker(pub, b)
	conv := testConv(t)
	st := testTrackerStore(t)

	f := &wire.Frame{
		Type: wire.Broadcast, ConversationID: conv.ID, Target: wire.BroadcastTarget,
		SenderName: "bob", SenderDeviceID: "dev-bob", MessageID: "m1", Payload: "hello",
	}
	if !tr.HandleContent(conv, st, f) {
		t.Fatal("HandleContent should report newly stored")
	}

	// Stored as Incoming/Received.
	all, _ := st.LoadAll()
	if len(all) != 1 || all[0].Status != store.StatusReceived || all[0].Direction != store.Incoming {
		t.Errorf("stored = %+v", all)
	}

	// An ack went back to the sender.
	if pub.count() != 1 {
		t.Fatalf("published %d frames, want 1 ack", pub.count())
	}
	got := pub.at(0)
	if got.topic != "hearth/conv-1/ack/dev-bob" {
		t.Errorf("ack topic = %q", got.topic)
	}
	ack, err := wire.Decode(conv.Key, got.payload)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Type != wire.Ack || ack.Payload != "m1" || ack.Target != "dev-bob" {
		t.Errorf("ack = %+v", ack)
	}

	// The renderer heard about it.
	select {
	case evt := <-ch:
		if evt.Kind != "message.received" {
			t.Errorf("event kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no bus event")
	}
}

func TestHandleContentDuplicateSendsNoSecondAck(t *testing.T) {
	pub := &capturePub{}
	tr := newTestTracker(pub, bus.New())
	conv := testConv(t)
	st := testTrackerStore(t)

	f := &wire.Frame{
		Type: wire.Broadcast, ConversationID: conv.ID, Target: wire.BroadcastTarget,
		SenderName: "bob", SenderDeviceID: "dev-bob", MessageID: "m1", Payload: "hello",
	}
	tr.HandleContent(conv, st, f)
	if tr.HandleContent(conv, st, f) {
		t.Error("duplicate should not report stored")
	}

	if pub.count() != 1 {
		t.Errorf("published %d acks, want 1", pub.count())
	}
	all, _ := st.LoadAll()
	if len(all) != 1 {
		t.Errorf("stored %d messages, want 1", len(all))
	}
}

func TestHandleContentIgnoresOwnEcho(t *testing.T) {
	pub := &capturePub{}
	tr := newTestTracker(pub, bus.New())
	conv := testConv(t)
	st := testTrackerStore(t)

	f := &wire.Frame{
		Type: wire.Broadcast, ConversationID: conv.ID, Target: wire.BroadcastTarget,
		SenderName: "me", SenderDeviceID: "dev-me", MessageID: "m1", Payload: "hello",
	}
	if tr.HandleContent(conv, st, f) {
		t.Error("own echo should be ignored")
	}
	if pub.count() != 0 {
		t.Error("own echo should not be acked")
	}
}

func TestHandleAckUpgradesStatus(t *testing.T) {
	pub := &capturePub{}
	b := bus.New()
	ch, unsub := b.Subscribe("message.status_changed", 10)
	defer unsub()

	tr := newTestTracker(pub, b)
	conv := testConv(t)
	st := testTrackerStore(t)

	// A message this device sent earlier.
	if _, err := st.AppendIfNew(&store.Message{
		MessageID: "m1", ConversationID: conv.ID, Sender: "me",
		SenderDeviceID: "dev-me", Content: "hi", CreatedAt: 100,
		Direction: store.Outgoing, Status: store.StatusSent,
	}); err != nil {
		t.Fatal(err)
	}

	ack := &wire.Frame{
		Type: wire.Ack, ConversationID: conv.ID, Target: "dev-me",
		SenderName: "bob", SenderDeviceID: "dev-bob", MessageID: "a1", Payload: "m1",
	}
	tr.HandleAck(conv, st, ack)

	all, _ := st.LoadAll()
	if all[0].Status != store.StatusReceived {
		t.Errorf("status = %s, want received", all[0].Status)
	}
	select {
	case evt := <-ch:
		ref := evt.Payload.(bus.StatusRef)
		if ref.MessageID != "m1" || ref.Status != "received" {
			t.Errorf("event = %+v", ref)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}
}

func TestDuplicateAckSuppressed(t *testing.T) {
	pub := &capturePub{}
	b := bus.New()
	ch, unsub := b.Subscribe("message.status_changed", 10)
	defer unsub()

	tr := newTestTracker(pub, b)
	conv := testConv(t)
	st := testTrackerStore(t)

	if _, err := st.AppendIfNew(&store.Message{
		MessageID: "m1", ConversationID: conv.ID, Sender: "me",
		SenderDeviceID: "dev-me", CreatedAt: 100,
		Direction: store.Outgoing, Status: store.StatusSent,
	}); err != nil {
		t.Fatal(err)
	}

	ack := &wire.Frame{
		Type: wire.Ack, ConversationID: conv.ID, Target: "dev-me",
		SenderName: "bob", SenderDeviceID: "dev-bob", MessageID: "a1", Payload: "m1",
	}
	tr.HandleAck(conv, st, ack)
	tr.HandleAck(conv, st, ack)

	events := 0
	for {
		select {
		case <-ch:
			events++
		case <-time.After(50 * time.Millisecond):
			if events != 1 {
				t.Errorf("got %d status events, want 1 (duplicate suppressed)", events)
			}
			return
		}
	}
}

func TestReadReceiptDoesNotDowngradeAfterRead(t *testing.T) {
	pub := &capturePub{}
	tr := newTestTracker(pub, bus.New())
	conv := testConv(t)
	st := testTrackerStore(t)

	if _, err := st.AppendIfNew(&store.Message{
		MessageID: "m1", ConversationID: conv.ID, Sender: "me",
		SenderDeviceID: "dev-me", CreatedAt: 100,
		Direction: store.Outgoing, Status: store.StatusSent,
	}); err != nil {
		t.Fatal(err)
	}

	tr.HandleReadReceipt(conv, st, &wire.Frame{
		Type: wire.ReadReceipt, ConversationID: conv.ID, Target: "dev-me",
		SenderName: "bob", SenderDeviceID: "dev-bob", MessageID: "r1", Payload: "m1",
	})
	// A straggler ack arrives after the read receipt.
	tr.HandleAck(conv, st, &wire.Frame{
		Type: wire.Ack, ConversationID: conv.ID, Target: "dev-me",
		SenderName: "bob", SenderDeviceID: "dev-bob", MessageID: "a1", Payload: "m1",
	})

	all, _ := st.LoadAll()
	if all[0].Status != store.StatusRead {
		t.Errorf("status = %s, want read (no downgrade)", all[0].Status)
	}
}

func TestAckForUnknownMessageIsNonFatal(t *testing.T) {
	pub := &capturePub{}
	tr := newTestTracker(pub, bus.New())
	conv := testConv(t)
	st := testTrackerStore(t)

	tr.HandleAck(conv, st, &wire.Frame{
		Type: wire.Ack, ConversationID: conv.ID, Target: "dev-me",
		SenderName: "bob", SenderDeviceID: "dev-bob", MessageID: "a1", Payload: "ghost",
	})
	// Nothing to assert beyond "did not panic"; the store stays empty.
	all, _ := st.LoadAll()
	if len(all) != 0 {
		t.Errorf("store has %d messages, want 0", len(all))
	}
}

func TestMarkConversationReadQueuesPacedReceipts(t *testing.T) {
	pub := &capturePub{}
	tr := newTestTracker(pub, bus.New())
	conv := testConv(t)
	st := testTrackerStore(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := st.AppendIfNew(&store.Message{
			MessageID: id, ConversationID: conv.ID, Sender: "bob",
			SenderDeviceID: "dev-bob", CreatedAt: 100,
			Direction: store.Incoming, Status: store.StatusReceived,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := tr.MarkConversationRead(conv, st); err != nil {
		t.Fatal(err)
	}

	// All three advanced to Read in one pass.
	all, _ := st.LoadAll()
	for _, m := range all {
		if m.Status != store.StatusRead {
			t.Errorf("%s status = %s, want read", m.MessageID, m.Status)
		}
	}
	if tr.receipts.pendingCount() != 3 {
		t.Fatalf("queued %d receipts, want 3", tr.receipts.pendingCount())
	}

	// Receipts drain one per tick, not as a burst.
	tr.Start()
	defer tr.Stop()
	deadline := time.After(2 * time.Second)
	for pub.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d receipts published", pub.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	rr, err := wire.Decode(conv.Key, pub.at(0).payload)
	if err != nil {
		t.Fatal(err)
	}
	if rr.Type != wire.ReadReceipt || rr.Target != "dev-bob" {
		t.Errorf("receipt = %+v", rr)
	}

	// A second mark is a no-op: everything is already Read.
	if err := tr.MarkConversationRead(conv, st); err != nil {
		t.Fatal(err)
	}
	if tr.receipts.pendingCount() != 0 {
		t.Error("second MarkConversationRead queued receipts")
	}
}

func TestAckMessageDeduplicates(t *testing.T) {
	pub := &capturePub{}
	tr := newTestTracker(pub, bus.New())
	conv := testConv(t)

	tr.AckMessage(conv, "m1", "dev-bob")
	tr.AckMessage(conv, "m1", "dev-bob")
	if pub.count() != 1 {
		t.Errorf("published %d acks, want 1", pub.count())
	}

	// Never ack self.
	tr.AckMessage(conv, "m2", "dev-me")
	if pub.count() != 1 {
		t.Error("ack to self should be suppressed")
	}
}
