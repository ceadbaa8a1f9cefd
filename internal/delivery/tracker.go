// Package delivery drives the per-message delivery state machine
// (Sent → Received → Read) from protocol events, acknowledges inbound
// content, and paces outbound read receipts.
package delivery

import (
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/registry"
	"github.com/hearthchat/hearth/internal/store"
	"github.com/hearthchat/hearth/internal/wire"
)

// processedCap bounds the duplicate-suppression caches. Ack storms repeat
// ids in bursts, so a small window of recent ids is enough.
const processedCap = 128

// Publisher is the outbound half of the transport.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Tracker owns delivery bookkeeping for every conversation of one device.
type Tracker struct {
	deviceID    string
	displayName string
	pub         Publisher
	bus         *bus.Bus
	logger      *zap.Logger

	// acks/receipts this device has already applied, to absorb repeats
	processedAcks  *lru.Cache[string, struct{}]
	processedReads *lru.Cache[string, struct{}]
	// acks this device has already sent, so sync repair doesn't re-ack
	sentAcks *lru.Cache[string, struct{}]

	receipts *receiptQueue
}

// New creates a tracker. drainInterval paces outbound read receipts.
func New(deviceID, displayName string, pub Publisher, b *bus.Bus, drainInterval time.Duration, logger *zap.Logger) *Tracker {
	processedAcks, _ := lru.New[string, struct{}](processedCap)
	processedReads, _ := lru.New[string, struct{}](processedCap)
	sentAcks, _ := lru.New[string, struct{}](processedCap)

	t := &Tracker{
		deviceID:       deviceID,
		displayName:    displayName,
		pub:            pub,
		bus:            b,
		logger:         logger,
		processedAcks:  processedAcks,
		processedReads: processedReads,
		sentAcks:       sentAcks,
	}
	t.receipts = newReceiptQueue(t, drainInterval)
	return t
}

// Start launches the read-receipt drain loop.
func (t *Tracker) Start() { t.receipts.start() }

// Stop halts the drain loop. Queued receipts are dropped; the peer's sync
// repair path recovers the lost status upgrades.
func (t *Tracker) Stop() { t.receipts.stop() }

func cacheKey(conversationID, messageID string) string {
	return conversationID + "|" + messageID
}

// HandleContent processes an inbound Broadcast or Direct frame: store it if
// new, acknowledge it, and surface it to the renderer. Returns true when the
// message was newly stored.
func (t *Tracker) HandleContent(conv *registry.Conversation, st *store.Store, f *wire.Frame) bool {
	if f.SenderDeviceID == t.deviceID {
		// Own frame echoed by the broker.
		return false
	}

	m := &store.Message{
		MessageID:      f.MessageID,
		ConversationID: conv.ID,
		Sender:         f.SenderName,
		SenderDeviceID: f.SenderDeviceID,
		Content:        f.Payload,
		CreatedAt:      time.Now().Unix(),
		Direction:      store.Incoming,
		Status:         store.StatusReceived,
	}
	res, err := st.AppendIfNew(m)
	if err != nil {
		t.logger.Error("failed to store inbound message",
			zap.String("conversation", conv.ID),
			zap.String("message_id", f.MessageID),
			zap.Error(err))
		return false
	}
	if res != store.Stored {
		return false
	}

	// At-least-once acknowledgment: the sender's dedup absorbs repeats.
	t.AckMessage(conv, f.MessageID, f.SenderDeviceID)

	t.bus.Emit("message.received", bus.MessageRef{
		ConversationID: conv.ID,
		MessageID:      f.MessageID,
		Sender:         f.SenderName,
		Content:        f.Payload,
	})
	if f.Payload == f.SenderName+" joined" {
		t.bus.Emit("conversation.member_joined", bus.MemberInfo{
			ConversationID: conv.ID,
			DisplayName:    f.SenderName,
			DeviceID:       f.SenderDeviceID,
		})
	}
	return true
}

// HandleAck upgrades one of this device's messages to Received.
func (t *Tracker) HandleAck(conv *registry.Conversation, st *store.Store, f *wire.Frame) {
	if f.Target != t.deviceID {
		return
	}
	key := cacheKey(conv.ID, f.Payload)
	if _, seen := t.processedAcks.Get(key); seen {
		return
	}
	t.processedAcks.Add(key, struct{}{})
	t.applyStatus(conv, st, f.Payload, store.StatusReceived)
}

// HandleReadReceipt upgrades one of this device's messages to Read.
func (t *Tracker) HandleReadReceipt(conv *registry.Conversation, st *store.Store, f *wire.Frame) {
	if f.Target != t.deviceID {
		return
	}
	key := cacheKey(conv.ID, f.Payload)
	if _, seen := t.processedReads.Get(key); seen {
		return
	}
	t.processedReads.Add(key, struct{}{})
	t.applyStatus(conv, st, f.Payload, store.StatusRead)
}

func (t *Tracker) applyStatus(conv *registry.Conversation, st *store.Store, messageID string, status store.Status) {
	err := st.UpdateStatus(messageID, status, true)
	if errors.Is(err, store.ErrNotFound) {
		t.logger.Info("status update for unknown message",
			zap.String("conversation", conv.ID),
			zap.String("message_id", messageID))
		return
	}
	if err != nil {
		t.logger.Error("status update failed",
			zap.String("conversation", conv.ID),
			zap.String("message_id", messageID),
			zap.Error(err))
		return
	}
	t.bus.Emit("message.status_changed", bus.StatusRef{
		ConversationID: conv.ID,
		MessageID:      messageID,
		Status:         string(status),
	})
}

// AckMessage sends an Ack for messageID to its original sender unless one
// was already sent. Used for live receipt and for sync repair, where the
// message arrived via a third party while the sender was offline.
func (t *Tracker) AckMessage(conv *registry.Conversation, messageID, targetDeviceID string) {
	if targetDeviceID == "" || targetDeviceID == t.deviceID {
		return
	}
	key := cacheKey(conv.ID, messageID)
	if _, seen := t.sentAcks.Get(key); seen {
		return
	}
	t.sentAcks.Add(key, struct{}{})

	sealed, err := wire.Encode(conv.Key, &wire.Frame{
		Type:           wire.Ack,
		ConversationID: conv.ID,
		Target:         targetDeviceID,
		SenderName:     t.displayName,
		SenderDeviceID: t.deviceID,
		MessageID:      uuid.NewString(),
		Payload:        messageID,
	})
	if err != nil {
		t.logger.Error("failed to encode ack", zap.Error(err))
		return
	}
	if err := t.pub.Publish(wire.AckTopic(conv.ID, targetDeviceID), sealed, false); err != nil {
		t.logger.Warn("failed to publish ack",
			zap.String("conversation", conv.ID),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// MarkConversationRead upgrades every Received inbound message to Read in
// one rewrite and queues a read receipt per message. Called when the
// conversation becomes the visible one.
func (t *Tracker) MarkConversationRead(conv *registry.Conversation, st *store.Store) error {
	msgs, err := st.LoadAll()
	if err != nil {
		return err
	}

	var ids []string
	var pending []receipt
	for _, m := range msgs {
		if m.Direction != store.Incoming || m.Status != store.StatusReceived {
			continue
		}
		ids = append(ids, m.MessageID)
		pending = append(pending, receipt{
			conversationID: conv.ID,
			key:            conv.Key,
			messageID:      m.MessageID,
			targetDeviceID: m.SenderDeviceID,
		})
	}
	if len(ids) == 0 {
		return nil
	}

	changed, err := st.BatchUpdateStatus(ids, store.StatusRead)
	if err != nil {
		return err
	}
	if changed > 0 {
		t.receipts.enqueue(pending)
	}
	return nil
}
