// Package engine is the daemon core: it owns the conversation registry and
// per-conversation message logs, routes every inbound frame to the delivery
// tracker or the sync engine, and drives outbound sends, invites and joins.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/config"
	"github.com/hearthchat/hearth/internal/cryptobox"
	"github.com/hearthchat/hearth/internal/delivery"
	"github.com/hearthchat/hearth/internal/invite"
	"github.com/hearthchat/hearth/internal/registry"
	"github.com/hearthchat/hearth/internal/store"
	"github.com/hearthchat/hearth/internal/syncer"
	"github.com/hearthchat/hearth/internal/transport"
	"github.com/hearthchat/hearth/internal/wire"
)

var (
	// ErrNoActiveConversation is returned by sends with nothing selected.
	ErrNoActiveConversation = errors.New("engine: no active conversation")
	// ErrContentTooLong is returned when a message exceeds the content bound.
	ErrContentTooLong = fmt.Errorf("engine: content exceeds %d bytes", cryptobox.MaxContent)
)

// Engine coordinates registry, stores, transport, delivery and sync for one
// device.
type Engine struct {
	deviceID    string
	displayName string
	reg         *registry.Registry
	tr          transport.Transport
	tracker     *delivery.Tracker
	sync        *syncer.Engine
	invites     *invite.Broker
	bus         *bus.Bus
	cfg         config.Sync
	logger      *zap.Logger

	mu     sync.Mutex
	stores map[string]*store.Store
}

// New creates the engine. Call Start after the transport is connected.
func New(deviceID, displayName string, reg *registry.Registry, tr transport.Transport, tracker *delivery.Tracker, sy *syncer.Engine, inv *invite.Broker, b *bus.Bus, cfg config.Sync, logger *zap.Logger) *Engine {
	return &Engine{
		deviceID:    deviceID,
		displayName: displayName,
		reg:         reg,
		tr:          tr,
		tracker:     tracker,
		sync:        sy,
		invites:     inv,
		bus:         b,
		cfg:         cfg,
		logger:      logger,
		stores:      make(map[string]*store.Store),
	}
}

// DeviceID returns this device's stable identity.
func (e *Engine) DeviceID() string { return e.deviceID }

// Store returns the lazily opened message log for a conversation.
func (e *Engine) Store(conversationID string) (*store.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.stores[conversationID]; ok {
		return st, nil
	}
	st, err := store.Open(e.reg.MessageLogPath(conversationID), e.cfg.StatusScanWindow, e.logger)
	if err != nil {
		return nil, err
	}
	e.stores[conversationID] = st
	return st, nil
}

// Start subscribes every held conversation plus this device's sync-response
// channel and launches the delivery tracker.
func (e *Engine) Start() error {
	if err := e.tr.Subscribe(wire.SyncResponseTopic(e.deviceID), e.HandleInbound); err != nil {
		return fmt.Errorf("engine: subscribe sync-response: %w", err)
	}
	for _, entry := range e.reg.List() {
		if err := e.subscribeConversation(entry.Conversation); err != nil {
			return err
		}
	}
	e.tracker.Start()
	e.logger.Info("engine started",
		zap.String("device", e.deviceID),
		zap.Int("conversations", len(e.reg.List())))
	return nil
}

// Stop halts the delivery tracker. Transport teardown belongs to the caller.
func (e *Engine) Stop() {
	e.sync.Cancel()
	e.tracker.Stop()
}

func (e *Engine) subscribeConversation(conv *registry.Conversation) error {
	for _, filter := range wire.ConversationSubscriptions(conv.ID, e.deviceID) {
		if err := e.tr.Subscribe(filter, e.HandleInbound); err != nil {
			return fmt.Errorf("engine: subscribe %s: %w", filter, err)
		}
	}
	return nil
}

func (e *Engine) unsubscribeConversation(conv *registry.Conversation) {
	for _, filter := range wire.ConversationSubscriptions(conv.ID, e.deviceID) {
		if err := e.tr.Unsubscribe(filter); err != nil {
			e.logger.Warn("unsubscribe failed", zap.String("filter", filter), zap.Error(err))
		}
	}
}

// HandleInbound classifies an inbound payload by topic and routes it.
// Frames that fail authentication are dropped silently: topics are shared
// namespaces and foreign traffic is expected, not an attack signal.
func (e *Engine) HandleInbound(topic string, payload []byte) {
	addr, err := wire.ParseTopic(topic)
	if err != nil {
		e.logger.Debug("unroutable topic", zap.String("topic", topic))
		return
	}

	switch addr.Channel {
	case wire.ChannelSyncResponse:
		if addr.Target != e.deviceID {
			return
		}
		e.sync.HandleResponse(e, payload)

	case wire.ChannelSyncRequest:
		entry, err := e.reg.FindByID(addr.ConversationID)
		if err != nil {
			return
		}
		st, err := e.Store(entry.Conversation.ID)
		if err != nil {
			e.logger.Error("store unavailable", zap.String("conversation", addr.ConversationID), zap.Error(err))
			return
		}
		e.sync.HandleRequest(entry.Conversation, st, payload)

	case wire.ChannelBroadcast, wire.ChannelDirect, wire.ChannelAck, wire.ChannelRead:
		entry, err := e.reg.FindByID(addr.ConversationID)
		if err != nil {
			return
		}
		conv := entry.Conversation
		st, err := e.Store(conv.ID)
		if err != nil {
			e.logger.Error("store unavailable", zap.String("conversation", conv.ID), zap.Error(err))
			return
		}

		f, err := wire.Decode(conv.Key, payload)
		if errors.Is(err, wire.ErrDecrypt) {
			e.logger.Debug("dropping unauthenticated frame", zap.String("topic", topic))
			return
		}
		if err != nil {
			e.logger.Warn("dropping malformed frame", zap.String("topic", topic), zap.Error(err))
			return
		}

		switch f.Type {
		case wire.Broadcast:
			e.tracker.HandleContent(conv, st, f)
		case wire.Direct:
			if f.Target != e.deviceID {
				return
			}
			e.tracker.HandleContent(conv, st, f)
		case wire.Ack:
			e.tracker.HandleAck(conv, st, f)
		case wire.ReadReceipt:
			e.tracker.HandleReadReceipt(conv, st, f)
		}
	}
}

// SendMessage appends content to the active conversation's log and
// broadcasts it. A failed publish leaves the message Sent with no retry;
// peers recover it later via sync.
func (e *Engine) SendMessage(content string) (*store.Message, error) {
	conv, ok := e.reg.Active()
	if !ok {
		return nil, ErrNoActiveConversation
	}
	return e.send(conv, wire.Broadcast, wire.BroadcastTarget, content)
}

// SendDirect targets a single device in the active conversation.
func (e *Engine) SendDirect(targetDeviceID, content string) (*store.Message, error) {
	conv, ok := e.reg.Active()
	if !ok {
		return nil, ErrNoActiveConversation
	}
	return e.send(conv, wire.Direct, targetDeviceID, content)
}

func (e *Engine) send(conv *registry.Conversation, typ wire.Type, target, content string) (*store.Message, error) {
	if len(content) > cryptobox.MaxContent {
		return nil, ErrContentTooLong
	}
	st, err := e.Store(conv.ID)
	if err != nil {
		return nil, err
	}

	m := &store.Message{
		MessageID:      uuid.NewString(),
		ConversationID: conv.ID,
		Sender:         e.displayName,
		SenderDeviceID: e.deviceID,
		Content:        content,
		CreatedAt:      time.Now().Unix(),
		Direction:      store.Outgoing,
		Status:         store.StatusSent,
	}
	if _, err := st.AppendIfNew(m); err != nil {
		return nil, err
	}

	sealed, err := wire.Encode(conv.Key, &wire.Frame{
		Type:           typ,
		ConversationID: conv.ID,
		Target:         target,
		SenderName:     e.displayName,
		SenderDeviceID: e.deviceID,
		MessageID:      m.MessageID,
		Payload:        content,
	})
	if err != nil {
		return nil, err
	}

	topic := wire.BroadcastTopic(conv.ID)
	if typ == wire.Direct {
		topic = wire.DirectTopic(conv.ID, target)
	}
	if err := e.tr.Publish(topic, sealed, false); err != nil {
		// The message stays Sent; the peer's next sync picks it up.
		e.logger.Warn("publish failed, message kept local",
			zap.String("conversation", conv.ID),
			zap.String("message_id", m.MessageID),
			zap.Error(err))
		e.bus.Emit("message.send_failed", bus.MessageRef{
			ConversationID: conv.ID,
			MessageID:      m.MessageID,
			Sender:         e.displayName,
			Content:        content,
		})
	}
	return m, nil
}

// CreateConversation mints a conversation into a free slot and subscribes
// to its traffic.
func (e *Engine) CreateConversation(name string, kind registry.Kind) (*registry.Conversation, error) {
	conv, err := e.reg.Create(name, kind, e.displayName)
	if err != nil {
		return nil, err
	}
	if err := e.subscribeConversation(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// CreateInvite publishes a retained invite for a held conversation and
// returns the code a peer redeems.
func (e *Engine) CreateInvite(conversationID string) (string, error) {
	entry, err := e.reg.FindByID(conversationID)
	if err != nil {
		return "", err
	}
	code, err := invite.NewCode()
	if err != nil {
		return "", err
	}
	if err := e.invites.PublishInvite(code, entry.Conversation, e.displayName); err != nil {
		return "", err
	}
	return code, nil
}

// Join redeems an invite code, subscribes to the new conversation,
// announces the join to its members and starts a full catch-up.
func (e *Engine) Join(ctx context.Context, code string) (*registry.Conversation, error) {
	conv, err := e.invites.Join(ctx, code, e.displayName)
	if err != nil {
		return nil, err
	}
	if err := e.subscribeConversation(conv); err != nil {
		return nil, err
	}
	if _, err := e.send(conv, wire.Broadcast, wire.BroadcastTarget, e.displayName+" joined"); err != nil {
		e.logger.Warn("join announcement failed", zap.Error(err))
	}
	if err := e.sync.RequestSync(conv.ID, 0); err != nil {
		e.logger.Warn("initial sync request failed", zap.Error(err))
	}
	return conv, nil
}

// SetActive switches the outbound target conversation. Switching abandons
// any in-progress sync session and marks the newly visible conversation's
// inbound messages read.
func (e *Engine) SetActive(conversationID string) error {
	if err := e.reg.SetActive(conversationID); err != nil {
		return err
	}
	e.sync.Cancel()
	return e.MarkActiveRead()
}

// MarkActiveRead upgrades the active conversation's received messages to
// read and queues the receipts.
func (e *Engine) MarkActiveRead() error {
	conv, ok := e.reg.Active()
	if !ok {
		return ErrNoActiveConversation
	}
	st, err := e.Store(conv.ID)
	if err != nil {
		return err
	}
	return e.tracker.MarkConversationRead(conv, st)
}

// RequestSync starts a catch-up for one conversation.
func (e *Engine) RequestSync(conversationID string, since int64) error {
	return e.sync.RequestSync(conversationID, since)
}

// Messages returns a conversation's log in timestamp order.
func (e *Engine) Messages(conversationID string) ([]store.Message, error) {
	st, err := e.Store(conversationID)
	if err != nil {
		return nil, err
	}
	return st.LoadAll()
}

// List returns every held conversation.
func (e *Engine) List() []registry.Entry { return e.reg.List() }

// Active returns the selected conversation, if any.
func (e *Engine) Active() (*registry.Conversation, bool) { return e.reg.Active() }

// DeleteConversation drops a slot, its subscriptions and its message log.
func (e *Engine) DeleteConversation(slot int) error {
	conv, err := e.reg.Load(slot)
	if err != nil {
		return err
	}
	e.unsubscribeConversation(conv)
	e.mu.Lock()
	delete(e.stores, conv.ID)
	e.mu.Unlock()
	return e.reg.Delete(slot)
}
