// Package invite exchanges conversation key material over retained broker
// topics. An invite is published retained under a short numeric code, so a
// joiner who subscribes later still receives it; the invite is plaintext
// by design because the joiner has no key yet, which is why codes are
// short-lived and unpublished after a TTL.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/cryptobox"
	"github.com/hearthchat/hearth/internal/registry"
	"github.com/hearthchat/hearth/internal/transport"
	"github.com/hearthchat/hearth/internal/wire"
)

const (
	// inviteTTL is how long a published invite stays live on the broker.
	inviteTTL = 5 * time.Minute
	// joinWait is how long a joiner waits for the retained invite.
	joinWait = 15 * time.Second
)

var (
	// ErrInviteTimeout means no invite appeared under the code in time.
	ErrInviteTimeout = errors.New("invite: no invite found for code")
	// ErrInviteMalformed means the payload under the code was not a valid
	// invite. Treated the same as absent: the code is useless.
	ErrInviteMalformed = errors.New("invite: malformed invite payload")
)

// Invite is the plaintext JSON published under hearth/invites/{code}.
type Invite struct {
	ConversationID     string `json:"conversationId"`
	DisplayName        string `json:"displayName"`
	Key                string `json:"key"`
	Kind               int    `json:"type"`
	CreatorDisplayName string `json:"creatorDisplayName"`
	Timestamp          int64  `json:"timestamp"`
}

// Wire is the slice of the transport the broker needs.
type Wire interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, h transport.Handler) error
	Unsubscribe(topic string) error
}

// Broker publishes and redeems invites.
type Broker struct {
	tr     Wire
	reg    *registry.Registry
	bus    *bus.Bus
	logger *zap.Logger

	ttl  time.Duration
	wait time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer // live invite codes -> TTL timers
}

// New creates an invite broker.
func New(tr Wire, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *Broker {
	return &Broker{
		tr:     tr,
		reg:    reg,
		bus:    b,
		logger: logger,
		ttl:    inviteTTL,
		wait:   joinWait,
		timers: make(map[string]*time.Timer),
	}
}

// NewCode returns a fresh six-digit invite code.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("invite: generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// PublishInvite puts conv's key material on the broker under code, retained
// so a joiner subscribing later still gets it. The invite auto-expires
// after the TTL.
func (b *Broker) PublishInvite(code string, conv *registry.Conversation, creatorName string) error {
	payload, err := json.Marshal(&Invite{
		ConversationID:     conv.ID,
		DisplayName:        conv.DisplayName,
		Key:                base64.StdEncoding.EncodeToString(conv.Key),
		Kind:               int(conv.Kind),
		CreatorDisplayName: creatorName,
		Timestamp:          time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("invite: encode: %w", err)
	}
	if err := b.tr.Publish(wire.InviteTopic(code), payload, true); err != nil {
		return fmt.Errorf("invite: publish: %w", err)
	}

	b.mu.Lock()
	if t, ok := b.timers[code]; ok {
		t.Stop()
	}
	b.timers[code] = time.AfterFunc(b.ttl, func() {
		if err := b.Unpublish(code); err != nil {
			b.logger.Warn("invite expiry cleanup failed", zap.String("code", code), zap.Error(err))
		}
	})
	b.mu.Unlock()

	b.logger.Info("invite published",
		zap.String("code", code),
		zap.String("conversation", conv.ID))
	return nil
}

// Unpublish clears the retained invite under code.
func (b *Broker) Unpublish(code string) error {
	b.mu.Lock()
	if t, ok := b.timers[code]; ok {
		t.Stop()
		delete(b.timers, code)
	}
	b.mu.Unlock()

	// An empty retained publish clears the topic on the broker.
	return b.tr.Publish(wire.InviteTopic(code), nil, true)
}

// Close stops every pending TTL timer. Retained invites survive on the
// broker until their next daemon run or broker-side expiry.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for code, t := range b.timers {
		t.Stop()
		delete(b.timers, code)
	}
}

// AwaitInvite subscribes under code and waits for the retained invite.
func (b *Broker) AwaitInvite(ctx context.Context, code string) (*Invite, error) {
	topic := wire.InviteTopic(code)
	ch := make(chan []byte, 1)
	if err := b.tr.Subscribe(topic, func(_ string, payload []byte) {
		select {
		case ch <- payload:
		default:
		}
	}); err != nil {
		return nil, fmt.Errorf("invite: subscribe: %w", err)
	}
	defer func() {
		if err := b.tr.Unsubscribe(topic); err != nil {
			b.logger.Warn("invite unsubscribe failed", zap.String("code", code), zap.Error(err))
		}
	}()

	select {
	case payload := <-ch:
		return decodeInvite(payload)
	case <-time.After(b.wait):
		return nil, ErrInviteTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Join redeems code: it waits for the invite, persists the conversation
// into a free slot, and announces the join on the bus. Redeeming a code
// for an already-held conversation is a no-op returning the existing one.
func (b *Broker) Join(ctx context.Context, code, localUsername string) (*registry.Conversation, error) {
	inv, err := b.AwaitInvite(ctx, code)
	if err != nil {
		return nil, err
	}

	if entry, err := b.reg.FindByID(inv.ConversationID); err == nil {
		b.logger.Info("already a member, invite ignored",
			zap.String("conversation", inv.ConversationID))
		return entry.Conversation, nil
	}

	key, err := base64.StdEncoding.DecodeString(inv.Key)
	if err != nil || len(key) != cryptobox.KeySize {
		return nil, ErrInviteMalformed
	}
	conv := &registry.Conversation{
		ID:            inv.ConversationID,
		DisplayName:   inv.DisplayName,
		Key:           key,
		Kind:          registry.Kind(inv.Kind),
		Owner:         false,
		LocalUsername: localUsername,
		CreatedAt:     time.Now().Unix(),
	}
	slot, err := b.reg.Add(conv)
	if err != nil {
		return nil, err
	}
	b.logger.Info("joined conversation",
		zap.String("conversation", conv.ID),
		zap.Int("slot", slot))

	b.bus.Emit("conversation.joined", bus.MemberInfo{
		ConversationID: conv.ID,
		DisplayName:    conv.DisplayName,
	})
	return conv, nil
}

func decodeInvite(payload []byte) (*Invite, error) {
	var inv Invite
	if err := json.Unmarshal(payload, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInviteMalformed, err)
	}
	if inv.ConversationID == "" || inv.DisplayName == "" {
		return nil, ErrInviteMalformed
	}
	key, err := base64.StdEncoding.DecodeString(inv.Key)
	if err != nil || len(key) != cryptobox.KeySize {
		return nil, ErrInviteMalformed
	}
	return &inv, nil
}
