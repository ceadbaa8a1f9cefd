// Package syncer repairs divergence between two devices' logs with a
// phased historical catch-up: the newest page of history arrives first and
// fast, deeper pages follow on a throttled timer. Applying a phase is
// purely additive (append-if-new and status upgrades only), so a sync can
// run alongside live traffic and be abandoned at any phase boundary.
package syncer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/config"
	"github.com/hearthchat/hearth/internal/registry"
	"github.com/hearthchat/hearth/internal/store"
	"github.com/hearthchat/hearth/internal/wire"
)

// syncBatchSize is how many messages ride in one sealed response payload.
// A phase larger than this is split across several payloads so each stays
// under the envelope bound.
const syncBatchSize = 8

// Publisher is the outbound half of the transport.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Acker repairs delivery status for messages that arrived via a third
// party: the original sender was offline when they were first published.
type Acker interface {
	AckMessage(conv *registry.Conversation, messageID, targetDeviceID string)
}

// session is the ephemeral state of one in-progress catch-up. A new
// top-level request or a conversation switch replaces it atomically,
// abandoning any scheduled phase continuation.
type session struct {
	conversationID string
	since          int64
	phase          int
	startedAt      time.Time
	timer          *time.Timer
}

// Engine runs both sides of the catch-up protocol for one device.
type Engine struct {
	deviceID    string
	displayName string
	reg         *registry.Registry
	pub         Publisher
	acker       Acker
	bus         *bus.Bus
	cfg         config.Sync
	logger      *zap.Logger

	mu   sync.Mutex
	gen  int // bumped on every replace/cancel; stale timers check it
	sess *session
}

// New creates a sync engine.
func New(deviceID, displayName string, reg *registry.Registry, pub Publisher, acker Acker, b *bus.Bus, cfg config.Sync, logger *zap.Logger) *Engine {
	return &Engine{
		deviceID:    deviceID,
		displayName: displayName,
		reg:         reg,
		pub:         pub,
		acker:       acker,
		bus:         b,
		cfg:         cfg,
		logger:      logger,
	}
}

// RequestSync starts a fresh catch-up for a conversation, asking any online
// peer for history newer than since. An in-progress session is replaced.
func (e *Engine) RequestSync(conversationID string, since int64) error {
	entry, err := e.reg.FindByID(conversationID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.replaceSessionLocked(&session{
		conversationID: conversationID,
		since:          since,
		phase:          1,
		startedAt:      time.Now(),
	})
	e.mu.Unlock()

	return e.publishRequest(entry.Conversation, since, 1)
}

// Cancel resets the session to idle, abandoning any scheduled phase.
// Called on conversation switch.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.replaceSessionLocked(nil)
	e.mu.Unlock()
}

// replaceSessionLocked swaps the session, invalidating stale timers.
func (e *Engine) replaceSessionLocked(s *session) {
	if e.sess != nil && e.sess.timer != nil {
		e.sess.timer.Stop()
	}
	e.gen++
	e.sess = s
}

func (e *Engine) publishRequest(conv *registry.Conversation, since int64, phase int) error {
	sealed, err := wire.EncodeSyncRequest(conv.Key, &wire.SyncRequest{
		RequesterID:   e.deviceID,
		RequesterName: e.displayName,
		Since:         since,
		Phase:         phase,
	})
	if err != nil {
		return fmt.Errorf("encode sync request: %w", err)
	}
	topic := wire.SyncRequestTopic(conv.ID, e.deviceID)
	if err := e.pub.Publish(topic, sealed, false); err != nil {
		return fmt.Errorf("publish sync request: %w", err)
	}
	e.logger.Info("sync phase requested",
		zap.String("conversation", conv.ID),
		zap.Int("phase", phase),
		zap.Int64("since", since))
	return nil
}

// HandleRequest answers a peer's catch-up request with one phase of
// history, newest first, split into sealed batches. The responder is
// stateless: the phase number in the request selects the page.
func (e *Engine) HandleRequest(conv *registry.Conversation, st *store.Store, payload []byte) {
	req, err := wire.DecodeSyncRequest(conv.Key, payload)
	if err != nil {
		e.logger.Warn("dropping bad sync request", zap.String("conversation", conv.ID), zap.Error(err))
		return
	}
	if req.RequesterID == e.deviceID {
		return
	}
	phase := req.Phase
	if phase < 1 {
		phase = 1
	}

	msgs, err := st.LoadAll()
	if err != nil {
		e.logger.Error("sync responder failed to load log", zap.String("conversation", conv.ID), zap.Error(err))
		return
	}
	var matched []store.Message
	for _, m := range msgs {
		if m.CreatedAt >= req.Since {
			matched = append(matched, m)
		}
	}
	// Newest first: phase 1 carries the most valuable page.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt > matched[j].CreatedAt
	})

	k := e.cfg.PhaseSize
	lo := (phase - 1) * k
	hi := lo + k
	if lo > len(matched) {
		lo = len(matched)
	}
	if hi > len(matched) {
		hi = len(matched)
	}
	page := matched[lo:hi]
	morePhases := hi < len(matched)

	batches := splitBatches(page, syncBatchSize)
	total := len(batches)
	if total == 0 {
		// Empty phase still gets a reply so the requester completes.
		batches = [][]store.Message{nil}
		total = 1
	}
	for i, batch := range batches {
		resp := &wire.SyncResponse{
			Phase:      phase,
			Batch:      i + 1,
			Total:      total,
			MorePhases: morePhases,
		}
		for _, m := range batch {
			resp.Messages = append(resp.Messages, wire.SyncMessage{
				Sender:         m.Sender,
				SenderDeviceID: m.SenderDeviceID,
				Content:        m.Content,
				Timestamp:      m.CreatedAt,
				MessageID:      m.MessageID,
			})
		}
		sealed, err := wire.EncodeSyncResponse(conv.Key, resp)
		if err != nil {
			e.logger.Error("encode sync response", zap.Error(err))
			return
		}
		if err := e.pub.Publish(wire.SyncResponseTopic(req.RequesterID), sealed, false); err != nil {
			e.logger.Warn("publish sync response", zap.Error(err))
			return
		}
	}
	e.logger.Info("sync phase served",
		zap.String("conversation", conv.ID),
		zap.String("requester", req.RequesterID),
		zap.Int("phase", phase),
		zap.Int("messages", len(page)),
		zap.Bool("more", morePhases))
}

// HandleResponse applies one sync batch to the local log. Only additive
// operations run here, so replays and interleavings are harmless.
func (e *Engine) HandleResponse(st StoreProvider, payload []byte) {
	e.mu.Lock()
	sess := e.sess
	gen := e.gen
	e.mu.Unlock()
	if sess == nil {
		// Stale response from an abandoned session.
		return
	}

	entry, err := e.reg.FindByID(sess.conversationID)
	if err != nil {
		e.logger.Warn("sync session references missing conversation", zap.Error(err))
		e.Cancel()
		return
	}
	conv := entry.Conversation

	resp, err := wire.DecodeSyncResponse(conv.Key, payload)
	if err != nil {
		e.logger.Warn("dropping bad sync response", zap.Error(err))
		return
	}

	convStore, err := st.Store(conv.ID)
	if err != nil {
		e.logger.Error("sync requester store unavailable", zap.Error(err))
		return
	}

	applied := 0
	for _, sm := range resp.Messages {
		own := sm.SenderDeviceID == e.deviceID
		m := &store.Message{
			MessageID:      sm.MessageID,
			ConversationID: conv.ID,
			Sender:         sm.Sender,
			SenderDeviceID: sm.SenderDeviceID,
			Content:        sm.Content,
			CreatedAt:      sm.Timestamp,
			Direction:      store.Incoming,
			Status:         store.StatusReceived,
		}
		if own {
			// My own message echoed back by sync: same id, same sender,
			// deduplicated against the original — never a foreign duplicate.
			m.Direction = store.Outgoing
			m.Status = store.StatusSent
		}
		res, err := convStore.AppendIfNew(m)
		if err != nil {
			e.logger.Error("sync apply failed", zap.String("message_id", sm.MessageID), zap.Error(err))
			continue
		}
		if res == store.Stored {
			applied++
			// Newly discovered messages surface even mid-catch-up;
			// replays of known messages never re-surface.
			e.bus.Emit("message.received", bus.MessageRef{
				ConversationID: conv.ID,
				MessageID:      sm.MessageID,
				Sender:         sm.Sender,
				Content:        sm.Content,
			})
		}
		if !own {
			// Repair the original sender's delivery bookkeeping even
			// though this copy came from a third party.
			e.acker.AckMessage(conv, sm.MessageID, sm.SenderDeviceID)
		}
	}

	e.bus.Emit("sync.phase_complete", bus.PhaseInfo{
		ConversationID: conv.ID,
		Phase:          resp.Phase,
		Applied:        applied,
		MorePhases:     resp.MorePhases,
	})

	if resp.Batch < resp.Total {
		// More batches of this phase are in flight.
		return
	}
	if !resp.MorePhases {
		e.mu.Lock()
		if e.gen == gen {
			e.replaceSessionLocked(nil)
		}
		e.mu.Unlock()
		e.bus.Emit("sync.completed", conv.ID)
		return
	}

	// Schedule the next, older phase after a throttle delay. The timer
	// checks the generation so a replaced session never fires a stale
	// continuation.
	nextPhase := resp.Phase + 1
	e.mu.Lock()
	if e.gen != gen || e.sess == nil {
		e.mu.Unlock()
		return
	}
	e.sess.phase = nextPhase
	e.sess.startedAt = time.Now()
	e.sess.timer = time.AfterFunc(e.cfg.PhaseDelay(), func() {
		e.mu.Lock()
		stale := e.gen != gen || e.sess == nil
		e.mu.Unlock()
		if stale {
			return
		}
		if err := e.publishRequest(conv, sess.since, nextPhase); err != nil {
			e.logger.Warn("sync continuation failed", zap.Error(err))
		}
	})
	e.mu.Unlock()
}

// Phase reports the in-progress phase, 0 when idle.
func (e *Engine) Phase() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return 0
	}
	return e.sess.phase
}

// StoreProvider resolves a conversation id to its message log.
type StoreProvider interface {
	Store(conversationID string) (*store.Store, error)
}

func splitBatches(msgs []store.Message, size int) [][]store.Message {
	var out [][]store.Message
	for len(msgs) > 0 {
		n := size
		if n > len(msgs) {
			n = len(msgs)
		}
		out = append(out, msgs[:n])
		msgs = msgs[n:]
	}
	return out
}
