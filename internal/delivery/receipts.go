package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearthchat/hearth/internal/wire"
)

// receipt is one queued read receipt.
type receipt struct {
	conversationID string
	key            []byte
	messageID      string
	targetDeviceID string
}

// receiptQueue paces outbound read receipts: marking a conversation read
// can queue dozens of receipts at once, and the transport's duty cycle
// would rather see one frame per tick than a burst.
type receiptQueue struct {
	tracker  *Tracker
	interval time.Duration

	mu      sync.Mutex
	pending []receipt
	cancel  context.CancelFunc
}

func newReceiptQueue(t *Tracker, interval time.Duration) *receiptQueue {
	return &receiptQueue{tracker: t, interval: interval}
}

func (q *receiptQueue) enqueue(rs []receipt) {
	q.mu.Lock()
	q.pending = append(q.pending, rs...)
	q.mu.Unlock()
}

func (q *receiptQueue) start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.loop(ctx)
}

func (q *receiptQueue) stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *receiptQueue) loop(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.drainOne()
		case <-ctx.Done():
			return
		}
	}
}

// drainOne sends the oldest queued receipt, if any.
func (q *receiptQueue) drainOne() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	r := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()

	t := q.tracker
	sealed, err := wire.Encode(r.key, &wire.Frame{
		Type:           wire.ReadReceipt,
		ConversationID: r.conversationID,
		Target:         r.targetDeviceID,
		SenderName:     t.displayName,
		SenderDeviceID: t.deviceID,
		MessageID:      uuid.NewString(),
		Payload:        r.messageID,
	})
	if err != nil {
		t.logger.Error("failed to encode read receipt", zap.Error(err))
		return
	}
	topic := wire.ReadTopic(r.conversationID, r.targetDeviceID)
	if err := t.pub.Publish(topic, sealed, false); err != nil {
		t.logger.Warn("failed to publish read receipt",
			zap.String("conversation", r.conversationID),
			zap.String("message_id", r.messageID),
			zap.Error(err))
	}
}

// pendingCount is a test hook.
func (q *receiptQueue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
