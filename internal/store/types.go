package store

// Status is the delivery lifecycle marker of a message. Statuses are
// ordered: Sent < Received < Read. A monotonic update never moves backward.
type Status string

const (
	StatusSent     Status = "sent"
	StatusReceived Status = "received"
	StatusRead     Status = "read"
)

// Rank returns the ordering of a status for monotonic comparisons.
// Unknown statuses rank lowest.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusReceived:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Direction says whether this device composed the message or received it.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Message is one stored content item. (ConversationID, MessageID) is the
// dedup key across devices; Sender participates in duplicate detection so
// a device's own message echoed back by sync is not mistaken for a
// foreign duplicate.
type Message struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Sender         string    `json:"sender"`
	SenderDeviceID string    `json:"senderDeviceId"`
	Content        string    `json:"content"`
	CreatedAt      int64     `json:"timestamp"`
	Direction      Direction `json:"direction"`
	Status         Status    `json:"status"`
}
