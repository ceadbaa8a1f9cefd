package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds used by the engine:
//
//	message.received           payload MessageRef — new inbound message stored
//	message.status_changed     payload StatusRef  — stored message advanced its delivery status
//	message.send_failed        payload MessageRef — publishing an outbound frame failed
//	sync.phase_complete        payload PhaseInfo  — one historical sync phase applied
//	sync.completed             payload string     — conversation id whose sync drained all phases
//	conversation.joined        payload MemberInfo — conversation added via an invite
//	daemon.status_changed      payload status.StatusChange — daemon runtime state moved
//	conversation.member_joined payload MemberInfo — peer announced itself in a conversation
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies one stored message.
type MessageRef struct {
	ConversationID string
	MessageID      string
	Sender         string
	Content        string
}

// StatusRef identifies a message whose delivery status changed.
type StatusRef struct {
	ConversationID string
	MessageID      string
	Status         string
}

// PhaseInfo describes a completed sync phase.
type PhaseInfo struct {
	ConversationID string
	Phase          int
	Applied        int
	MorePhases     bool
}

// MemberInfo describes a membership announcement.
type MemberInfo struct {
	ConversationID string
	DisplayName    string
	DeviceID       string
}
