package wire

import (
	"fmt"
	"strings"
)

// Topic layout, all rooted at "hearth":
//
//	hearth/{conversation_id}/broadcast
//	hearth/{conversation_id}/direct/{device_id}
//	hearth/{conversation_id}/ack/{device_id}
//	hearth/{conversation_id}/read/{device_id}
//	hearth/{conversation_id}/sync-request/{device_id}
//	hearth/{device_id}/sync-response
//	hearth/{device_id}/command
//	hearth/invites/{code}
const TopicRoot = "hearth"

// Channel names a topic's role below the conversation (or device) segment.
type Channel string

const (
	ChannelBroadcast    Channel = "broadcast"
	ChannelDirect       Channel = "direct"
	ChannelAck          Channel = "ack"
	ChannelRead         Channel = "read"
	ChannelSyncRequest  Channel = "sync-request"
	ChannelSyncResponse Channel = "sync-response"
	ChannelCommand      Channel = "command"
	ChannelInvite       Channel = "invite"
)

// Address is a parsed inbound topic.
type Address struct {
	Channel Channel
	// ConversationID is set for conversation-scoped channels.
	ConversationID string
	// Target is the trailing device id (or invite code) when present.
	Target string
}

func BroadcastTopic(conversationID string) string {
	return fmt.Sprintf("%s/%s/broadcast", TopicRoot, conversationID)
}

func DirectTopic(conversationID, deviceID string) string {
	return fmt.Sprintf("%s/%s/direct/%s", TopicRoot, conversationID, deviceID)
}

func AckTopic(conversationID, deviceID string) string {
	return fmt.Sprintf("%s/%s/ack/%s", TopicRoot, conversationID, deviceID)
}

func ReadTopic(conversationID, deviceID string) string {
	return fmt.Sprintf("%s/%s/read/%s", TopicRoot, conversationID, deviceID)
}

func SyncRequestTopic(conversationID, requesterDeviceID string) string {
	return fmt.Sprintf("%s/%s/sync-request/%s", TopicRoot, conversationID, requesterDeviceID)
}

func SyncResponseTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/sync-response", TopicRoot, deviceID)
}

func CommandTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", TopicRoot, deviceID)
}

func InviteTopic(code string) string {
	return fmt.Sprintf("%s/invites/%s", TopicRoot, code)
}

// ConversationSubscriptions returns every topic filter a device watches for
// one conversation.
func ConversationSubscriptions(conversationID, deviceID string) []string {
	return []string{
		BroadcastTopic(conversationID),
		DirectTopic(conversationID, deviceID),
		AckTopic(conversationID, deviceID),
		ReadTopic(conversationID, deviceID),
		SyncRequestTopic(conversationID, "+"),
	}
}

// ParseTopic classifies an inbound topic. Unknown shapes yield an error;
// the caller drops the payload.
func ParseTopic(topic string) (Address, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != TopicRoot {
		return Address{}, fmt.Errorf("%w: topic %q", ErrMalformedFrame, topic)
	}

	if parts[1] == "invites" && len(parts) == 3 {
		return Address{Channel: ChannelInvite, Target: parts[2]}, nil
	}

	switch Channel(parts[2]) {
	case ChannelBroadcast:
		if len(parts) == 3 {
			return Address{Channel: ChannelBroadcast, ConversationID: parts[1]}, nil
		}
	case ChannelDirect, ChannelAck, ChannelRead, ChannelSyncRequest:
		if len(parts) == 4 {
			return Address{Channel: Channel(parts[2]), ConversationID: parts[1], Target: parts[3]}, nil
		}
	case ChannelSyncResponse, ChannelCommand:
		if len(parts) == 3 {
			// Device-scoped: the second segment is a device id.
			return Address{Channel: Channel(parts[2]), Target: parts[1]}, nil
		}
	}
	return Address{}, fmt.Errorf("%w: topic %q", ErrMalformedFrame, topic)
}
