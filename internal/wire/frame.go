// Package wire serializes the typed message protocol to and from sealed
// ciphertext frames. The decrypted record is colon-delimited:
//
//	TYPE:conversation_id:target:sender_name:sender_device_id:message_id:payload:hop:max_hop
//
// The payload field is not escaped, so a literal colon inside message text
// shifts the trailing fields. The format is inherited as-is; the parser
// tolerates extra fields rather than guessing where a colon-bearing payload
// ends.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hearthchat/hearth/internal/cryptobox"
)

// Type tags a protocol frame.
type Type string

const (
	Broadcast   Type = "BROADCAST"
	Direct      Type = "DIRECT"
	Ack         Type = "ACK"
	ReadReceipt Type = "READ"
)

// BroadcastTarget is the target field of a frame addressed to everyone.
const BroadcastTarget = "*"

// DefaultMaxHop bounds mesh re-forwarding of a frame.
const DefaultMaxHop = 3

const delimiter = ":"

var (
	// ErrDecrypt means the ciphertext did not verify under the given key.
	// Usually the frame belongs to a conversation this device doesn't
	// hold; drop it silently.
	ErrDecrypt = errors.New("wire: decrypt failed")
	// ErrMalformedFrame means the plaintext decrypted but did not parse.
	// Log it for diagnostics and drop it.
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Frame is one validated protocol record. ConversationID is what the
// sender wrote into the plaintext; routing must use the id of the key that
// decrypted the frame, never this field.
type Frame struct {
	Type           Type
	ConversationID string
	Target         string
	SenderName     string
	SenderDeviceID string
	MessageID      string
	Payload        string
	Hop            int
	MaxHop         int
}

var knownTypes = map[Type]bool{
	Broadcast:   true,
	Direct:      true,
	Ack:         true,
	ReadReceipt: true,
}

// Encode joins the frame fields and seals them under key.
func Encode(key []byte, f *Frame) ([]byte, error) {
	if !knownTypes[f.Type] {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	maxHop := f.MaxHop
	if maxHop <= 0 {
		maxHop = DefaultMaxHop
	}
	record := strings.Join([]string{
		string(f.Type),
		f.ConversationID,
		f.Target,
		f.SenderName,
		f.SenderDeviceID,
		f.MessageID,
		f.Payload,
		strconv.Itoa(f.Hop),
		strconv.Itoa(maxHop),
	}, delimiter)
	sealed, err := cryptobox.Seal(key, []byte(record))
	if err != nil {
		return nil, fmt.Errorf("wire: seal: %w", err)
	}
	return sealed, nil
}

// Decode opens sealed under key and parses the record. Decryption failure
// and parse failure are distinct error kinds so the caller can tell "wrong
// key" from "garbage".
func Decode(key, sealed []byte) (*Frame, error) {
	plain, err := cryptobox.Open(key, sealed)
	if err != nil {
		if errors.Is(err, cryptobox.ErrAuthentication) {
			return nil, ErrDecrypt
		}
		return nil, fmt.Errorf("wire: open: %w", err)
	}
	return parse(string(plain))
}

func parse(record string) (*Frame, error) {
	parts := strings.Split(record, delimiter)
	if len(parts) < 7 {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformedFrame, len(parts))
	}
	typ := Type(parts[0])
	if !knownTypes[typ] {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, parts[0])
	}
	f := &Frame{
		Type:           typ,
		ConversationID: parts[1],
		Target:         parts[2],
		SenderName:     parts[3],
		SenderDeviceID: parts[4],
		MessageID:      parts[5],
		Payload:        parts[6],
		MaxHop:         DefaultMaxHop,
	}
	if len(parts) >= 9 {
		if hop, err := strconv.Atoi(parts[7]); err == nil {
			f.Hop = hop
		}
		if maxHop, err := strconv.Atoi(parts[8]); err == nil {
			f.MaxHop = maxHop
		}
	}
	return f, nil
}
