package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hearthchat/hearth/internal/cryptobox"
)

// SyncRequest asks any online peer for history newer than Since. Phase
// selects a page of that history, newest first; the responder stays
// stateless because every request names its page.
type SyncRequest struct {
	RequesterID   string `json:"requesterId"`
	RequesterName string `json:"requesterName"`
	Since         int64  `json:"since"`
	Phase         int    `json:"phase,omitempty"`
}

// SyncMessage is one historical message inside a sync phase.
type SyncMessage struct {
	Sender         string `json:"sender"`
	SenderDeviceID string `json:"senderDeviceId"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	MessageID      string `json:"messageId"`
}

// SyncResponse is one phase of a historical catch-up. Phase 1 carries the
// newest messages; MorePhases tells the requester whether to come back for
// an older page.
type SyncResponse struct {
	Phase      int           `json:"phase"`
	Batch      int           `json:"batch"`
	Total      int           `json:"total"`
	MorePhases bool          `json:"morePhases"`
	Messages   []SyncMessage `json:"messages"`
}

// EncodeSyncRequest seals a sync request under the conversation key.
func EncodeSyncRequest(key []byte, req *SyncRequest) ([]byte, error) {
	return sealJSON(key, req)
}

// DecodeSyncRequest opens and parses a sync request.
func DecodeSyncRequest(key, sealed []byte) (*SyncRequest, error) {
	var req SyncRequest
	if err := openJSON(key, sealed, &req); err != nil {
		return nil, err
	}
	if req.RequesterID == "" {
		return nil, fmt.Errorf("%w: sync request without requester", ErrMalformedFrame)
	}
	return &req, nil
}

// EncodeSyncResponse seals one sync phase under the conversation key.
func EncodeSyncResponse(key []byte, resp *SyncResponse) ([]byte, error) {
	return sealJSON(key, resp)
}

// DecodeSyncResponse opens and parses a sync phase.
func DecodeSyncResponse(key, sealed []byte) (*SyncResponse, error) {
	var resp SyncResponse
	if err := openJSON(key, sealed, &resp); err != nil {
		return nil, err
	}
	if resp.Phase < 1 {
		return nil, fmt.Errorf("%w: sync phase %d", ErrMalformedFrame, resp.Phase)
	}
	return &resp, nil
}

func sealJSON(key []byte, v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	sealed, err := cryptobox.Seal(key, plain)
	if err != nil {
		return nil, fmt.Errorf("wire: seal: %w", err)
	}
	return sealed, nil
}

func openJSON(key, sealed []byte, v any) error {
	plain, err := cryptobox.Open(key, sealed)
	if err != nil {
		if errors.Is(err, cryptobox.ErrAuthentication) {
			return ErrDecrypt
		}
		return fmt.Errorf("wire: open: %w", err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
