// Package registry manages the bounded set of conversation slots a profile
// holds: identity, key material, membership metadata, and the active
// conversation selection. Each slot is one JSON file; a slot that fails to
// parse is treated as absent so one corrupt file never breaks enumeration
// of the rest.
package registry

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearthchat/hearth/internal/cryptobox"
)

// Kind distinguishes group chats from one-to-one chats.
type Kind int

const (
	KindGroup Kind = iota
	KindDirect
)

// Conversation is the identity and crypto context of one chat. The ID is
// immutable once assigned; the Key never leaves the process except inside
// the invite payload, and must never be logged or displayed.
type Conversation struct {
	ID            string
	DisplayName   string
	Key           []byte
	Kind          Kind
	Owner         bool
	LocalUsername string
	CreatedAt     int64
}

// slotRecord is the on-disk JSON shape of a slot file.
type slotRecord struct {
	ConversationID string `json:"conversationId"`
	DisplayName    string `json:"displayName"`
	Key            string `json:"key"`
	Kind           int    `json:"type"`
	Owner          bool   `json:"owner"`
	LocalUsername  string `json:"localUsername"`
	CreatedAt      int64  `json:"createdAt"`
}

var (
	// ErrSlotsFull is returned when every slot is occupied.
	ErrSlotsFull = errors.New("registry: all conversation slots in use")
	// ErrNoSuchConversation is returned for lookups that match no valid slot.
	ErrNoSuchConversation = errors.New("registry: no such conversation")
)

// Entry pairs a slot number with its conversation.
type Entry struct {
	Slot         int
	Conversation *Conversation
}

// Registry holds up to slots conversations as files under convDir and their
// message logs under msgDir.
type Registry struct {
	convDir string
	msgDir  string
	slots   int
	logger  *zap.Logger

	mu     sync.Mutex
	active string // conversation id of the outbound target, "" = none
}

// New creates a registry over the given directories.
func New(convDir, msgDir string, slots int, logger *zap.Logger) *Registry {
	return &Registry{
		convDir: convDir,
		msgDir:  msgDir,
		slots:   slots,
		logger:  logger,
	}
}

// Slots returns the slot capacity.
func (r *Registry) Slots() int { return r.slots }

// MessageLogPath returns the message log path for a conversation id.
func (r *Registry) MessageLogPath(conversationID string) string {
	return filepath.Join(r.msgDir, conversationID+".log")
}

func (r *Registry) slotPath(n int) string {
	return filepath.Join(r.convDir, fmt.Sprintf("slot%d.json", n))
}

// Create generates a fresh conversation (random 128-bit id, random 256-bit
// key) and persists it into the first free slot.
func (r *Registry) Create(name string, kind Kind, localUsername string) (*Conversation, error) {
	key, err := cryptobox.NewKey()
	if err != nil {
		return nil, err
	}
	conv := &Conversation{
		ID:            uuid.NewString(),
		DisplayName:   name,
		Key:           key,
		Kind:          kind,
		Owner:         true,
		LocalUsername: localUsername,
		CreatedAt:     time.Now().Unix(),
	}
	if _, err := r.Add(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Add persists an existing conversation (e.g. one learned from an invite)
// into the first free slot and returns the slot number.
func (r *Registry) Add(conv *Conversation) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for n := 0; n < r.slots; n++ {
		if _, err := r.load(n); err == nil {
			continue
		}
		if err := r.save(n, conv); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, ErrSlotsFull
}

// Load reads the conversation in slot n. An invalid or missing slot file
// yields ErrNoSuchConversation.
func (r *Registry) Load(n int) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(n)
}

// Save writes conv into slot n unconditionally.
func (r *Registry) Save(n int, conv *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(n, conv)
}

// FindByID returns the slot holding the conversation with the given id.
func (r *Registry) FindByID(conversationID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for n := 0; n < r.slots; n++ {
		conv, err := r.load(n)
		if err != nil {
			continue
		}
		if conv.ID == conversationID {
			return Entry{Slot: n, Conversation: conv}, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNoSuchConversation, conversationID)
}

// List returns every valid slot in order. Corrupt or missing slot files are
// skipped, never fatal.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for n := 0; n < r.slots; n++ {
		conv, err := r.load(n)
		if err != nil {
			continue
		}
		out = append(out, Entry{Slot: n, Conversation: conv})
	}
	return out
}

// Delete removes slot n and purges its message log.
func (r *Registry) Delete(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.load(n)
	if err != nil {
		return err
	}
	if err := os.Remove(r.slotPath(n)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete slot %d: %w", n, err)
	}
	if err := os.Remove(r.MessageLogPath(conv.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("purge messages for slot %d: %w", n, err)
	}
	if r.active == conv.ID {
		r.active = ""
	}
	return nil
}

// SetActive selects which conversation outbound sends target. All
// conversations stay subscribed to inbound traffic regardless.
func (r *Registry) SetActive(conversationID string) error {
	if _, err := r.FindByID(conversationID); err != nil {
		return err
	}
	r.mu.Lock()
	r.active = conversationID
	r.mu.Unlock()
	return nil
}

// Active returns the currently selected conversation, if any.
func (r *Registry) Active() (*Conversation, bool) {
	r.mu.Lock()
	id := r.active
	r.mu.Unlock()
	if id == "" {
		return nil, false
	}
	entry, err := r.FindByID(id)
	if err != nil {
		return nil, false
	}
	return entry.Conversation, true
}

func (r *Registry) load(n int) (*Conversation, error) {
	data, err := os.ReadFile(r.slotPath(n))
	if err != nil {
		return nil, fmt.Errorf("%w: slot %d", ErrNoSuchConversation, n)
	}
	var rec slotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		if r.logger != nil {
			r.logger.Warn("ignoring unparseable slot file", zap.Int("slot", n))
		}
		return nil, fmt.Errorf("%w: slot %d", ErrNoSuchConversation, n)
	}
	// A slot is valid only with both an id and a display name.
	if rec.ConversationID == "" || rec.DisplayName == "" {
		return nil, fmt.Errorf("%w: slot %d", ErrNoSuchConversation, n)
	}
	key, err := base64.StdEncoding.DecodeString(rec.Key)
	if err != nil || len(key) != cryptobox.KeySize {
		if r.logger != nil {
			r.logger.Warn("ignoring slot with bad key material", zap.Int("slot", n))
		}
		return nil, fmt.Errorf("%w: slot %d", ErrNoSuchConversation, n)
	}
	return &Conversation{
		ID:            rec.ConversationID,
		DisplayName:   rec.DisplayName,
		Key:           key,
		Kind:          Kind(rec.Kind),
		Owner:         rec.Owner,
		LocalUsername: rec.LocalUsername,
		CreatedAt:     rec.CreatedAt,
	}, nil
}

func (r *Registry) save(n int, conv *Conversation) error {
	if err := os.MkdirAll(r.convDir, 0700); err != nil {
		return fmt.Errorf("create conversations dir: %w", err)
	}
	rec := slotRecord{
		ConversationID: conv.ID,
		DisplayName:    conv.DisplayName,
		Key:            base64.StdEncoding.EncodeToString(conv.Key),
		Kind:           int(conv.Kind),
		Owner:          conv.Owner,
		LocalUsername:  conv.LocalUsername,
		CreatedAt:      conv.CreatedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode slot %d: %w", n, err)
	}
	if err := os.WriteFile(r.slotPath(n), data, 0600); err != nil {
		return fmt.Errorf("write slot %d: %w", n, err)
	}
	return nil
}
