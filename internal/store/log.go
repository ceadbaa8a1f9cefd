// Package store is the durable, append-mostly message log for one
// conversation. Each line of the log file is one JSON-encoded message.
// Appends are idempotent on (message id, sender); status changes rewrite
// the log in place. Logs are small (bounded by conversation scale), so a
// whole-log rewrite beats a compacting log in complexity; revisit if logs
// ever grow past that assumption.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrNotFound is returned by status updates referencing an unknown message id.
var ErrNotFound = errors.New("store: message not found")

// AppendResult reports what AppendIfNew did.
type AppendResult int

const (
	// Stored means the message was new and appended to the log.
	Stored AppendResult = iota
	// DuplicateIgnored means an identical (id, sender) entry already exists.
	DuplicateIgnored
)

// Store is the message log of a single conversation. All mutations are
// serialized on one mutex; the transport callback goroutine and the sync
// engine share it safely.
type Store struct {
	path       string
	scanWindow int
	logger     *zap.Logger

	mu    sync.Mutex
	dedup *dedupIndex
}

// Open creates a store over the given log file, rebuilding the dedup index
// from whatever is on disk. A missing file is an empty conversation, not an
// error. scanWindow bounds the reverse scan of UpdateStatus (0 = whole log).
func Open(path string, scanWindow int, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:       path,
		scanWindow: scanWindow,
		logger:     logger,
		dedup:      newDedupIndex(),
	}
	entries, err := s.readEntries()
	if err != nil {
		return nil, err
	}
	s.dedup.rebuild(entries)
	return s, nil
}

// Path returns the log file path.
func (s *Store) Path() string { return s.path }

// AppendIfNew appends a message unless an entry with the same
// (message id, sender) already exists. The dedup index answers the common
// case; a cache miss falls back to a disk scan so a rebuilt process never
// double-stores.
func (s *Store) AppendIfNew(m *Message) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dedup.has(m.MessageID, m.Sender) {
		return DuplicateIgnored, nil
	}

	entries, err := s.readEntries()
	if err != nil {
		return DuplicateIgnored, err
	}
	for _, e := range entries {
		if e.MessageID == m.MessageID && e.Sender == m.Sender {
			s.dedup.add(m.MessageID, m.Sender)
			return DuplicateIgnored, nil
		}
	}

	line, err := json.Marshal(m)
	if err != nil {
		return DuplicateIgnored, fmt.Errorf("encode message: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return DuplicateIgnored, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return DuplicateIgnored, fmt.Errorf("open log: %w", err)
	}
	_, writeErr := f.Write(append(line, '\n'))
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return DuplicateIgnored, fmt.Errorf("append log: %w", writeErr)
	}

	s.dedup.add(m.MessageID, m.Sender)
	return Stored, nil
}

// UpdateStatus advances the status of the newest entry matching id.
// With monotonic set, a lower- or equal-ranked status is a silent no-op;
// without it, the stored status is overwritten unconditionally. Returns
// ErrNotFound if no entry matches within the scan window.
func (s *Store) UpdateStatus(id string, status Status, monotonic bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readEntries()
	if err != nil {
		return err
	}

	// The log is append-mostly, so the newest occurrence is found first
	// when walking backward.
	idx := -1
	scanned := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if s.scanWindow > 0 && scanned >= s.scanWindow {
			break
		}
		scanned++
		if entries[i].MessageID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	current := entries[idx].Status
	if current == status {
		return nil
	}
	if monotonic && status.Rank() <= current.Rank() {
		return nil
	}

	entries[idx].Status = status
	return s.rewrite(entries)
}

// BatchUpdateStatus advances every entry whose id is in ids to status in a
// single rewrite. Updates are always monotonic. Returns how many entries
// changed.
func (s *Store) BatchUpdateStatus(ids []string, status Status) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readEntries()
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range entries {
		if _, ok := want[entries[i].MessageID]; !ok {
			continue
		}
		if status.Rank() <= entries[i].Status.Rank() {
			continue
		}
		entries[i].Status = status
		changed++
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.rewrite(entries); err != nil {
		return 0, err
	}
	return changed, nil
}

// LoadAll returns every stored message ordered by creation time ascending.
// Phased sync interleaves old and new writes, so file order alone is not
// chronological.
func (s *Store) LoadAll() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readEntries()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt < entries[j].CreatedAt
	})
	return entries, nil
}

// Has reports whether an entry with this (id, sender) pair is stored.
func (s *Store) Has(messageID, sender string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.has(messageID, sender)
}

// Clear deletes the log file. Conversation metadata is not touched.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear log: %w", err)
	}
	s.dedup = newDedupIndex()
	return nil
}

// readEntries parses the log file in order. A corrupt line is logged and
// skipped; it never aborts the read. Caller holds s.mu (or is Open).
func (s *Store) readEntries() ([]Message, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil || m.MessageID == "" {
			if s.logger != nil {
				s.logger.Warn("skipping corrupt log line",
					zap.String("path", s.path),
					zap.Int("line", lineNo))
			}
			continue
		}
		entries = append(entries, m)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read log: %w", err)
	}
	return entries, nil
}

// rewrite replaces the log with the given entries via temp file + rename,
// then rebuilds the dedup index. Caller holds s.mu.
func (s *Store) rewrite(entries []Message) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".rewrite-*")
	if err != nil {
		return fmt.Errorf("rewrite log: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("encode message: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("rewrite log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rewrite log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rewrite log: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rewrite log: %w", err)
	}
	s.dedup.rebuild(entries)
	return nil
}
