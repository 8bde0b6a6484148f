// Package checkpoint persists per-conversation indexing progress so a worker
// restarted with identical arguments skips already-committed turns.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	processedFile = "processed_turns.json"
	completedFlag = "completed.flag"
)

// ErrCorrupt is returned by Load when the persisted key set cannot be parsed.
// Callers treat a corrupt record as empty: the checkpoint is advisory, the
// memory store's upserts are idempotent under the same document id.
var ErrCorrupt = errors.New("corrupt checkpoint record")

// Store tracks completed turn keys for a single conversation directory.
// It is owned by exactly one worker: the conversation's partition owner.
type Store struct {
	dir  string
	keys map[string]struct{}
}

// Open creates the conversation directory if needed and loads any prior
// record. A corrupt record is reported via ErrCorrupt together with a usable
// empty Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversation directory %s: %w", dir, err)
	}

	s := &Store{dir: dir, keys: make(map[string]struct{})}

	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read checkpoint record: %w", err)
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s, nil
}

// Len returns the number of committed turn keys.
func (s *Store) Len() int {
	return len(s.keys)
}

// IsComplete reports whether a turn key has already been committed.
func (s *Store) IsComplete(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// Record appends a turn key and durably persists the full updated set before
// returning. Call it only after the turn's external side effects are durable:
// the invariant is "checkpointed implies externally persisted", never the
// reverse.
func (s *Store) Record(key string) error {
	s.keys[key] = struct{}{}

	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("marshal checkpoint record: %w", err)
	}

	// Write atomically: tmp then rename.
	path := s.path()
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// MarkEntityComplete writes the completion flag. Its presence lets a restarted
// worker skip the conversation entirely; the content is informational.
func (s *Store) MarkEntityComplete(now time.Time) error {
	flag := filepath.Join(s.dir, completedFlag)
	if err := os.WriteFile(flag, []byte(now.UTC().Format(time.RFC3339)), 0644); err != nil {
		return fmt.Errorf("write completion flag: %w", err)
	}
	return nil
}

// IsEntityComplete reports whether the completion flag exists.
func (s *Store) IsEntityComplete() bool {
	_, err := os.Stat(filepath.Join(s.dir, completedFlag))
	return err == nil
}

// EntityComplete checks a conversation directory for the completion flag
// without opening a Store. Used for the cheap skip before any state is built.
func EntityComplete(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, completedFlag))
	return err == nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, processedFile)
}
