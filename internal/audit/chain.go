package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoChainHead indicates no previous event exists for a chain.
var ErrNoChainHead = errors.New("no chain head found")

// ComputeEventHash computes the SHA256 hash of an event over its canonical
// JSON representation, excluding the event_hash field itself.
func ComputeEventHash(evt *Event) string {
	evtCopy := *evt
	evtCopy.Chain.EventHash = ""

	canonical, err := json.Marshal(evtCopy)
	if err != nil {
		// Cannot happen with well-formed events.
		return ""
	}

	hash := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(hash[:])
}

type chainHead struct {
	EventHash string `json:"event_hash"`
}

// ChainTracker persists the last event hash per chain, one file per chain,
// so chains survive restarts. Each chain key is written by exactly one
// process (the manager owns the run chain, each worker its shard chain),
// mirroring the per-shard file ownership used everywhere else; a shared
// heads file would let concurrent workers overwrite each other.
type ChainTracker struct {
	mu  sync.Mutex
	dir string
}

// NewChainTracker creates a chain tracker persisting to dir.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &ChainTracker{dir: dir}, nil
}

// Head returns the last event hash for a chain.
func (ct *ChainTracker) Head(chainKey string) (string, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	data, err := os.ReadFile(ct.headPath(chainKey))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoChainHead
		}
		return "", fmt.Errorf("read chain head %s: %w", chainKey, err)
	}

	var head chainHead
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("parse chain head %s: %w", chainKey, err)
	}
	if head.EventHash == "" {
		return "", ErrNoChainHead
	}
	return head.EventHash, nil
}

// SetHead records the hash of the latest event on a chain.
func (ct *ChainTracker) SetHead(chainKey, eventHash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	data, err := json.MarshalIndent(chainHead{EventHash: eventHash}, "", "  ")
	if err != nil {
		return err
	}

	path := ct.headPath(chainKey)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (ct *ChainTracker) headPath(chainKey string) string {
	return filepath.Join(ct.dir, "chain-head-"+chainKey+".json")
}
