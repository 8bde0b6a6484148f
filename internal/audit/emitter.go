package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const eventVersion = "1.0"

// Emitter records audit events. Emit fills in the event id, timestamp,
// version and chain fields.
type Emitter interface {
	Emit(evt *Event) error
	Close() error
}

// NewEmitter returns a file-backed emitter writing into dir, or a no-op
// emitter when dir is empty.
func NewEmitter(dir string, producer ProducerInfo) (Emitter, error) {
	if dir == "" {
		return &noopEmitter{}, nil
	}

	chain, err := NewChainTracker(dir)
	if err != nil {
		return nil, err
	}
	return &FileEmitter{dir: dir, chain: chain, producer: producer}, nil
}

// FileEmitter writes one JSON file per event and maintains the hash chains.
type FileEmitter struct {
	dir      string
	chain    *ChainTracker
	producer ProducerInfo
}

// Emit finalizes and writes the event.
func (f *FileEmitter) Emit(evt *Event) error {
	evt.Version = eventVersion
	evt.EventID = "evt_" + uuid.NewString()
	evt.Timestamp = time.Now().UTC()
	evt.Producer = f.producer

	prev, err := f.chain.Head(evt.ChainKey())
	if err != nil && err != ErrNoChainHead {
		return fmt.Errorf("chain head for %s: %w", evt.ChainKey(), err)
	}
	evt.Chain.PrevEventHash = prev
	evt.Chain.EventHash = ComputeEventHash(evt)

	name := fmt.Sprintf("%s_%s_%d.json", evt.EventType, evt.ChainKey(), evt.Timestamp.UnixNano())
	path := filepath.Join(f.dir, name)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.EventID, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write event %s: %w", path, err)
	}

	return f.chain.SetHead(evt.ChainKey(), evt.Chain.EventHash)
}

func (f *FileEmitter) Close() error { return nil }

// noopEmitter discards all events.
type noopEmitter struct{}

func (n *noopEmitter) Emit(*Event) error { return nil }
func (n *noopEmitter) Close() error      { return nil }
