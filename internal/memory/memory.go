// Package memory defines the contract the indexing core consumes from the
// external agentic-memory service. Embedding, keyword extraction, linking and
// consolidation all happen behind this interface.
package memory

import "context"

// Note is one memory unit submitted for indexing. ID is the stable document
// id; the service must treat repeated submissions of the same ID as upserts
// so checkpoint replays never duplicate data.
type Note struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Timestamp string   `json:"timestamp"`
	Category  string   `json:"category"`
	Tags      []string `json:"tags,omitempty"`
}

// Indexer adds notes to a named collection of the memory store.
type Indexer interface {
	// AddNote indexes a note into the collection, upserting on note.ID.
	AddNote(ctx context.Context, collection string, note Note) error

	// Close releases client resources.
	Close() error
}

// Config carries the memory-service connection and model parameters. The
// worker records it in per-entity metadata so the retrieval stage can
// reconnect without re-indexing.
type Config struct {
	BaseURL         string `json:"base_url"`
	APIKey          string `json:"api_key"`
	EmbeddingModel  string `json:"model_name"`
	LLMBackend      string `json:"llm_backend"`
	LLMModel        string `json:"llm_model"`
	EvoThreshold    int    `json:"evo_threshold"`
	DisableThinking bool   `json:"disable_thinking,omitempty"`
}
