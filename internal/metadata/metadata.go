// Package metadata records what each worker indexed: one record per
// conversation, plus a per-shard aggregate consumed by the retrieval and
// evaluation stages.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kh4n9373/amem-benchmark/internal/memory"
)

// EntityRecord describes one fully indexed conversation. The retrieval stage
// reads it to reconstruct the memory store's connection parameters without
// re-running indexing.
type EntityRecord struct {
	ConvID           string    `json:"conv_id"           parquet:"conv_id"`
	NumTurns         int       `json:"num_turns"         parquet:"num_turns"`
	NumIndexed       int       `json:"num_indexed"       parquet:"num_indexed"`
	PersistDirectory string    `json:"persist_directory" parquet:"persist_directory"`
	EmbeddingModel   string    `json:"model_name"        parquet:"model_name"`
	LLMBackend       string    `json:"llm_backend"       parquet:"llm_backend"`
	LLMModel         string    `json:"llm_model"         parquet:"llm_model"`
	EvoThreshold     int       `json:"evo_threshold"     parquet:"evo_threshold"`
	TopK             int       `json:"top_k"             parquet:"top_k"`
	BaseURL          string    `json:"base_url"          parquet:"base_url"`
	IndexedAt        time.Time `json:"indexed_at"        parquet:"indexed_at,timestamp(millisecond)"`
}

// NewEntityRecord builds a record from the memory configuration used for the
// conversation and the top-k retrieval size the downstream stage should use.
// The API key is deliberately not persisted.
func NewEntityRecord(convID, persistDir string, numTurns, numIndexed, topK int, cfg memory.Config, indexedAt time.Time) EntityRecord {
	return EntityRecord{
		ConvID:           convID,
		NumTurns:         numTurns,
		NumIndexed:       numIndexed,
		PersistDirectory: persistDir,
		EmbeddingModel:   cfg.EmbeddingModel,
		LLMBackend:       cfg.LLMBackend,
		LLMModel:         cfg.LLMModel,
		EvoThreshold:     cfg.EvoThreshold,
		TopK:             topK,
		BaseURL:          cfg.BaseURL,
		IndexedAt:        indexedAt.UTC(),
	}
}

// EntityFile is the per-conversation metadata filename.
const EntityFile = "memory_metadata.json"

// WriteEntity writes the record into the conversation directory.
func WriteEntity(dir string, rec EntityRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entity metadata: %w", err)
	}
	path := filepath.Join(dir, EntityFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write entity metadata %s: %w", path, err)
	}
	return nil
}

// ReadEntity loads a conversation's metadata record.
func ReadEntity(dir string) (EntityRecord, error) {
	path := filepath.Join(dir, EntityFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return EntityRecord{}, fmt.Errorf("read entity metadata %s: %w", path, err)
	}
	var rec EntityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return EntityRecord{}, fmt.Errorf("parse entity metadata %s: %w", path, err)
	}
	return rec, nil
}

// ShardIndexPath returns the aggregate metadata path for one shard.
func ShardIndexPath(outputDir string, shardID int) string {
	return filepath.Join(outputDir, fmt.Sprintf("index_metadata_%d.json", shardID))
}

// WriteShardIndex writes the aggregate list of entity records for one worker
// run. Records may be empty when every conversation in the shard was already
// complete.
func WriteShardIndex(outputDir string, shardID int, records []EntityRecord) error {
	if records == nil {
		records = []EntityRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal shard index: %w", err)
	}
	path := ShardIndexPath(outputDir, shardID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write shard index %s: %w", path, err)
	}
	return nil
}
