package metadata

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// WriteShardIndexParquet exports the shard's entity records as a parquet
// table next to the canonical JSON, for analytics over large runs.
func WriteShardIndexParquet(outputDir string, shardID int, records []EntityRecord) error {
	path := filepath.Join(outputDir, fmt.Sprintf("index_metadata_%d.parquet", shardID))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shard parquet %s: %w", path, err)
	}

	w := parquet.NewGenericWriter[EntityRecord](f)
	if len(records) > 0 {
		if _, err := w.Write(records); err != nil {
			f.Close()
			return fmt.Errorf("write shard parquet rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close shard parquet writer: %w", err)
	}
	return f.Close()
}
