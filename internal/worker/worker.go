// Package worker processes every conversation in one shard of the dataset,
// checkpointing each indexed turn so a restarted run never repeats committed
// work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kh4n9373/amem-benchmark/internal/checkpoint"
	"github.com/kh4n9373/amem-benchmark/internal/config"
	"github.com/kh4n9373/amem-benchmark/internal/dataset"
	"github.com/kh4n9373/amem-benchmark/internal/logging"
	"github.com/kh4n9373/amem-benchmark/internal/memory"
	"github.com/kh4n9373/amem-benchmark/internal/metadata"
	"github.com/kh4n9373/amem-benchmark/internal/metrics"
	"github.com/kh4n9373/amem-benchmark/internal/shard"
)

// Result aggregates what one worker run accomplished.
type Result struct {
	ConversationsIndexed int
	ConversationsSkipped int
	TurnsIndexed         int
	TurnsSkipped         int
	TurnsSoftFailed      int
	Records              []metadata.EntityRecord
}

// Worker owns one partition of the dataset.
type Worker struct {
	cfg     config.Config
	part    shard.Partition
	indexer memory.Indexer
	log     *slog.Logger
	now     func() time.Time
}

// New validates the shard parameters and builds a worker.
func New(cfg config.Config, indexer memory.Indexer) (*Worker, error) {
	part, err := shard.NewPartition(cfg.Sharding.ShardID, cfg.Sharding.Workers)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:     cfg,
		part:    part,
		indexer: indexer,
		log:     logging.ShardLogger(part.ShardID, part.NumShards),
		now:     time.Now,
	}, nil
}

// Run processes the worker's partition. A non-nil error is fatal: the caller
// must exit the process non-zero without attempting further work, which
// triggers the manager's kill-all response. Soft per-turn failures are
// absorbed into the Result.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	var res Result

	conversations, err := dataset.Load(ctx, w.cfg.DatasetPath)
	if err != nil {
		return res, err
	}
	w.log.Info("dataset loaded", "conversations", len(conversations), "partition", w.part.String())

	if err := os.MkdirAll(w.cfg.OutputDir, 0755); err != nil {
		return res, fmt.Errorf("create output directory: %w", err)
	}

	memCfg := w.memoryConfig()

	for convIdx, conv := range conversations {
		if !w.part.Owns(convIdx) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rec, err := w.processConversation(ctx, conv, convIdx, memCfg, &res)
		if err != nil {
			return res, err
		}
		if rec != nil {
			res.Records = append(res.Records, *rec)
		}
	}

	if err := metadata.WriteShardIndex(w.cfg.OutputDir, w.part.ShardID, res.Records); err != nil {
		return res, err
	}
	if w.cfg.Sharding.ParquetIndex {
		if err := metadata.WriteShardIndexParquet(w.cfg.OutputDir, w.part.ShardID, res.Records); err != nil {
			return res, err
		}
	}

	w.log.Info("shard run complete",
		"conversations_indexed", res.ConversationsIndexed,
		"conversations_skipped", res.ConversationsSkipped,
		"turns_indexed", res.TurnsIndexed,
		"turns_skipped", res.TurnsSkipped,
		"turns_soft_failed", res.TurnsSoftFailed,
	)
	return res, nil
}

// processConversation indexes one conversation, resuming from its checkpoint.
// It returns a metadata record when the conversation produced new state, nil
// when it was skipped, and a non-nil error only for fatal conditions.
func (w *Worker) processConversation(ctx context.Context, conv dataset.Conversation, convIdx int, memCfg memory.Config, res *Result) (*metadata.EntityRecord, error) {
	convID := conv.ID(convIdx)
	log := logging.ConversationLogger(w.part.ShardID, convID)

	turns := dataset.ExtractTurns(conv.Dialogs)
	if len(turns) == 0 {
		log.Warn("no turns extracted, skipping conversation")
		return nil, nil
	}

	convDir := filepath.Join(w.cfg.OutputDir, convID)

	if checkpoint.EntityComplete(convDir) {
		log.Info("skipping conversation (already completed)")
		res.ConversationsSkipped++
		w.observe(func(m *metrics.Metrics) { m.ConversationsSkipped.WithLabelValues(w.shardLabel()).Inc() })
		return nil, nil
	}

	store, err := checkpoint.Open(convDir)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrCorrupt) {
			return nil, err
		}
		// Advisory data only: worst case is duplicate upserts under the
		// same document id.
		log.Warn("checkpoint record corrupt, treating as empty", "error", err)
	}

	if store.Len() > 0 {
		// Restarted workers lose the memory service's in-process cross-turn
		// context, so consolidation decisions for the remaining turns see no
		// history. Known limitation of the resume path.
		log.Info("resuming conversation", "turns_committed", store.Len(), "turns_total", len(turns))
		w.observe(func(m *metrics.Metrics) { m.ConversationsResumed.WithLabelValues(w.shardLabel()).Inc() })
	}

	convStart := w.now()
	indexed := 0

	for turnIdx, turn := range turns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := dataset.Key(turnIdx, turn.Timestamp)
		if store.IsComplete(key) {
			res.TurnsSkipped++
			w.observe(func(m *metrics.Metrics) { m.TurnsSkipped.WithLabelValues(w.shardLabel()).Inc() })
			continue
		}

		turnStart := w.now()
		note := memory.Note{
			ID:        key,
			Content:   turn.Content,
			Timestamp: turn.Timestamp,
			Category:  convID,
			Tags:      []string{"conv_" + convID, "session_" + turn.SessionID},
		}

		if err := w.indexer.AddNote(ctx, convID, note); err != nil {
			if memory.IsFatal(err) {
				log.Error("fatal memory service error", "turn", turnIdx, "error", err)
				return nil, fmt.Errorf("conversation %s turn %d: %w", convID, turnIdx, err)
			}
			log.Warn("turn failed, continuing", "turn", turnIdx, "error", err)
			res.TurnsSoftFailed++
			w.observe(func(m *metrics.Metrics) { m.TurnsSoftFailed.WithLabelValues(w.shardLabel()).Inc() })
			continue
		}

		// The upsert is durable; only now may the turn be checkpointed.
		if err := store.Record(key); err != nil {
			return nil, err
		}
		indexed++
		res.TurnsIndexed++
		w.observe(func(m *metrics.Metrics) {
			m.TurnsIndexed.WithLabelValues(w.shardLabel()).Inc()
			m.TurnIndexDuration.WithLabelValues(w.shardLabel()).Observe(w.now().Sub(turnStart).Seconds())
		})
	}

	rec := metadata.NewEntityRecord(convID, convDir, len(turns), indexed, w.cfg.TopK, memCfg, w.now())
	if err := metadata.WriteEntity(convDir, rec); err != nil {
		return nil, err
	}

	// The completion flag promises every turn key is checkpointed, so soft
	// failures leave the flag unwritten and a re-run retries only those turns.
	if store.Len() == len(turns) {
		if err := store.MarkEntityComplete(w.now()); err != nil {
			return nil, err
		}
		res.ConversationsIndexed++
		w.observe(func(m *metrics.Metrics) {
			m.ConversationsCompleted.WithLabelValues(w.shardLabel()).Inc()
			m.ConversationIndexDuration.WithLabelValues(w.shardLabel()).Observe(w.now().Sub(convStart).Seconds())
		})
		log.Info("conversation indexed", "turns_indexed", indexed, "turns_total", len(turns))
	} else {
		log.Warn("conversation incomplete, completion flag withheld",
			"turns_committed", store.Len(), "turns_total", len(turns))
	}

	return &rec, nil
}

func (w *Worker) memoryConfig() memory.Config {
	return memory.Config{
		BaseURL:         w.cfg.Memory.BaseURL,
		APIKey:          w.cfg.Memory.APIKey,
		EmbeddingModel:  w.cfg.Memory.EmbeddingModel,
		LLMBackend:      w.cfg.Memory.LLMBackend,
		LLMModel:        w.cfg.Memory.LLMModel,
		EvoThreshold:    w.cfg.Memory.EvoThreshold,
		DisableThinking: w.cfg.Memory.DisableThinking,
	}
}

func (w *Worker) shardLabel() string {
	return strconv.Itoa(w.part.ShardID)
}

func (w *Worker) observe(fn func(*metrics.Metrics)) {
	if m := metrics.Get(); m != nil {
		fn(m)
	}
}
