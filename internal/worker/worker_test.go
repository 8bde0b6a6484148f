package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kh4n9373/amem-benchmark/internal/checkpoint"
	"github.com/kh4n9373/amem-benchmark/internal/config"
	"github.com/kh4n9373/amem-benchmark/internal/memory"
	"github.com/kh4n9373/amem-benchmark/internal/metadata"
)

// fakeIndexer records every note it accepts and fails where told to.
type fakeIndexer struct {
	added   []string // "collection/id" in arrival order
	failOn  map[string]error
	failAll error
}

func (f *fakeIndexer) AddNote(_ context.Context, collection string, note memory.Note) error {
	key := collection + "/" + note.ID
	if f.failAll != nil {
		return f.failAll
	}
	if err, ok := f.failOn[key]; ok {
		return err
	}
	f.added = append(f.added, key)
	return nil
}

func (f *fakeIndexer) Close() error { return nil }

// writeDataset builds a dataset of conversations, each with its turn count
// mapped from the conversation id.
func writeDataset(t *testing.T, dir string, turnCounts map[string]int, order []string) string {
	t.Helper()

	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type session struct {
		SessionID string `json:"session_id"`
		DateTime  string `json:"datetime"`
		Messages  []msg  `json:"messages"`
	}
	type conv struct {
		ConvID  string    `json:"conv_id"`
		Dialogs []session `json:"dialogs"`
	}

	var conversations []conv
	for _, id := range order {
		var messages []msg
		for i := 0; i < turnCounts[id]; i++ {
			messages = append(messages,
				msg{Role: "user", Content: fmt.Sprintf("question %d", i)},
				msg{Role: "assistant", Content: fmt.Sprintf("answer %d", i)},
			)
		}
		conversations = append(conversations, conv{
			ConvID: id,
			Dialogs: []session{
				{SessionID: "s1", DateTime: "2023-05-01 10:00", Messages: messages},
			},
		})
	}

	data, err := json.Marshal(conversations)
	require.NoError(t, err)
	path := filepath.Join(dir, "dataset.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func workerConfig(datasetPath, outputDir string, shardID, workers int) config.Config {
	cfg := config.Default()
	cfg.DatasetPath = datasetPath
	cfg.OutputDir = outputDir
	cfg.Sharding.Workers = workers
	cfg.Sharding.ShardID = shardID
	cfg.Memory.BaseURL = "http://memsvc:8321"
	return cfg
}

func TestRun_IndexesOwnShardOnly(t *testing.T) {
	dir := t.TempDir()
	order := []string{"conv_0", "conv_1", "conv_2", "conv_3"}
	ds := writeDataset(t, dir, map[string]int{"conv_0": 1, "conv_1": 1, "conv_2": 1, "conv_3": 1}, order)

	out := filepath.Join(dir, "out")
	idx := &fakeIndexer{}
	w, err := New(workerConfig(ds, out, 1, 2), idx)
	require.NoError(t, err)

	res, err := w.Run(context.Background())
	require.NoError(t, err)

	// Shard 1 of 2 owns the odd indices.
	assert.Equal(t, []string{"conv_1/0_2023-05-01 10:00", "conv_3/0_2023-05-01 10:00"}, idx.added)
	assert.Equal(t, 2, res.ConversationsIndexed)
	assert.Equal(t, 2, res.TurnsIndexed)

	assert.True(t, checkpoint.EntityComplete(filepath.Join(out, "conv_1")))
	assert.True(t, checkpoint.EntityComplete(filepath.Join(out, "conv_3")))
	assert.NoDirExists(t, filepath.Join(out, "conv_0"))
	assert.NoDirExists(t, filepath.Join(out, "conv_2"))
}

func TestRun_TwoShardsCoverDatasetWithoutOverlap(t *testing.T) {
	dir := t.TempDir()
	var order []string
	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("conv_%d", i)
		order = append(order, id)
		counts[id] = 1
	}
	ds := writeDataset(t, dir, counts, order)
	out := filepath.Join(dir, "out")

	seen := map[string]int{}
	for shardID := 0; shardID < 2; shardID++ {
		idx := &fakeIndexer{}
		w, err := New(workerConfig(ds, out, shardID, 2), idx)
		require.NoError(t, err)
		_, err = w.Run(context.Background())
		require.NoError(t, err)
		for _, k := range idx.added {
			seen[k]++
		}
	}

	require.Len(t, seen, 10, "union of shards must cover every conversation")
	for k, n := range seen {
		assert.Equal(t, 1, n, "conversation %s indexed more than once", k)
	}
}

func TestRun_ResumeSkipsCommittedTurns(t *testing.T) {
	dir := t.TempDir()
	ds := writeDataset(t, dir, map[string]int{"conv_a": 5}, []string{"conv_a"})
	out := filepath.Join(dir, "out")

	// First run dies fatally on the fourth turn: three checkpoints committed.
	failing := &fakeIndexer{failOn: map[string]error{
		"conv_a/3_2023-05-01 10:00": &memory.ServiceError{StatusCode: 500, Message: "backend down"},
	}}
	w, err := New(workerConfig(ds, out, 0, 1), failing)
	require.NoError(t, err)

	_, err = w.Run(context.Background())
	require.Error(t, err)
	assert.Len(t, failing.added, 3)
	assert.False(t, checkpoint.EntityComplete(filepath.Join(out, "conv_a")),
		"fatal exit must not leave a completion flag")

	// Restart with identical arguments: only the remaining two turns run.
	healthy := &fakeIndexer{}
	w2, err := New(workerConfig(ds, out, 0, 1), healthy)
	require.NoError(t, err)

	res, err := w2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"conv_a/3_2023-05-01 10:00",
		"conv_a/4_2023-05-01 10:00",
	}, healthy.added)
	assert.Equal(t, 3, res.TurnsSkipped)
	assert.Equal(t, 2, res.TurnsIndexed)
	assert.True(t, checkpoint.EntityComplete(filepath.Join(out, "conv_a")))
}

func TestRun_CompletedConversationSkippedEntirely(t *testing.T) {
	dir := t.TempDir()
	ds := writeDataset(t, dir, map[string]int{"conv_a": 2}, []string{"conv_a"})
	out := filepath.Join(dir, "out")

	first := &fakeIndexer{}
	w, err := New(workerConfig(ds, out, 0, 1), first)
	require.NoError(t, err)
	_, err = w.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, first.added, 2)

	second := &fakeIndexer{}
	w2, err := New(workerConfig(ds, out, 0, 1), second)
	require.NoError(t, err)
	res, err := w2.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, second.added, "completed conversation must not touch the indexer")
	assert.Equal(t, 1, res.ConversationsSkipped)
}

func TestRun_SoftFailureContinuesWithoutFlag(t *testing.T) {
	dir := t.TempDir()
	ds := writeDataset(t, dir, map[string]int{"conv_a": 3}, []string{"conv_a"})
	out := filepath.Join(dir, "out")

	idx := &fakeIndexer{failOn: map[string]error{
		"conv_a/1_2023-05-01 10:00": errors.New("turn content rejected"),
	}}
	w, err := New(workerConfig(ds, out, 0, 1), idx)
	require.NoError(t, err)

	res, err := w.Run(context.Background())
	require.NoError(t, err, "soft failures must not abort the run")
	assert.Equal(t, 2, res.TurnsIndexed)
	assert.Equal(t, 1, res.TurnsSoftFailed)
	assert.False(t, checkpoint.EntityComplete(filepath.Join(out, "conv_a")),
		"incomplete checkpoint set must withhold the completion flag")

	// The metadata record is still written for observability.
	rec, err := metadata.ReadEntity(filepath.Join(out, "conv_a"))
	require.NoError(t, err)
	assert.Equal(t, 3, rec.NumTurns)
	assert.Equal(t, 2, rec.NumIndexed)

	// A re-run retries only the soft-failed turn.
	retry := &fakeIndexer{}
	w2, err := New(workerConfig(ds, out, 0, 1), retry)
	require.NoError(t, err)
	res2, err := w2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"conv_a/1_2023-05-01 10:00"}, retry.added)
	assert.Equal(t, 1, res2.TurnsIndexed)
	assert.True(t, checkpoint.EntityComplete(filepath.Join(out, "conv_a")))
}

func TestRun_FatalErrorStopsImmediately(t *testing.T) {
	dir := t.TempDir()
	ds := writeDataset(t, dir, map[string]int{"conv_a": 2, "conv_b": 2}, []string{"conv_a", "conv_b"})
	out := filepath.Join(dir, "out")

	idx := &fakeIndexer{failAll: fmt.Errorf("dial tcp: %w", errors.New("connection refused"))}
	w, err := New(workerConfig(ds, out, 0, 1), idx)
	require.NoError(t, err)

	_, err = w.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, idx.added)
	assert.False(t, checkpoint.EntityComplete(filepath.Join(out, "conv_a")))
	assert.NoFileExists(t, metadata.ShardIndexPath(out, 0),
		"fatal exit must not write the shard index")
}

func TestRun_WritesShardIndex(t *testing.T) {
	dir := t.TempDir()
	ds := writeDataset(t, dir, map[string]int{"conv_a": 1, "conv_b": 1}, []string{"conv_a", "conv_b"})
	out := filepath.Join(dir, "out")

	w, err := New(workerConfig(ds, out, 0, 1), &fakeIndexer{})
	require.NoError(t, err)
	res, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	data, err := os.ReadFile(metadata.ShardIndexPath(out, 0))
	require.NoError(t, err)
	var records []metadata.EntityRecord
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "conv_a", records[0].ConvID)
	assert.Equal(t, 1, records[0].NumIndexed)
	// The retrieval stage reads its result-set size from the record.
	assert.Equal(t, config.Default().TopK, records[0].TopK)
}

func TestRun_EmptyConversationSkipped(t *testing.T) {
	dir := t.TempDir()
	ds := writeDataset(t, dir, map[string]int{"conv_a": 0}, []string{"conv_a"})
	out := filepath.Join(dir, "out")

	w, err := New(workerConfig(ds, out, 0, 1), &fakeIndexer{})
	require.NoError(t, err)
	res, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.TurnsIndexed)
	assert.NoDirExists(t, filepath.Join(out, "conv_a"),
		"no state is written for conversations without turns")
}

func TestRun_CorruptCheckpointTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	ds := writeDataset(t, dir, map[string]int{"conv_a": 2}, []string{"conv_a"})
	out := filepath.Join(dir, "out")

	convDir := filepath.Join(out, "conv_a")
	require.NoError(t, os.MkdirAll(convDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(convDir, "processed_turns.json"), []byte("garbage"), 0644))

	idx := &fakeIndexer{}
	w, err := New(workerConfig(ds, out, 0, 1), idx)
	require.NoError(t, err)

	res, err := w.Run(context.Background())
	require.NoError(t, err, "corrupt checkpoints are never fatal")
	assert.Equal(t, 2, res.TurnsIndexed)
	assert.True(t, checkpoint.EntityComplete(convDir))
}

func TestNew_InvalidShard(t *testing.T) {
	cfg := workerConfig("ds.json", "out", 2, 2)
	_, err := New(cfg, &fakeIndexer{})
	assert.Error(t, err)
}
