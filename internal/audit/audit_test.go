package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProducer = ProducerInfo{Name: "index-manager", Version: "test"}

func readEvents(t *testing.T, dir, eventType string) []Event {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), eventType+"_") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var events []Event
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		var evt Event
		require.NoError(t, json.Unmarshal(data, &evt))
		events = append(events, evt)
	}
	return events
}

func TestEmitChainsRunEvents(t *testing.T) {
	dir := t.TempDir()
	em, err := NewEmitter(dir, testProducer)
	require.NoError(t, err)
	defer em.Close()

	run := RunInfo{RunID: "run-1", Dataset: "convs.json", OutputDir: "/out", NumWorkers: 2}

	require.NoError(t, em.Emit(&Event{EventType: EventRunStarted, Run: run}))
	require.NoError(t, em.Emit(&Event{EventType: EventRunCompleted, Run: run}))

	started := readEvents(t, dir, EventRunStarted)
	completed := readEvents(t, dir, EventRunCompleted)
	require.Len(t, started, 1)
	require.Len(t, completed, 1)

	assert.Empty(t, started[0].Chain.PrevEventHash)
	assert.NotEmpty(t, started[0].Chain.EventHash)
	assert.Equal(t, started[0].Chain.EventHash, completed[0].Chain.PrevEventHash)

	// The recorded hash must verify against the event contents.
	evt := completed[0]
	assert.Equal(t, evt.Chain.EventHash, ComputeEventHash(&evt))
	assert.Equal(t, testProducer, evt.Producer)
	assert.NotEmpty(t, evt.EventID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestChainSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	run := RunInfo{RunID: "run-1"}

	em, err := NewEmitter(dir, testProducer)
	require.NoError(t, err)
	require.NoError(t, em.Emit(&Event{EventType: EventRunStarted, Run: run}))
	require.NoError(t, em.Close())

	em2, err := NewEmitter(dir, testProducer)
	require.NoError(t, err)
	require.NoError(t, em2.Emit(&Event{EventType: EventRunCompleted, Run: run}))

	started := readEvents(t, dir, EventRunStarted)
	completed := readEvents(t, dir, EventRunCompleted)
	assert.Equal(t, started[0].Chain.EventHash, completed[0].Chain.PrevEventHash)
}

func TestShardChainsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	em, err := NewEmitter(dir, ProducerInfo{Name: "index-worker", Version: "test"})
	require.NoError(t, err)

	run := RunInfo{RunID: "run-1"}
	for shard := 0; shard < 2; shard++ {
		evt := &Event{
			EventType: EventShardCompleted,
			Run:       run,
			Shard:     &ShardInfo{ShardID: shard, NumShards: 2},
			Counts:    map[string]int64{"turns_indexed": 5},
		}
		require.NoError(t, em.Emit(evt))
	}

	events := readEvents(t, dir, EventShardCompleted)
	require.Len(t, events, 2)
	for _, evt := range events {
		assert.Empty(t, evt.Chain.PrevEventHash, "first event on shard chain %d", evt.Shard.ShardID)
	}
}

func TestConcurrentEmittersDoNotLoseChainHeads(t *testing.T) {
	dir := t.TempDir()
	run := RunInfo{RunID: "run-1"}

	// One emitter per process in a real run; interleave their emissions so
	// a head written by one must survive writes by the other.
	manager, err := NewEmitter(dir, ProducerInfo{Name: "index-manager", Version: "test"})
	require.NoError(t, err)
	workerA, err := NewEmitter(dir, ProducerInfo{Name: "index-worker", Version: "test"})
	require.NoError(t, err)

	require.NoError(t, manager.Emit(&Event{EventType: EventRunStarted, Run: run}))
	require.NoError(t, workerA.Emit(&Event{
		EventType: EventShardCompleted,
		Run:       run,
		Shard:     &ShardInfo{ShardID: 0, NumShards: 1},
	}))
	require.NoError(t, manager.Emit(&Event{EventType: EventRunCompleted, Run: run}))

	runEvents := append(readEvents(t, dir, EventRunStarted), readEvents(t, dir, EventRunCompleted)...)
	require.Len(t, runEvents, 2)
	assert.Equal(t, runEvents[0].Chain.EventHash, runEvents[1].Chain.PrevEventHash,
		"worker emission in between must not disturb the run chain")

	shardEvents := readEvents(t, dir, EventShardCompleted)
	require.Len(t, shardEvents, 1)
	assert.Empty(t, shardEvents[0].Chain.PrevEventHash)

	// A later run's worker continues the shard chain from the head the
	// first worker left, regardless of the manager's run events.
	workerB, err := NewEmitter(dir, ProducerInfo{Name: "index-worker", Version: "test"})
	require.NoError(t, err)
	require.NoError(t, workerB.Emit(&Event{
		EventType: EventShardCompleted,
		Run:       RunInfo{RunID: "run-2"},
		Shard:     &ShardInfo{ShardID: 0, NumShards: 1},
	}))

	shardEvents = readEvents(t, dir, EventShardCompleted)
	require.Len(t, shardEvents, 2)
	assert.Equal(t, shardEvents[0].Chain.EventHash, shardEvents[1].Chain.PrevEventHash)
}

func TestComputeEventHashIgnoresOwnHashField(t *testing.T) {
	evt := Event{EventType: EventRunStarted, Run: RunInfo{RunID: "run-1"}}
	before := ComputeEventHash(&evt)
	evt.Chain.EventHash = before
	assert.Equal(t, before, ComputeEventHash(&evt))
}

func TestDisabledEmitterIsNoop(t *testing.T) {
	em, err := NewEmitter("", testProducer)
	require.NoError(t, err)
	assert.NoError(t, em.Emit(&Event{EventType: EventRunStarted}))
	assert.NoError(t, em.Close())
}
