// Command index-worker indexes one shard of a conversation dataset into the
// external memory service. It is normally spawned by index-manager, one
// process per shard, but can be run by hand to reprocess a single shard.
//
// Usage:
//
//	index-worker --shard_id N --num_shards M [flags] <dataset> <output-dir>
//
// Re-running the same invocation after a crash resumes from the per
// conversation checkpoints instead of re-indexing finished work.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kh4n9373/amem-benchmark/internal/audit"
	"github.com/kh4n9373/amem-benchmark/internal/config"
	"github.com/kh4n9373/amem-benchmark/internal/logging"
	"github.com/kh4n9373/amem-benchmark/internal/memory"
	"github.com/kh4n9373/amem-benchmark/internal/metrics"
	"github.com/kh4n9373/amem-benchmark/internal/version"
	"github.com/kh4n9373/amem-benchmark/internal/worker"
)

const (
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Default()

	fs := flag.NewFlagSet("index-worker", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: index-worker [flags] <dataset> <output-dir>\n\nFlags:\n")
		fs.PrintDefaults()
	}

	var (
		configPath  = fs.String("config", "", "optional YAML config file")
		shardID     = fs.Int("shard_id", 0, "shard id of this worker")
		numShards   = fs.Int("num_shards", cfg.Sharding.Workers, "total number of shards")
		modelName   = fs.String("model_name", cfg.Memory.EmbeddingModel, "embedding model name")
		llmBackend  = fs.String("llm_backend", cfg.Memory.LLMBackend, "LLM backend")
		llmModel    = fs.String("llm_model", cfg.Memory.LLMModel, "LLM model")
		apiKey      = fs.String("api_key", cfg.Memory.APIKey, "memory service API key")
		baseURL     = fs.String("base_url", cfg.Memory.BaseURL, "memory service base URL")
		evoThresh   = fs.Int("evo_threshold", cfg.Memory.EvoThreshold, "memory evolution threshold")
		noThinking  = fs.Bool("disable_thinking", cfg.Memory.DisableThinking, "disable LLM thinking mode")
		topK        = fs.Int("top_k", cfg.TopK, "retrieval size recorded in the index metadata")
		parquetIdx  = fs.Bool("parquet_index", cfg.Sharding.ParquetIndex, "also export shard index metadata as parquet")
		logFormat   = fs.String("log_format", cfg.Logging.Format, "log format: text or json")
		logLevel    = fs.String("log_level", cfg.Logging.Level, "log level: debug, info, warn, error")
		metricsAddr = fs.String("metrics_addr", "", "serve Prometheus metrics on this address (disabled when empty)")
		auditDir    = fs.String("audit_dir", cfg.AuditDir, "directory for the audit trail (disabled when empty)")
		runID       = fs.String("run_id", "", "run id assigned by the manager")
	)
	fs.Parse(os.Args[1:])

	if fs.NArg() != 2 {
		fs.Usage()
		return exitConfig
	}

	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfig
		}
	}
	cfg.ApplyEnv()

	cfg.DatasetPath = fs.Arg(0)
	cfg.OutputDir = fs.Arg(1)
	cfg.Sharding.ShardID = *shardID

	// Explicit flags win over the config file and environment.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "num_shards":
			cfg.Sharding.Workers = *numShards
		case "model_name":
			cfg.Memory.EmbeddingModel = *modelName
		case "llm_backend":
			cfg.Memory.LLMBackend = *llmBackend
		case "llm_model":
			cfg.Memory.LLMModel = *llmModel
		case "api_key":
			cfg.Memory.APIKey = *apiKey
		case "base_url":
			cfg.Memory.BaseURL = *baseURL
		case "evo_threshold":
			cfg.Memory.EvoThreshold = *evoThresh
		case "disable_thinking":
			cfg.Memory.DisableThinking = *noThinking
		case "top_k":
			cfg.TopK = *topK
		case "parquet_index":
			cfg.Sharding.ParquetIndex = *parquetIdx
		case "log_format":
			cfg.Logging.Format = *logFormat
		case "log_level":
			cfg.Logging.Level = *logLevel
		case "audit_dir":
			cfg.AuditDir = *auditDir
		}
	})
	cfg.RunID = *runID

	if err := cfg.ValidateWorker(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	// The manager redirects worker output to a per-shard log file, so both
	// streams go to stdout to keep the file ordered.
	logging.SetupWriter(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level}, os.Stdout)
	log := logging.ShardLogger(cfg.Sharding.ShardID, cfg.Sharding.Workers)

	if *metricsAddr != "" {
		metrics.Init("amem_indexer")
		go func() {
			if err := metrics.StartServer(*metricsAddr); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Warn("received signal, stopping", "signal", sig.String())
		cancel()
	}()

	indexer, err := memory.NewClient(memoryConfig(cfg))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	defer indexer.Close()

	w, err := worker.New(cfg, indexer)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	log.Info("worker starting",
		"dataset", cfg.DatasetPath,
		"output_dir", cfg.OutputDir,
		"model", cfg.Memory.EmbeddingModel,
		"llm", cfg.Memory.LLMModel)

	res, err := w.Run(ctx)
	if err != nil {
		log.Error("worker failed", "error", err)
		return exitFatal
	}

	if emitErr := emitShardCompleted(cfg, res); emitErr != nil {
		// The shard's work is durable regardless, so a broken audit trail
		// is logged but does not fail the worker.
		log.Warn("audit event not written", "error", emitErr)
	}

	log.Info("worker finished",
		"conversations_indexed", res.ConversationsIndexed,
		"conversations_skipped", res.ConversationsSkipped,
		"turns_indexed", res.TurnsIndexed,
		"turns_skipped", res.TurnsSkipped,
		"turns_soft_failed", res.TurnsSoftFailed)
	return 0
}

func emitShardCompleted(cfg config.Config, res worker.Result) error {
	em, err := audit.NewEmitter(cfg.AuditDir, audit.ProducerInfo{Name: "index-worker", Version: version.Version})
	if err != nil {
		return err
	}
	defer em.Close()

	return em.Emit(&audit.Event{
		EventType: audit.EventShardCompleted,
		Run: audit.RunInfo{
			RunID:      cfg.RunID,
			Dataset:    cfg.DatasetPath,
			OutputDir:  cfg.OutputDir,
			NumWorkers: cfg.Sharding.Workers,
		},
		Shard: &audit.ShardInfo{ShardID: cfg.Sharding.ShardID, NumShards: cfg.Sharding.Workers},
		Counts: map[string]int64{
			"conversations_indexed": int64(res.ConversationsIndexed),
			"conversations_skipped": int64(res.ConversationsSkipped),
			"turns_indexed":         int64(res.TurnsIndexed),
			"turns_skipped":         int64(res.TurnsSkipped),
			"turns_soft_failed":     int64(res.TurnsSoftFailed),
		},
	})
}

func memoryConfig(cfg config.Config) memory.Config {
	return memory.Config{
		BaseURL:         cfg.Memory.BaseURL,
		APIKey:          cfg.Memory.APIKey,
		EmbeddingModel:  cfg.Memory.EmbeddingModel,
		LLMBackend:      cfg.Memory.LLMBackend,
		LLMModel:        cfg.Memory.LLMModel,
		EvoThreshold:    cfg.Memory.EvoThreshold,
		DisableThinking: cfg.Memory.DisableThinking,
	}
}
