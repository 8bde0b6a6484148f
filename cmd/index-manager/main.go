// Command index-manager spawns one index-worker process per shard and
// supervises them. The dataset is partitioned by conversation index modulo
// the worker count, so the workers never contend for a conversation. If any
// worker exits abnormally the manager terminates all peers and exits
// non-zero; re-running the same command resumes from the checkpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kh4n9373/amem-benchmark/internal/audit"
	"github.com/kh4n9373/amem-benchmark/internal/config"
	"github.com/kh4n9373/amem-benchmark/internal/logging"
	"github.com/kh4n9373/amem-benchmark/internal/metrics"
	"github.com/kh4n9373/amem-benchmark/internal/supervisor"
	"github.com/kh4n9373/amem-benchmark/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Default()

	fs := flag.NewFlagSet("index-manager", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: index-manager [flags] <dataset> <output-dir>\n\nFlags:\n")
		fs.PrintDefaults()
	}

	var (
		configPath  = fs.String("config", "", "optional YAML config file")
		maxWorkers  = fs.Int("max_workers", cfg.Sharding.Workers, "number of worker processes (= shard count)")
		logDir      = fs.String("log_dir", "", "directory for per-worker log files (inherit stdout/stderr when empty)")
		workerBin   = fs.String("worker_bin", "", "path to the index-worker binary (default: sibling of this binary)")
		grace       = fs.Duration("grace_period", time.Duration(cfg.Sharding.GracePeriod), "how long terminated workers may take to exit before being killed")
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
	)
	fs.Parse(os.Args[1:])

	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}

	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	cfg.ApplyEnv()

	cfg.DatasetPath = fs.Arg(0)
	cfg.OutputDir = fs.Arg(1)

	// Explicit flags win over the config file and environment.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max_workers":
			cfg.Sharding.Workers = *maxWorkers
		case "log_dir":
			cfg.Sharding.LogDir = *logDir
		case "grace_period":
			cfg.Sharding.GracePeriod = config.Duration(*grace)
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

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("manager")

	if *metricsAddr != "" {
		metrics.Init("amem_indexer")
		go func() {
			if err := metrics.StartServer(*metricsAddr); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	bin := *workerBin
	if bin == "" {
		var err error
		bin, err = findWorkerBinary()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	cfg.RunID = uuid.NewString()
	log.Info("starting indexing run",
		"version", version.Version,
		"run_id", cfg.RunID,
		"dataset", cfg.DatasetPath,
		"output_dir", cfg.OutputDir,
		"workers", cfg.Sharding.Workers,
		"worker_bin", bin)

	sup, err := supervisor.New(supervisor.Options{
		NumWorkers:  cfg.Sharding.Workers,
		Command:     supervisor.WorkerCommand(bin, cfg),
		LogDir:      cfg.Sharding.LogDir,
		GracePeriod: time.Duration(cfg.Sharding.GracePeriod),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	emitter, err := audit.NewEmitter(cfg.AuditDir, audit.ProducerInfo{Name: "index-manager", Version: version.Version})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer emitter.Close()

	// Every return past this point reports a run end on the audit chain.
	runInfo := audit.RunInfo{
		RunID:      cfg.RunID,
		Dataset:    cfg.DatasetPath,
		OutputDir:  cfg.OutputDir,
		NumWorkers: cfg.Sharding.Workers,
	}
	if err := emitter.Emit(&audit.Event{EventType: audit.EventRunStarted, Run: runInfo}); err != nil {
		log.Warn("audit event not written", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Warn("received signal, stopping all workers", "signal", sig.String())
		cancel()
	}()

	outcome, err := sup.Run(ctx)
	if err != nil {
		emitRunEnd(log, emitter, runInfo, audit.EventRunFailed)
		log.Error("supervision failed", "run_id", cfg.RunID, "error", err)
		return 1
	}

	switch {
	case outcome.Success:
		emitRunEnd(log, emitter, runInfo, audit.EventRunCompleted)
		log.Info("all workers completed",
			"run_id", cfg.RunID,
			"workers", cfg.Sharding.Workers,
			"elapsed", outcome.Elapsed.Round(time.Millisecond).String())
		return 0
	case outcome.Interrupted:
		emitRunEnd(log, emitter, runInfo, audit.EventRunInterrupted)
		log.Warn("run interrupted, all workers stopped",
			"run_id", cfg.RunID,
			"elapsed", outcome.Elapsed.Round(time.Millisecond).String())
		return 1
	default:
		emitRunEnd(log, emitter, runInfo, audit.EventRunFailed)
		log.Error("worker failed, all peers terminated",
			"run_id", cfg.RunID,
			"failed_shard", outcome.FailedShard,
			"exit_code", outcome.ExitCodes[outcome.FailedShard],
			"elapsed", outcome.Elapsed.Round(time.Millisecond).String())
		return 1
	}
}

func emitRunEnd(log *slog.Logger, emitter audit.Emitter, run audit.RunInfo, eventType string) {
	if err := emitter.Emit(&audit.Event{EventType: eventType, Run: run}); err != nil {
		log.Warn("audit event not written", "error", err)
	}
}

// findWorkerBinary locates index-worker next to the running manager binary,
// falling back to PATH.
func findWorkerBinary() (string, error) {
	self, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(self), "index-worker")
		if _, statErr := os.Stat(sibling); statErr == nil {
			return sibling, nil
		}
	}
	if path, err := exec.LookPath("index-worker"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("index-worker binary not found next to %s or on PATH (use --worker_bin)", os.Args[0])
}
