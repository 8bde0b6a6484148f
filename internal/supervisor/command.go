package supervisor

import (
	"os/exec"
	"strconv"

	"github.com/kh4n9373/amem-benchmark/internal/config"
)

// WorkerCommand builds the per-shard invocation of the index-worker binary.
// Every worker receives identical configuration plus its own shard id, and
// the same invocation re-run after a crash resumes from the checkpoints.
// Flags come before the two positionals: std flag parsing stops at the
// first non-flag argument.
func WorkerCommand(workerBin string, cfg config.Config) func(shardID int) *exec.Cmd {
	return func(shardID int) *exec.Cmd {
		args := []string{
			"--shard_id", strconv.Itoa(shardID),
			"--num_shards", strconv.Itoa(cfg.Sharding.Workers),
			"--model_name", cfg.Memory.EmbeddingModel,
			"--llm_backend", cfg.Memory.LLMBackend,
			"--llm_model", cfg.Memory.LLMModel,
			"--api_key", cfg.Memory.APIKey,
			"--evo_threshold", strconv.Itoa(cfg.Memory.EvoThreshold),
			"--top_k", strconv.Itoa(cfg.TopK),
			"--log_format", cfg.Logging.Format,
			"--log_level", cfg.Logging.Level,
		}
		if cfg.Memory.BaseURL != "" {
			args = append(args, "--base_url", cfg.Memory.BaseURL)
		}
		if cfg.Memory.DisableThinking {
			args = append(args, "--disable_thinking")
		}
		if cfg.Sharding.ParquetIndex {
			args = append(args, "--parquet_index")
		}
		if cfg.AuditDir != "" {
			args = append(args, "--audit_dir", cfg.AuditDir)
		}
		if cfg.RunID != "" {
			args = append(args, "--run_id", cfg.RunID)
		}
		args = append(args, cfg.DatasetPath, cfg.OutputDir)
		return exec.Command(workerBin, args...)
	}
}
