package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/warrenhq/warren/internal/policy"
	"github.com/warrenhq/warren/internal/replay"
)

var (
	evalDataset     string
	evalParallelism int
	evalVerbose     bool
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Replay recorded cases offline and gate regressions",
}

var evalRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured gate and policy against a dataset and compare with the permissive baseline",
	RunE:  runEvalRun,
}

func init() {
	evalRunCmd.Flags().StringVar(&evalDataset, "dataset", "", "Path to the JSON case dataset (required)")
	evalRunCmd.Flags().IntVar(&evalParallelism, "parallelism", 4, "Concurrent cases per variant")
	evalRunCmd.Flags().BoolVar(&evalVerbose, "verbose", false, "Include per-case results in the report")
	evalRunCmd.MarkFlagRequired("dataset")

	evalCmd.AddCommand(evalRunCmd)
}

func runEvalRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cases, err := replay.LoadDataset(evalDataset)
	if err != nil {
		return err
	}

	gate := buildGate(cfg)
	fallback := cfg.Policy.Fallback
	runner := &replay.Runner{
		Baseline: replay.Variant{Name: "baseline"},
		Candidate: replay.Variant{
			Name:        "candidate",
			SafetyCheck: gate.Check,
			ResolvePolicy: func(now time.Time) policy.ReplyPolicy {
				return fallback
			},
		},
		Parallelism: evalParallelism,
		Logger:      newLogger(),
	}

	report, err := runner.Run(cmd.Context(), cases, replay.DefaultGate())
	if err != nil {
		return err
	}
	if !evalVerbose {
		report.BaselineResults = nil
		report.CandidateResults = nil
	} else {
		replay.SortResults(report.BaselineResults)
		replay.SortResults(report.CandidateResults)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Gate.Pass {
		return fmt.Errorf("regression gate failed: %d violation(s)", len(report.Gate.Violations))
	}
	return nil
}
