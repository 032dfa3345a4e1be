package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvbarbosa/siegsync/internal/cli/prompt"
	"github.com/mvbarbosa/siegsync/internal/logger"
	"github.com/mvbarbosa/siegsync/pkg/config"
	"github.com/mvbarbosa/siegsync/pkg/cycle"
	"github.com/mvbarbosa/siegsync/pkg/manifest"
	"github.com/mvbarbosa/siegsync/pkg/metrics"
	"github.com/mvbarbosa/siegsync/pkg/pipeline"
	"github.com/mvbarbosa/siegsync/pkg/siegapi"
	"github.com/mvbarbosa/siegsync/pkg/state"
	"github.com/mvbarbosa/siegsync/pkg/txfile"
)

// exitInterrupted is the exit code for a run cut short by SIGINT/SIGTERM.
const exitInterrupted = 130

var (
	runExcel              string
	runLimit              int
	runSeed               bool
	runYes                bool
	runLoop               bool
	runLoopInterval       time.Duration
	runIgnoreFailureRates bool
	runFailureThreshold   float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run sync cycles over the company roster",
	Long: `Run the synchronizer: download the monthly reports, fetch missing
documents, reconcile the local archive and replay open pendencies.

By default one cycle runs and the process exits with a code reflecting
the failure rate (0 ok, 1 degraded, 2 critical, 130 interrupted). With
--loop, cycles repeat on a fixed interval until interrupted.

Examples:
  # One cycle with the configured roster
  siegsync run

  # Continuous operation every 30 minutes
  siegsync run --loop --loop-interval 30m

  # Re-download everything for the current pass (prompts first)
  siegsync run --seed

  # Limit to the first 5 companies of a specific roster file
  siegsync run --excel /data/clientes.xlsx --limit 5`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runExcel, "excel", "", "roster spreadsheet path or URL (overrides roster.source)")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "process only the first N companies (0 = all)")
	runCmd.Flags().BoolVar(&runSeed, "seed", false, "reset the month state and re-download everything")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "answer yes to prompts (non-interactive seed)")
	runCmd.Flags().BoolVar(&runLoop, "loop", false, "keep running cycles until interrupted")
	runCmd.Flags().DurationVar(&runLoopInterval, "loop-interval", 0, "wait between cycles in loop mode (overrides sync.loop_interval)")
	runCmd.Flags().BoolVar(&runIgnoreFailureRates, "ignore-failure-rates", false, "always exit 0 regardless of the failure rate")
	runCmd.Flags().Float64Var(&runFailureThreshold, "failure-threshold", 0, "failure percentage treated as critical (overrides sync.failure_threshold)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := siegapi.New(siegapi.Config{
		BaseURL:            cfg.API.BaseURL,
		APIKey:             cfg.API.Key,
		RateInterval:       cfg.API.RateInterval,
		MaxRetries:         cfg.API.MaxRetries,
		RetryInterval:      cfg.API.RetryInterval,
		ConnectTimeout:     cfg.API.ConnectTimeout,
		ReadTimeoutNFe:     cfg.API.Timeouts.NFeRead,
		ReadTimeoutCTe:     cfg.API.Timeouts.CTeRead,
		AbsoluteTimeoutNFe: cfg.API.Timeouts.NFeAbsolute,
		AbsoluteTimeoutCTe: cfg.API.Timeouts.CTeAbsolute,
	})
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.Paths.State)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	committer, err := txfile.NewCommitter(cfg.Paths.Journal)
	if err != nil {
		return fmt.Errorf("opening transaction journal: %w", err)
	}

	companies, err := loadRoster(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("roster loaded", "companies", len(companies), "source", rosterSource(cfg))

	runner := &cycle.Runner{
		Pipeline: &pipeline.Pipeline{
			Client:    client,
			Store:     store,
			Committer: committer,
			Config: pipeline.Config{
				PrimaryRoot:         cfg.Paths.Primary,
				FlatRoot:            cfg.Paths.Flat,
				CancelledRoot:       cfg.Paths.Cancelled,
				TempReportsDir:      cfg.Paths.TempReports,
				BatchSize:           cfg.Sync.BatchSize,
				MaxPendencyAttempts: cfg.Sync.MaxPendencyAttempts,
				ReportRetries:       cfg.Sync.ReportRetries,
				ReportRetryDelay:    cfg.Sync.ReportRetryDelay,
				RecoveryPace:        cfg.Sync.RecoveryPace,
				BreakerFailures:     cfg.Sync.BreakerFailures,
				BlacklistDuration:   cfg.Sync.BlacklistDuration,
			},
		},
		Client:    client,
		Store:     store,
		Committer: committer,
		Config: cycle.Config{
			Seed: runSeed,
			Confirm: func(label string) (bool, error) {
				return prompt.ConfirmWithForce(label, runYes)
			},
			CompanyLogDir:      cfg.Logging.CompanyLogDir,
			FailureThreshold:   failureThreshold(cfg),
			IgnoreFailureRates: runIgnoreFailureRates,
			LoopInterval:       loopInterval(cfg),
		},
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), func() error {
			_, err := store.ListPendingReports()
			return err
		})
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Runtime config reload covers the log level and format only; path
	// and API changes need a restart.
	if GetConfigFile() != "" || config.DefaultConfigExists() {
		go watchConfig(ctx)
	}

	if runLoop {
		err := runner.RunLoop(ctx, companies)
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted, shutting down")
			os.Exit(exitInterrupted)
		}
		return err
	}

	stats, err := runner.Run(ctx, companies)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("interrupted, shutting down")
		os.Exit(exitInterrupted)
	case errors.Is(err, cycle.ErrSeedDeclined):
		fmt.Println("Seed run declined, nothing done.")
		return nil
	case err != nil:
		return err
	}

	if code := runner.ExitCode(stats); code != 0 {
		logger.Error("cycle failure rate above threshold",
			"failure_rate", fmt.Sprintf("%.1f%%", stats.FailureRate()), "exit_code", code)
		os.Exit(code)
	}
	return nil
}

// loadRoster reads the company roster, honoring the --excel and --limit
// overrides.
func loadRoster(ctx context.Context, cfg *config.Config) ([]manifest.Company, error) {
	limit := cfg.Roster.Limit
	if runLimit > 0 {
		limit = runLimit
	}
	companies, err := manifest.ReadCompanies(ctx, rosterSource(cfg), limit)
	if err != nil {
		return nil, fmt.Errorf("reading company roster: %w", err)
	}
	if len(companies) == 0 {
		return nil, fmt.Errorf("company roster %s is empty", rosterSource(cfg))
	}
	return companies, nil
}

func rosterSource(cfg *config.Config) string {
	if runExcel != "" {
		return runExcel
	}
	return cfg.Roster.Source
}

func failureThreshold(cfg *config.Config) float64 {
	if runFailureThreshold > 0 {
		return runFailureThreshold
	}
	return cfg.Sync.FailureThreshold
}

func loopInterval(cfg *config.Config) time.Duration {
	if runLoopInterval > 0 {
		return runLoopInterval
	}
	return cfg.Sync.LoopInterval
}

func watchConfig(ctx context.Context) {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	err := config.Watch(ctx, path, func(cfg *config.Config) {
		logger.SetLevel(cfg.Logging.Level)
		logger.SetFormat(cfg.Logging.Format)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("config watcher stopped", "error", err)
	}
}
