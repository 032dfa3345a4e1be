// Package cycle runs complete processing cycles: journal recovery,
// pendency replay, the company loop, and the failure-rate verdict that
// becomes the process exit code. It can run once or loop forever with a
// fixed interval.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mvbarbosa/siegsync/internal/logger"
	"github.com/mvbarbosa/siegsync/pkg/manifest"
	"github.com/mvbarbosa/siegsync/pkg/metrics"
	"github.com/mvbarbosa/siegsync/pkg/pipeline"
	"github.com/mvbarbosa/siegsync/pkg/siegapi"
	"github.com/mvbarbosa/siegsync/pkg/state"
	"github.com/mvbarbosa/siegsync/pkg/txfile"
)

const (
	// DefaultFailureThreshold is the failure percentage treated as a
	// critical cycle.
	DefaultFailureThreshold = 50.0

	// warnFloor is the minimum failure percentage that still flags the
	// cycle as degraded.
	warnFloor = 20.0

	// MinLoopInterval is the floor for the wait between loop iterations.
	MinLoopInterval = time.Second

	// journalRetention is how long completed transaction journals are
	// kept before cleanup.
	journalRetention = 24 * time.Hour
)

// Config holds the cycle tunables.
type Config struct {
	// Seed wipes the month state before the first cycle so everything is
	// re-downloaded.
	Seed bool

	// Confirm asks the operator before a destructive seed reset. Nil
	// means no prompt (non-interactive run).
	Confirm func(prompt string) (bool, error)

	// CompanyLogDir, when set, receives one log file per company per
	// month with everything logged while that company was processed.
	CompanyLogDir string

	FailureThreshold   float64
	IgnoreFailureRates bool
	LoopInterval       time.Duration
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.LoopInterval < MinLoopInterval {
		c.LoopInterval = MinLoopInterval
	}
}

// ErrSeedDeclined is returned when the operator rejects the seed prompt.
var ErrSeedDeclined = errors.New("cycle: seed reset declined")

// Stats summarizes one cycle.
type Stats struct {
	Companies int
	Succeeded int
	Failed    int
	Skipped   int

	PendenciesReplayed int
	PendenciesResolved int

	Duration time.Duration
}

// FailureRate is the failed share of attempted companies, in percent.
// Skipped companies are not attempts.
func (s Stats) FailureRate() float64 {
	attempted := s.Companies - s.Skipped
	if attempted <= 0 {
		return 0
	}
	return float64(s.Failed) / float64(attempted) * 100
}

// Runner executes cycles.
type Runner struct {
	Pipeline  *pipeline.Pipeline
	Client    pipeline.APIClient
	Store     *state.Store
	Committer *txfile.Committer
	Config    Config
}

// Run executes one full cycle over the given companies.
func (r *Runner) Run(ctx context.Context, companies []manifest.Company) (Stats, error) {
	r.Config.applyDefaults()
	started := time.Now()
	var stats Stats
	stats.Companies = len(companies)

	replayed, err := r.Committer.Recover()
	if err != nil {
		return stats, fmt.Errorf("cycle: journal recovery: %w", err)
	}
	if len(replayed) > 0 {
		logger.Info("replayed interrupted transactions", logger.Count(len(replayed)))
	}
	if removed, err := r.Committer.CleanupCompleted(journalRetention); err != nil {
		logger.Warn("journal cleanup failed", logger.Err(err))
	} else if removed > 0 {
		logger.Debug("cleaned completed journals", logger.Count(removed))
	}

	if r.Config.Seed {
		if err := r.seedReset(); err != nil {
			return stats, err
		}
		// Seeding applies to the first cycle only.
		r.Config.Seed = false
	}

	r.replayPendencies(ctx, companies, &stats)

	for _, company := range companies {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		cctx := logger.WithContext(ctx, logger.NewLogContext(company.Folder, company.CNPJ))
		closeLog := r.openCompanyLog(company)
		_, err := r.Pipeline.ProcessCompany(cctx, company)
		closeLog()
		switch {
		case errors.Is(err, pipeline.ErrCompanySkipped):
			stats.Skipped++
		case err != nil:
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			logger.Error("company failed", logger.CNPJ(company.CNPJ), logger.Err(err))
		default:
			stats.Succeeded++
		}
	}

	if open, err := r.Store.ListPendingReports(); err == nil {
		metrics.PendenciesOpen.Set(float64(len(open)))
	}

	stats.Duration = time.Since(started)
	metrics.CycleDuration.Observe(stats.Duration.Seconds())
	logger.Info("cycle finished",
		"companies", stats.Companies, "succeeded", stats.Succeeded,
		"failed", stats.Failed, "skipped", stats.Skipped,
		"failure_rate", fmt.Sprintf("%.1f%%", stats.FailureRate()),
		"duration", stats.Duration.Round(time.Second).String())
	return stats, nil
}

// RunLoop executes cycles until the context is canceled. Only the first
// iteration may seed.
func (r *Runner) RunLoop(ctx context.Context, companies []manifest.Company) error {
	r.Config.applyDefaults()
	for {
		if _, err := r.Run(ctx, companies); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("cycle aborted", logger.Err(err))
		}
		logger.Info("waiting for next cycle", "interval", r.Config.LoopInterval.String())
		timer := time.NewTimer(r.Config.LoopInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// openCompanyLog tees the log output into
// <dir>/<MM-YYYY>/<folder>/empresa.log while the company is being
// processed. Failures to open the file degrade to the main output only.
func (r *Runner) openCompanyLog(c manifest.Company) func() {
	if r.Config.CompanyLogDir == "" {
		return func() {}
	}
	month := state.MonthKeyFor(time.Now()).String()
	dir := filepath.Join(r.Config.CompanyLogDir, month, c.Folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("company log dir unavailable", logger.Path(dir), logger.Err(err))
		return func() {}
	}
	path := filepath.Join(dir, "empresa.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warn("opening company log failed", logger.Path(path), logger.Err(err))
		return func() {}
	}
	stop := logger.Tee(f)
	return func() {
		stop()
		_ = f.Close()
	}
}

func (r *Runner) seedReset() error {
	months := r.Pipeline.MonthsToProcess()
	if r.Config.Confirm != nil {
		ok, err := r.Config.Confirm(fmt.Sprintf(
			"Seed run resets the download state for %v and re-fetches everything. Continue", months))
		if err != nil {
			return fmt.Errorf("cycle: seed prompt: %w", err)
		}
		if !ok {
			return ErrSeedDeclined
		}
	}
	for _, month := range months {
		if err := r.Store.ResetMonth(month); err != nil {
			return fmt.Errorf("cycle: seed reset %s: %w", month, err)
		}
		logger.Info("month state reset for seed run", logger.Month(month.String()))
	}
	return nil
}

// replayPendencies retries the open report pendencies before the company
// loop, so months older than the current pass still converge.
func (r *Runner) replayPendencies(ctx context.Context, companies []manifest.Company, stats *Stats) {
	folders := make(map[string]string, len(companies))
	for _, c := range companies {
		folders[c.CNPJ] = c.Folder
	}

	pending, err := r.Store.ListPendingReports()
	if err != nil {
		logger.Error("listing pendencies failed", logger.Err(err))
		return
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		folder, ok := folders[p.CNPJ]
		if !ok {
			logger.Warn("pendency for company missing from roster",
				logger.CNPJ(p.CNPJ), logger.Month(p.Month.String()), logger.DocType(p.DocType.String()))
			continue
		}
		stats.PendenciesReplayed++
		if r.replayOne(ctx, p, folder) {
			stats.PendenciesResolved++
		}
	}
}

// replayOne re-attempts one pendency. Returns true when the pendency is
// settled, whether with data or as a confirmed empty month.
func (r *Runner) replayOne(ctx context.Context, p state.PendingReport, folder string) bool {
	start, err := p.Month.Time()
	if err != nil {
		logger.Error("pendency has malformed month", logger.Month(p.Month.String()), logger.Err(err))
		return false
	}

	report, err := r.Client.FetchReport(ctx, siegapi.ReportRequest{
		CNPJ:    p.CNPJ,
		DocType: p.DocType,
		Year:    start.Year(),
		Month:   start.Month(),
	})
	if err != nil {
		logger.Warn("pendency replay failed",
			logger.CNPJ(p.CNPJ), logger.Month(p.Month.String()), logger.DocType(p.DocType.String()),
			"attempts", p.Attempts+1, logger.Err(err))
		_ = r.Store.UpsertPendency(p.Month, p.CNPJ, p.DocType, p.Status)
		if p.Attempts+1 >= r.maxAttempts() {
			logger.Warn("pendency parked after attempt ceiling",
				logger.CNPJ(p.CNPJ), logger.Month(p.Month.String()), logger.DocType(p.DocType.String()))
			_ = r.Store.SetPendencyStatus(p.Month, p.CNPJ, p.DocType, state.PendencyMaxAttempts)
		}
		return false
	}

	if report.Empty {
		_ = r.Store.SetReportStatus(p.Month, p.CNPJ, p.DocType, state.ReportNoData,
			"confirmed empty during pendency replay", "")
		_ = r.Store.SetPendencyStatus(p.Month, p.CNPJ, p.DocType, state.PendencyNoData)
		return true
	}

	path, err := r.writeReplayedReport(p, folder, start, report.Data)
	if err != nil {
		logger.Error("saving replayed report failed",
			logger.CNPJ(p.CNPJ), logger.Month(p.Month.String()), logger.Err(err))
		_ = r.Store.UpsertPendency(p.Month, p.CNPJ, p.DocType, state.PendencyPendingProcessing)
		return false
	}

	_ = r.Store.SetReportStatus(p.Month, p.CNPJ, p.DocType, state.ReportSuccessPendency, "", path)
	_ = r.Store.ResolvePendency(p.Month, p.CNPJ, p.DocType)
	// The fresh report invalidates the old listing order.
	_ = r.Store.ResetSkips(p.Month, p.CNPJ, p.DocType)
	logger.Info("pendency resolved",
		logger.CNPJ(p.CNPJ), logger.Month(p.Month.String()), logger.DocType(p.DocType.String()))
	return true
}

func (r *Runner) maxAttempts() int {
	if n := r.Pipeline.Config.MaxPendencyAttempts; n > 0 {
		return n
	}
	return state.DefaultMaxPendencyAttempts
}

// writeReplayedReport lands the xlsx straight in the month tree; the
// replayed month may never be visited again by the company loop.
func (r *Runner) writeReplayedReport(p state.PendingReport, folder string, start time.Time, data []byte) (string, error) {
	dir := filepath.Join(r.Pipeline.Config.PrimaryRoot,
		fmt.Sprintf("%d", start.Year()), folder, fmt.Sprintf("%02d", int(start.Month())),
		p.DocType.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("Relatorio_%s_%s_%02d_%d.xlsx",
		p.DocType, folder, int(start.Month()), start.Year()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ExitCode maps a cycle outcome to the process exit code: 2 for a
// critical failure rate, 1 for a degraded one, 0 otherwise.
func (r *Runner) ExitCode(stats Stats) int {
	r.Config.applyDefaults()
	if r.Config.IgnoreFailureRates {
		return 0
	}
	rate := stats.FailureRate()
	warn := r.Config.FailureThreshold / 2
	if warn < warnFloor {
		warn = warnFloor
	}
	switch {
	case rate >= r.Config.FailureThreshold:
		return 2
	case rate >= warn:
		return 1
	default:
		return 0
	}
}
