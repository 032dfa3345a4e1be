// Package pipeline runs the whole monthly flow for one company: report
// download with pendency bookkeeping, cursor-driven batch fetch,
// retroactive import reconciliation, individual recovery, audit append
// and the cancellation-event pass. Companies that keep failing are held
// back by a per-company circuit breaker, and absolute-timeout offenders
// go on a one-hour blacklist so one slow upstream account cannot stall
// the cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mvbarbosa/siegsync/internal/logger"
	"github.com/mvbarbosa/siegsync/pkg/archive"
	"github.com/mvbarbosa/siegsync/pkg/audit"
	"github.com/mvbarbosa/siegsync/pkg/events"
	"github.com/mvbarbosa/siegsync/pkg/fetcher"
	"github.com/mvbarbosa/siegsync/pkg/fiscal"
	"github.com/mvbarbosa/siegsync/pkg/manifest"
	"github.com/mvbarbosa/siegsync/pkg/metrics"
	"github.com/mvbarbosa/siegsync/pkg/recovery"
	"github.com/mvbarbosa/siegsync/pkg/siegapi"
	"github.com/mvbarbosa/siegsync/pkg/state"
	"github.com/mvbarbosa/siegsync/pkg/txfile"
)

const (
	// DefaultReportRetries is how often the report download is attempted
	// within one cycle before a pendency is recorded.
	DefaultReportRetries = 2

	// DefaultReportRetryDelay spaces those attempts.
	DefaultReportRetryDelay = 5 * time.Second

	// DefaultBreakerFailures opens the company breaker.
	DefaultBreakerFailures = 3

	// DefaultBlacklistDuration holds a company back after an absolute
	// timeout.
	DefaultBlacklistDuration = time.Hour

	// prevMonthPassMaxDay is the last day of the month on which the
	// previous month is still verified.
	prevMonthPassMaxDay = 3
)

// ErrCompanySkipped marks a company held back by the breaker or the
// timeout blacklist.
var ErrCompanySkipped = errors.New("pipeline: company skipped")

// APIClient is the full client surface the pipeline needs.
type APIClient interface {
	fetcher.BatchClient
	recovery.DocClient
	events.EventClient
	FetchReport(ctx context.Context, req siegapi.ReportRequest) (*siegapi.Report, error)
}

// Config holds the pipeline's filesystem roots and tunables.
type Config struct {
	PrimaryRoot   string
	FlatRoot      string
	CancelledRoot string

	// TempReportsDir stages downloaded xlsx reports until the company
	// finishes; only then are they copied into the month tree.
	TempReportsDir string

	BatchSize           int
	MaxPendencyAttempts int
	ReportRetries       int
	ReportRetryDelay    time.Duration
	RecoveryPace        time.Duration
	BreakerFailures     int
	BlacklistDuration   time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPendencyAttempts <= 0 {
		c.MaxPendencyAttempts = state.DefaultMaxPendencyAttempts
	}
	if c.ReportRetries <= 0 {
		c.ReportRetries = DefaultReportRetries
	}
	if c.ReportRetryDelay <= 0 {
		c.ReportRetryDelay = DefaultReportRetryDelay
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BlacklistDuration <= 0 {
		c.BlacklistDuration = DefaultBlacklistDuration
	}
}

// Pipeline processes companies one at a time. Safe for sequential use;
// the breaker and blacklist state persist across companies and cycles.
type Pipeline struct {
	Client    APIClient
	Store     *state.Store
	Committer *txfile.Committer
	Config    Config

	// Now is the pipeline clock. Defaults to time.Now.
	Now func() time.Time

	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	blacklist map[string]time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// TypeOutcome is the result for one document type in one month.
type TypeOutcome struct {
	DocType      fiscal.DocType
	Skipped      bool
	ReportStatus string
	Counts       map[fiscal.Role]int
	Validation   *manifest.Validation
	FetchStats   archive.Stats
	Recovery     recovery.Result
	Retroactive  int
}

// MonthResult aggregates one month of one company.
type MonthResult struct {
	Month  state.MonthKey
	Types  map[fiscal.DocType]*TypeOutcome
	Failed bool
}

// CompanyResult is the outcome of one company run.
type CompanyResult struct {
	Company manifest.Company
	Skipped bool
	Failed  bool
	Months  []MonthResult
	Events  *events.Summary

	ReportsCopied int
	ReportsKept   int
}

// pendingReport is a staged xlsx waiting for the company to finish.
type pendingReport struct {
	tempPath string
	destDir  string
	destName string
}

func (p *Pipeline) breaker(cnpj string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.breakers == nil {
		p.breakers = map[string]*gobreaker.CircuitBreaker{}
	}
	cb, ok := p.breakers[cnpj]
	if !ok {
		failures := uint32(p.Config.BreakerFailures)
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cnpj,
			Timeout: p.Config.BlacklistDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		})
		p.breakers[cnpj] = cb
	}
	return cb
}

func (p *Pipeline) blacklisted(cnpj string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.blacklist[cnpj]
	if !ok {
		return 0, false
	}
	remaining := until.Sub(p.now())
	if remaining <= 0 {
		delete(p.blacklist, cnpj)
		return 0, false
	}
	return remaining, true
}

func (p *Pipeline) addToBlacklist(cnpj string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blacklist == nil {
		p.blacklist = map[string]time.Time{}
	}
	p.blacklist[cnpj] = p.now().Add(p.Config.BlacklistDuration)
}

// MonthsToProcess returns the months one company run covers: the
// current month, preceded by the previous month during the first days.
func (p *Pipeline) MonthsToProcess() []state.MonthKey {
	now := p.now()
	months := []state.MonthKey{}
	if now.Day() <= prevMonthPassMaxDay {
		prev := now.AddDate(0, 0, -now.Day())
		months = append(months, state.MonthKeyFor(prev))
	}
	return append(months, state.MonthKeyFor(now))
}

// ProcessCompany runs the full flow for one company. A held-back
// company returns Skipped=true and ErrCompanySkipped.
func (p *Pipeline) ProcessCompany(ctx context.Context, company manifest.Company) (CompanyResult, error) {
	p.Config.applyDefaults()
	result := CompanyResult{Company: company}
	if logger.FromContext(ctx) == nil {
		ctx = logger.WithContext(ctx, logger.NewLogContext(company.Folder, company.CNPJ))
	}

	if remaining, ok := p.blacklisted(company.CNPJ); ok {
		logger.WarnCtx(ctx, "company on timeout blacklist, skipping",
			"remaining", remaining.Round(time.Minute).String())
		result.Skipped = true
		metrics.CompaniesProcessed.WithLabelValues("skipped").Inc()
		return result, ErrCompanySkipped
	}

	_, err := p.breaker(company.CNPJ).Execute(func() (interface{}, error) {
		return nil, p.processCompany(ctx, company, &result)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		logger.WarnCtx(ctx, "company breaker open, skipping")
		result.Skipped = true
		metrics.CompaniesProcessed.WithLabelValues("skipped").Inc()
		return result, ErrCompanySkipped
	case err != nil:
		result.Failed = true
		if errors.Is(err, context.DeadlineExceeded) {
			p.addToBlacklist(company.CNPJ)
			logger.WarnCtx(ctx, "company blacklisted after absolute timeout")
		}
		for _, m := range result.Months {
			_ = p.Store.MarkCompanyFailed(m.Month, company.CNPJ)
		}
		metrics.CompaniesProcessed.WithLabelValues("failed").Inc()
		return result, err
	}
	metrics.CompaniesProcessed.WithLabelValues("success").Inc()
	logger.InfoCtx(ctx, "company processed",
		logger.DurationMs(logger.FromContext(ctx).ElapsedMs()))
	return result, nil
}

func (p *Pipeline) processCompany(ctx context.Context, company manifest.Company, result *CompanyResult) error {
	var staged []pendingReport

	for _, month := range p.MonthsToProcess() {
		monthResult, reports, err := p.processMonth(ctx, company, month)
		result.Months = append(result.Months, monthResult)
		staged = append(staged, reports...)
		if err != nil {
			p.copyStagedReports(staged, result)
			return err
		}
	}

	currentMonth := state.MonthKeyFor(p.now())
	summary, err := p.runEventPass(ctx, company, currentMonth)
	if err != nil {
		p.copyStagedReports(staged, result)
		return err
	}
	result.Events = summary

	p.copyStagedReports(staged, result)
	return nil
}

func (p *Pipeline) runEventPass(ctx context.Context, company manifest.Company, month state.MonthKey) (*events.Summary, error) {
	downloader := &events.Downloader{
		Client:    p.Client,
		Committer: p.Committer,
		BatchSize: p.Config.BatchSize,
	}
	summary, err := downloader.Run(ctx, month, company.CNPJ, p.planner(company))
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (p *Pipeline) planner(company manifest.Company) *archive.Planner {
	currentMonth := state.MonthKeyFor(p.now())
	return &archive.Planner{
		Layout: archive.Layout{
			PrimaryRoot:   p.Config.PrimaryRoot,
			FlatRoot:      p.Config.FlatRoot,
			CancelledRoot: p.Config.CancelledRoot,
		},
		CompanyCNPJ:   company.CNPJ,
		CompanyFolder: company.Folder,
		Now:           p.now,
		AlreadyImported: func(key string, d fiscal.DocType) bool {
			imported, err := p.Store.IsImported(currentMonth, company.CNPJ, d, key)
			return err == nil && imported
		},
	}
}

func (p *Pipeline) monthDir(folder string, month state.MonthKey) (string, time.Time, error) {
	start, err := month.Time()
	if err != nil {
		return "", time.Time{}, err
	}
	dir := filepath.Join(p.Config.PrimaryRoot,
		fmt.Sprintf("%d", start.Year()), folder, fmt.Sprintf("%02d", int(start.Month())))
	return dir, start, nil
}

func (p *Pipeline) processMonth(ctx context.Context, company manifest.Company, month state.MonthKey) (MonthResult, []pendingReport, error) {
	result := MonthResult{Month: month, Types: map[fiscal.DocType]*TypeOutcome{}}
	var staged []pendingReport
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).WithMonth(month.String()))

	monthDir, start, err := p.monthDir(company.Folder, month)
	if err != nil {
		return result, nil, err
	}
	end := start.AddDate(0, 1, -1)

	planner := p.planner(company)

	for _, docType := range fiscal.DocTypes {
		outcome, report, err := p.processType(ctx, company, month, docType, start, end, planner)
		result.Types[docType] = outcome
		if report != nil {
			staged = append(staged, *report)
		}
		if err != nil {
			result.Failed = true
			return result, staged, err
		}
	}

	prev := start.AddDate(0, 0, -1)
	prevDir := filepath.Join(p.Config.PrimaryRoot,
		fmt.Sprintf("%d", prev.Year()), company.Folder, fmt.Sprintf("%02d", int(prev.Month())))

	summary := audit.Summary{
		ExecutedAt:   p.now(),
		CompanyCNPJ:  company.CNPJ,
		CompanyName:  company.Folder,
		PeriodStart:  start,
		PeriodEnd:    end,
		Validations:  map[fiscal.DocType]manifest.Validation{},
		ReportCounts: map[fiscal.DocType]map[fiscal.Role]int{},
		LocalCounts:  audit.CountMonth(monthDir, prevDir),
	}
	recoveryStats := audit.RecoveryStats{Retroactive: map[fiscal.DocType]int{}}
	for docType, outcome := range result.Types {
		if outcome.Validation != nil {
			summary.Validations[docType] = *outcome.Validation
		}
		if len(outcome.Counts) > 0 {
			summary.ReportCounts[docType] = outcome.Counts
		}
		recoveryStats.Attempted += len(outcome.Recovery.Recovered) + len(outcome.Recovery.NotFound) + len(outcome.Recovery.Failed)
		recoveryStats.Succeeded += len(outcome.Recovery.Recovered)
		recoveryStats.FailedFetch += len(outcome.Recovery.NotFound) + len(outcome.Recovery.Failed)
		recoveryStats.Retroactive[docType] = outcome.Retroactive
		summary.Errors.Parse += outcome.FetchStats.ParseErrors
		summary.Errors.Info += outcome.FetchStats.InfoErrors
	}
	if recoveryStats.Attempted > 0 || recoveryStats.Retroactive[fiscal.DocTypeNFe]+recoveryStats.Retroactive[fiscal.DocTypeCTe] > 0 {
		summary.Recovery = &recoveryStats
	}

	auditPath := filepath.Join(monthDir, audit.SummaryFilename(company.Folder, start.Year(), start.Month()))
	if err := audit.Append(auditPath, summary); err != nil {
		logger.ErrorCtx(ctx, "failed to append audit summary",
			logger.Path(auditPath), logger.Err(err))
	}
	return result, staged, nil
}

// processType handles one document type of one month: pendency gate,
// report download, batch fetch, reconciliation and recovery.
func (p *Pipeline) processType(ctx context.Context, company manifest.Company, month state.MonthKey, docType fiscal.DocType, start, end time.Time, planner *archive.Planner) (*TypeOutcome, *pendingReport, error) {
	outcome := &TypeOutcome{DocType: docType}
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).WithDocType(docType.String()))

	pendency, exists, err := p.Store.PendencyFor(month, company.CNPJ, docType)
	if err != nil {
		return outcome, nil, err
	}
	if exists {
		switch pendency.Status {
		case state.PendencyNoData:
			outcome.Skipped = true
			outcome.ReportStatus = state.ReportSkippedNoData
			_ = p.Store.SetReportStatus(month, company.CNPJ, docType, state.ReportSkippedNoData,
				"confirmed empty in a previous cycle", "")
			return outcome, nil, nil
		case state.PendencyMaxAttempts:
			outcome.Skipped = true
			outcome.ReportStatus = state.ReportSkippedMaxAttempts
			_ = p.Store.SetReportStatus(month, company.CNPJ, docType, state.ReportSkippedMaxAttempts,
				"download attempts exhausted in previous cycles", "")
			return outcome, nil, nil
		}
	}

	report, staged, err := p.downloadReport(ctx, company, month, docType, start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return outcome, staged, err
		}
		// Pendency recorded; the type is retried next cycle.
		if st, ok, stErr := p.Store.ReportStatusFor(month, company.CNPJ, docType); stErr == nil && ok {
			outcome.ReportStatus = st.Status
		}
		return outcome, staged, nil
	}
	if report == nil {
		// Upstream confirmed the month has no documents of this type.
		outcome.ReportStatus = state.ReportNoData
		return outcome, staged, nil
	}
	outcome.ReportStatus = state.ReportSuccessTemp

	m, err := manifest.Read(staged.tempPath)
	if err != nil {
		logger.ErrorCtx(ctx, "report saved but unreadable", logger.Err(err))
		_ = p.upsertPendencyCapped(month, company.CNPJ, docType, state.PendencyPendingProcessing)
		_ = p.Store.SetReportStatus(month, company.CNPJ, docType, state.ReportFailedRead, err.Error(), staged.tempPath)
		outcome.ReportStatus = state.ReportFailedRead
		return outcome, staged, nil
	}

	outcome.Counts = m.CountsByRole(company.CNPJ, docType)

	f := &fetcher.Fetcher{
		Client:    p.Client,
		Store:     p.Store,
		Committer: p.Committer,
		BatchSize: p.Config.BatchSize,
	}
	target := fetcher.Target{CNPJ: company.CNPJ, Folder: company.Folder, Month: month, DocType: docType}
	results, err := f.FetchAll(ctx, target, outcome.Counts, planner)
	for _, r := range results {
		outcome.FetchStats.Add(r.Stats)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return outcome, staged, err
		}
		logger.WarnCtx(ctx, "batch fetch interrupted, continuing with reconciliation",
			logger.Err(err))
	}

	monthDir, _, err := p.monthDir(company.Folder, month)
	if err != nil {
		return outcome, staged, err
	}
	typeDir := filepath.Join(monthDir, docType.String())

	localKeys, err := audit.LocalKeys(typeDir)
	if err != nil {
		return outcome, staged, err
	}
	retro, err := p.markRetroactive(month, company.CNPJ, docType, localKeys)
	if err != nil {
		return outcome, staged, err
	}
	outcome.Retroactive = retro

	validation := m.ValidateAgainstLocal(localKeys, start, end, company.CNPJ, docType)
	outcome.Validation = &validation

	if len(validation.MissingValid) > 0 {
		r := &recovery.Recoverer{
			Client:    p.Client,
			Store:     p.Store,
			Committer: p.Committer,
			Pace:      p.Config.RecoveryPace,
		}
		recovered, err := r.Recover(ctx, month, company.CNPJ, validation.MissingValid, planner)
		outcome.Recovery = recovered
		if err != nil {
			return outcome, staged, err
		}
		if len(recovered.Recovered) > 0 {
			localKeys, err = audit.LocalKeys(typeDir)
			if err != nil {
				return outcome, staged, err
			}
			validation = m.ValidateAgainstLocal(localKeys, start, end, company.CNPJ, docType)
			outcome.Validation = &validation
		}
	}
	return outcome, staged, nil
}

// markRetroactive overwrites the imported key set with everything found
// on disk, returning how many keys were not registered before.
func (p *Pipeline) markRetroactive(month state.MonthKey, cnpj string, docType fiscal.DocType, localKeys map[string]struct{}) (int, error) {
	if len(localKeys) == 0 {
		return 0, nil
	}
	known, err := p.Store.ImportedKeys(month, cnpj, docType)
	if err != nil {
		return 0, err
	}
	knownSet := make(map[string]struct{}, len(known))
	for _, k := range known {
		knownSet[k] = struct{}{}
	}
	missing := 0
	keys := make([]string, 0, len(localKeys))
	for k := range localKeys {
		keys = append(keys, k)
		if _, ok := knownSet[k]; !ok {
			missing++
		}
	}
	if err := p.Store.ReplaceImportedKeys(month, cnpj, docType, keys); err != nil {
		return 0, err
	}
	if missing > 0 {
		logger.Info("retroactively registered local documents",
			logger.CNPJ(cnpj), logger.DocType(docType.String()),
			logger.Month(month.String()), "keys", missing)
	}
	return missing, nil
}

// downloadReport fetches the monthly xlsx, staging it in the temp dir.
// A nil report with nil error means the upstream confirmed no data.
func (p *Pipeline) downloadReport(ctx context.Context, company manifest.Company, month state.MonthKey, docType fiscal.DocType, start time.Time) (*siegapi.Report, *pendingReport, error) {
	var lastErr error
	stageFailed := false
	for attempt := 1; attempt <= p.Config.ReportRetries; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.Config.ReportRetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, nil, ctx.Err()
			case <-timer.C:
			}
		}

		report, err := p.Client.FetchReport(ctx, siegapi.ReportRequest{
			CNPJ:    company.CNPJ,
			DocType: docType,
			Year:    start.Year(),
			Month:   start.Month(),
		})
		if err != nil {
			lastErr = err
			stageFailed = false
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil, nil, err
			}
			logger.WarnCtx(ctx, "report download attempt failed",
				logger.Attempt(attempt), logger.Err(err))
			continue
		}

		if report.Empty {
			_ = p.Store.SetReportStatus(month, company.CNPJ, docType, state.ReportNoData,
				"upstream: no documents for the month", "")
			// Parked so later cycles skip the month without a report call.
			_ = p.Store.ParkPendency(month, company.CNPJ, docType, state.PendencyNoData)
			return nil, nil, nil
		}

		staged, err := p.stageReport(company, month, docType, start, report.Data)
		if err != nil {
			lastErr = err
			stageFailed = true
			logger.ErrorCtx(ctx, "failed to stage report", logger.Err(err))
			_ = p.upsertPendencyCapped(month, company.CNPJ, docType, state.PendencyPendingProcessing)
			_ = p.Store.SetReportStatus(month, company.CNPJ, docType, state.ReportFailedSave, err.Error(), "")
			continue
		}

		_ = p.Store.SetReportStatus(month, company.CNPJ, docType, state.ReportSuccessTemp, "", staged.tempPath)
		_ = p.Store.ResolvePendency(month, company.CNPJ, docType)
		return report, staged, nil
	}

	if !stageFailed {
		_ = p.upsertPendencyCapped(month, company.CNPJ, docType, state.PendencyPendingAPI)
		_ = p.Store.SetReportStatus(month, company.CNPJ, docType, state.ReportFailedAPI,
			fmt.Sprintf("download failed after %d attempts", p.Config.ReportRetries), "")
	}
	return nil, nil, fmt.Errorf("pipeline: report %s/%s %s: %w", company.CNPJ, docType, month, lastErr)
}

// upsertPendencyCapped bumps the pendency and parks it once the attempt
// ceiling is reached.
func (p *Pipeline) upsertPendencyCapped(month state.MonthKey, cnpj string, docType fiscal.DocType, status string) error {
	if err := p.Store.UpsertPendency(month, cnpj, docType, status); err != nil {
		return err
	}
	pendency, ok, err := p.Store.PendencyFor(month, cnpj, docType)
	if err != nil || !ok {
		return err
	}
	if pendency.Attempts >= p.Config.MaxPendencyAttempts {
		logger.Warn("pendency reached attempt ceiling",
			logger.CNPJ(cnpj), logger.DocType(docType.String()),
			logger.Month(month.String()), "attempts", pendency.Attempts)
		return p.Store.SetPendencyStatus(month, cnpj, docType, state.PendencyMaxAttempts)
	}
	return nil
}

func (p *Pipeline) stageReport(company manifest.Company, month state.MonthKey, docType fiscal.DocType, start time.Time, data []byte) (*pendingReport, error) {
	if err := os.MkdirAll(p.Config.TempReportsDir, 0o755); err != nil {
		return nil, err
	}
	tempName := fmt.Sprintf("%s_%s_%s_%s.xlsx",
		company.CNPJ, docType, month, p.now().Format("20060102_150405"))
	tempPath := filepath.Join(p.Config.TempReportsDir, tempName)
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return nil, err
	}

	monthDir, _, err := p.monthDir(company.Folder, month)
	if err != nil {
		return nil, err
	}
	return &pendingReport{
		tempPath: tempPath,
		destDir:  filepath.Join(monthDir, docType.String()),
		destName: fmt.Sprintf("Relatorio_%s_%s_%02d_%d.xlsx",
			docType, company.Folder, int(start.Month()), start.Year()),
	}, nil
}

// copyStagedReports moves the staged xlsx files into the month tree.
// Copies that fail (destination open in a spreadsheet, typically) keep
// their temp file for the next run.
func (p *Pipeline) copyStagedReports(staged []pendingReport, result *CompanyResult) {
	for _, report := range staged {
		if err := copyReport(report.tempPath, filepath.Join(report.destDir, report.destName)); err != nil {
			logger.Warn("report kept in temp dir",
				"temp", report.tempPath, "dest", report.destDir, logger.Err(err))
			result.ReportsKept++
			continue
		}
		os.Remove(report.tempPath)
		result.ReportsCopied++
	}
}

func copyReport(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
