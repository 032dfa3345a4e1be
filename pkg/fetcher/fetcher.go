// Package fetcher drives the paged batch download for one company month.
// The skip cursor persisted per (company, type, role) only moves after
// the downloaded page is committed to disk, so a crash between download
// and commit re-fetches the page instead of skipping it.
package fetcher

import (
	"context"
	"fmt"

	"github.com/mvbarbosa/siegsync/internal/logger"
	"github.com/mvbarbosa/siegsync/pkg/archive"
	"github.com/mvbarbosa/siegsync/pkg/fiscal"
	"github.com/mvbarbosa/siegsync/pkg/metrics"
	"github.com/mvbarbosa/siegsync/pkg/siegapi"
	"github.com/mvbarbosa/siegsync/pkg/state"
	"github.com/mvbarbosa/siegsync/pkg/txfile"
)

// DefaultBatchSize is the page size requested from the listing endpoint.
const DefaultBatchSize = 50

// BatchClient is the slice of the API client the fetcher needs.
type BatchClient interface {
	FetchBatch(ctx context.Context, req siegapi.BatchRequest) ([]string, error)
}

// Target identifies one company month and document type to fetch.
type Target struct {
	CNPJ    string
	Folder  string
	Month   state.MonthKey
	DocType fiscal.DocType
}

// RoleResult summarizes one role's cursor run.
type RoleResult struct {
	Role     fiscal.Role
	Expected int
	Fetched  int
	Stats    archive.Stats

	// Incomplete is set when the listing dried up before the expected
	// count was reached. The cursor stays where it is for the next cycle.
	Incomplete bool
}

// Fetcher downloads document pages and commits them transactionally.
type Fetcher struct {
	Client    BatchClient
	Store     *state.Store
	Committer *txfile.Committer

	// BatchSize caps the page size. Zero means DefaultBatchSize.
	BatchSize int
}

func (f *Fetcher) batchSize() int {
	if f.BatchSize > 0 {
		return f.BatchSize
	}
	return DefaultBatchSize
}

// FetchRole pages through the listing for one role until the expected
// count is reached or the listing runs dry. Every page is planned,
// committed, and only then reflected in the skip cursor.
func (f *Fetcher) FetchRole(ctx context.Context, target Target, role fiscal.Role, expected int, planner *archive.Planner) (RoleResult, error) {
	result := RoleResult{Role: role, Expected: expected}

	start, err := target.Month.Time()
	if err != nil {
		return result, err
	}
	end := start.AddDate(0, 1, -1)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		skip, err := f.Store.Skip(target.Month, target.CNPJ, target.DocType, role)
		if err != nil {
			return result, err
		}
		if skip >= expected {
			return result, nil
		}

		take := expected - skip
		if take > f.batchSize() {
			take = f.batchSize()
		}

		blobs, err := f.Client.FetchBatch(ctx, siegapi.BatchRequest{
			DocType: target.DocType,
			Role:    role,
			CNPJ:    target.CNPJ,
			Skip:    skip,
			Take:    take,
			Start:   start,
			End:     end,
		})
		if err != nil {
			return result, fmt.Errorf("fetcher: batch %s/%s skip=%d: %w", target.DocType, role, skip, err)
		}
		if len(blobs) == 0 {
			logger.Warn("listing ended before expected count",
				logger.CNPJ(target.CNPJ), logger.DocType(target.DocType.String()),
				logger.Role(role.String()), logger.Skip(skip), "expected", expected)
			result.Incomplete = true
			return result, nil
		}

		plans, stats := planner.PlanBatch(blobs)
		if err := f.commitPlans(target, plans); err != nil {
			return result, err
		}
		result.Stats.Add(stats)
		result.Fetched += len(blobs)

		// The cursor tracks the upstream listing, so it advances by the
		// page size received even when some payloads were unusable.
		if err := f.Store.AdvanceSkip(target.Month, target.CNPJ, target.DocType, role, len(blobs)); err != nil {
			return result, err
		}
	}
}

// commitPlans writes one page as a single transaction. Document keys are
// registered as imported before the commit so a replayed transaction
// never double-counts them.
func (f *Fetcher) commitPlans(target Target, plans []*archive.Plan) error {
	if len(plans) == 0 {
		return nil
	}

	tx, err := f.Committer.Begin()
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if !plan.IsEvent {
			if err := f.Store.MarkImported(target.Month, target.CNPJ, plan.DocType, plan.Key); err != nil {
				return err
			}
		}
		if err := f.Committer.AddFile(tx, plan.Content, plan.Filename, plan.Targets); err != nil {
			return err
		}
	}

	stats, err := f.Committer.Commit(tx)
	if err != nil {
		metrics.SaveErrors.WithLabelValues("commit").Inc()
		return fmt.Errorf("fetcher: commit page for %s: %w", target.CNPJ, err)
	}
	for _, plan := range plans {
		disposition := "document"
		if plan.IsEvent {
			disposition = "event"
		}
		metrics.DocumentsSaved.WithLabelValues(plan.DocType.String(), disposition).Inc()
	}
	logger.Debug("page committed",
		logger.CNPJ(target.CNPJ), "tx", tx.ID(),
		logger.Saved(stats.FilesCopied), logger.Skipped(stats.SkippedExisting))
	return nil
}

// FetchAll runs every role that applies to the document type, using the
// expected counts from the manifest. Role failures abort the company so
// the cursor and state stay coherent.
func (f *Fetcher) FetchAll(ctx context.Context, target Target, expected map[fiscal.Role]int, planner *archive.Planner) ([]RoleResult, error) {
	var results []RoleResult
	for _, role := range fiscal.RolesFor(target.DocType) {
		count := expected[role]
		if count == 0 {
			continue
		}
		res, err := f.FetchRole(ctx, target, role, count, planner)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
