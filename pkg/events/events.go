// Package events downloads cancellation events for a company month. The
// upstream has no combined listing, so the pass walks a fixed grid of
// (document type, role, event code) combinations, paging each until it
// runs dry. Combinations fail independently; one bad role never blocks
// the rest of the grid.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/mvbarbosa/siegsync/internal/logger"
	"github.com/mvbarbosa/siegsync/pkg/archive"
	"github.com/mvbarbosa/siegsync/pkg/fiscal"
	"github.com/mvbarbosa/siegsync/pkg/metrics"
	"github.com/mvbarbosa/siegsync/pkg/siegapi"
	"github.com/mvbarbosa/siegsync/pkg/state"
	"github.com/mvbarbosa/siegsync/pkg/txfile"
)

// DefaultBatchSize is the page size for the event listing.
const DefaultBatchSize = 50

// EventClient is the slice of the API client the event pass needs.
type EventClient interface {
	FetchEvents(ctx context.Context, req siegapi.EventRequest) ([]string, error)
}

// Combination is one cell of the download grid.
type Combination struct {
	DocType   fiscal.DocType
	Role      fiscal.Role
	EventType string
}

func (c Combination) String() string {
	return fmt.Sprintf("%s/%s/%s", c.DocType, c.Role, c.EventType)
}

// Grid returns the full set of combinations worth querying. NFe knows
// two cancellation codes; CTe has its own code plus 110111, which some
// emitters reuse, and adds the service-taker role.
func Grid() []Combination {
	var grid []Combination
	for _, role := range fiscal.RolesFor(fiscal.DocTypeNFe) {
		for _, event := range []string{fiscal.EventCancelNFe, fiscal.EventCancelSubstNFe} {
			grid = append(grid, Combination{fiscal.DocTypeNFe, role, event})
		}
	}
	for _, role := range fiscal.RolesFor(fiscal.DocTypeCTe) {
		for _, event := range []string{fiscal.EventCancelCTe, fiscal.EventCancelNFe} {
			grid = append(grid, Combination{fiscal.DocTypeCTe, role, event})
		}
	}
	return grid
}

// Summary aggregates one grid run.
type Summary struct {
	Saved       int
	Orphans     int
	Skipped     int
	FailedCells int
	Stats       archive.Stats
}

// Downloader runs the cancellation grid for one company.
type Downloader struct {
	Client    EventClient
	Committer *txfile.Committer

	// BatchSize caps the page size. Zero means DefaultBatchSize.
	BatchSize int
}

func (d *Downloader) batchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return DefaultBatchSize
}

// Run walks the grid for the month. Only context cancellation aborts;
// per-combination failures are counted and logged.
func (d *Downloader) Run(ctx context.Context, month state.MonthKey, cnpj string, planner *archive.Planner) (Summary, error) {
	var summary Summary

	start, err := month.Time()
	if err != nil {
		return summary, err
	}
	end := start.AddDate(0, 1, -1)

	for _, cell := range Grid() {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := d.runCell(ctx, cell, cnpj, start, end, planner, &summary); err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.FailedCells++
			logger.Warn("event combination failed",
				logger.CNPJ(cnpj), "combination", cell.String(), logger.Err(err))
		}
	}
	return summary, nil
}

// runCell pages one combination until an empty page.
func (d *Downloader) runCell(ctx context.Context, cell Combination, cnpj string, start, end time.Time, planner *archive.Planner, summary *Summary) error {
	skip := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		blobs, err := d.Client.FetchEvents(ctx, siegapi.EventRequest{
			DocType:   cell.DocType,
			Role:      cell.Role,
			CNPJ:      cnpj,
			EventType: cell.EventType,
			Skip:      skip,
			Take:      d.batchSize(),
			Start:     start,
			End:       end,
		})
		if err != nil {
			return err
		}
		if len(blobs) == 0 {
			return nil
		}

		plans, stats := planner.PlanBatch(blobs)
		if err := d.commit(cnpj, plans); err != nil {
			return err
		}
		summary.Stats.Add(stats)
		summary.Saved += stats.Planned
		summary.Skipped += stats.SkippedEvents
		// Orphans are events whose original is not archived yet; they are
		// retried on the next cycle because the grid has no cursor.
		summary.Orphans += stats.InfoErrors

		skip += len(blobs)
		if len(blobs) < d.batchSize() {
			return nil
		}
	}
}

func (d *Downloader) commit(cnpj string, plans []*archive.Plan) error {
	if len(plans) == 0 {
		return nil
	}
	tx, err := d.Committer.Begin()
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if err := d.Committer.AddFile(tx, plan.Content, plan.Filename, plan.Targets); err != nil {
			return err
		}
	}
	if _, err := d.Committer.Commit(tx); err != nil {
		metrics.SaveErrors.WithLabelValues("commit").Inc()
		return err
	}
	for _, plan := range plans {
		metrics.DocumentsSaved.WithLabelValues(plan.DocType.String(), "event").Inc()
	}
	return nil
}
