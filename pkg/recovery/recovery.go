// Package recovery downloads individual documents the batch pass missed.
// Keys come from reconciling the monthly manifest against the archive;
// each one is fetched alone, paced well below the API's throttle, and
// committed through the same transactional path as batch pages.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/mvbarbosa/siegsync/internal/logger"
	"github.com/mvbarbosa/siegsync/pkg/archive"
	"github.com/mvbarbosa/siegsync/pkg/fiscal"
	"github.com/mvbarbosa/siegsync/pkg/metrics"
	"github.com/mvbarbosa/siegsync/pkg/siegapi"
	"github.com/mvbarbosa/siegsync/pkg/state"
	"github.com/mvbarbosa/siegsync/pkg/txfile"
)

// DefaultPace is the spacing between individual downloads, slightly over
// the client's own rate interval so recovery never trips the throttle.
const DefaultPace = 2100 * time.Millisecond

// DocClient is the slice of the API client recovery needs.
type DocClient interface {
	FetchDocument(ctx context.Context, key fiscal.Key, withEvents bool) ([]byte, error)
}

// Result lists the outcome per key.
type Result struct {
	Recovered []string
	NotFound  []string
	Failed    []string
}

// Recoverer fetches missing documents one by one.
type Recoverer struct {
	Client    DocClient
	Store     *state.Store
	Committer *txfile.Committer

	// Pace is the wait between downloads. Zero means DefaultPace.
	Pace time.Duration
}

func (r *Recoverer) pace() time.Duration {
	if r.Pace > 0 {
		return r.Pace
	}
	return DefaultPace
}

// Recover downloads each key and archives it. Invalid keys and upstream
// misses are recorded, not fatal; only context cancellation and commit
// failures abort the run.
func (r *Recoverer) Recover(ctx context.Context, month state.MonthKey, cnpj string, keys []string, planner *archive.Planner) (Result, error) {
	var result Result

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i, raw := range keys {
		if i > 0 {
			timer.Reset(r.pace())
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-timer.C:
			}
		}

		key, err := fiscal.ParseKey(raw)
		if err != nil {
			logger.Warn("skipping malformed key in recovery", logger.CNPJ(cnpj), logger.DocKey(raw))
			result.Failed = append(result.Failed, raw)
			continue
		}

		payload, err := r.Client.FetchDocument(ctx, key, true)
		switch {
		case errors.Is(err, siegapi.ErrDocumentNotFound):
			result.NotFound = append(result.NotFound, raw)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			logger.Warn("individual download failed",
				logger.CNPJ(cnpj), logger.DocKey(raw), logger.Err(err))
			result.Failed = append(result.Failed, raw)
			continue
		}

		plan, err := planner.Plan(payload)
		if err != nil {
			logger.Warn("recovered payload not archivable",
				logger.CNPJ(cnpj), logger.DocKey(raw), logger.Err(err))
			metrics.SaveErrors.WithLabelValues("recovery").Inc()
			result.Failed = append(result.Failed, raw)
			continue
		}

		if err := r.commit(month, cnpj, plan); err != nil {
			return result, err
		}
		metrics.DocumentsSaved.WithLabelValues(plan.DocType.String(), "recovered").Inc()
		result.Recovered = append(result.Recovered, raw)
	}

	if len(result.NotFound)+len(result.Failed) > 0 {
		logger.Info("recovery pass finished with gaps",
			logger.CNPJ(cnpj), logger.Month(month.String()),
			"recovered", len(result.Recovered),
			"not_found", len(result.NotFound),
			"failed", len(result.Failed))
	}
	return result, nil
}

func (r *Recoverer) commit(month state.MonthKey, cnpj string, plan *archive.Plan) error {
	tx, err := r.Committer.Begin()
	if err != nil {
		return err
	}
	if !plan.IsEvent {
		if err := r.Store.MarkImported(month, cnpj, plan.DocType, plan.Key); err != nil {
			return err
		}
	}
	if err := r.Committer.AddFile(tx, plan.Content, plan.Filename, plan.Targets); err != nil {
		return err
	}
	if _, err := r.Committer.Commit(tx); err != nil {
		metrics.SaveErrors.WithLabelValues("commit").Inc()
		return err
	}
	return nil
}
