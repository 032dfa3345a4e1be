package cycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
	"github.com/mvbarbosa/siegsync/pkg/manifest"
	"github.com/mvbarbosa/siegsync/pkg/pipeline"
	"github.com/mvbarbosa/siegsync/pkg/siegapi"
	"github.com/mvbarbosa/siegsync/pkg/state"
	"github.com/mvbarbosa/siegsync/pkg/txfile"
)

const (
	companyCNPJ = "12345678000195"
	folder      = "ACME LTDA"
)

type stubAPI struct {
	reportFn    func(req siegapi.ReportRequest) (*siegapi.Report, error)
	reportCalls []siegapi.ReportRequest
}

func (s *stubAPI) FetchReport(_ context.Context, req siegapi.ReportRequest) (*siegapi.Report, error) {
	s.reportCalls = append(s.reportCalls, req)
	if s.reportFn != nil {
		return s.reportFn(req)
	}
	return &siegapi.Report{Empty: true}, nil
}

func (s *stubAPI) FetchBatch(context.Context, siegapi.BatchRequest) ([]string, error) {
	return nil, nil
}

func (s *stubAPI) FetchDocument(context.Context, fiscal.Key, bool) ([]byte, error) {
	return nil, siegapi.ErrDocumentNotFound
}

func (s *stubAPI) FetchEvents(context.Context, siegapi.EventRequest) ([]string, error) {
	return nil, nil
}

func newRunner(t *testing.T, api pipeline.APIClient) (*Runner, string) {
	t.Helper()
	root := t.TempDir()
	store, err := state.Open(filepath.Join(root, "state"))
	require.NoError(t, err)
	committer, err := txfile.NewCommitter(filepath.Join(root, "tx"))
	require.NoError(t, err)

	p := &pipeline.Pipeline{
		Client:    api,
		Store:     store,
		Committer: committer,
		Config: pipeline.Config{
			PrimaryRoot:      filepath.Join(root, "xmls"),
			FlatRoot:         filepath.Join(root, "flat"),
			CancelledRoot:    filepath.Join(root, "cancelled"),
			TempReportsDir:   filepath.Join(root, "temp_reports"),
			ReportRetryDelay: time.Millisecond,
			RecoveryPace:     time.Millisecond,
		},
		Now: func() time.Time { return time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC) },
	}
	return &Runner{Pipeline: p, Client: api, Store: store, Committer: committer}, root
}

func companies() []manifest.Company {
	return []manifest.Company{{CNPJ: companyCNPJ, Folder: folder}}
}

func TestRunAllEmptyReports(t *testing.T) {
	api := &stubAPI{}
	r, _ := newRunner(t, api)

	stats, err := r.Run(context.Background(), companies())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Companies)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.PendenciesReplayed)
}

func TestRunReplaysPendencyWithData(t *testing.T) {
	api := &stubAPI{}
	api.reportFn = func(req siegapi.ReportRequest) (*siegapi.Report, error) {
		if req.Month == time.January {
			return &siegapi.Report{Data: []byte("xlsx-bytes")}, nil
		}
		return &siegapi.Report{Empty: true}, nil
	}
	r, root := newRunner(t, api)

	require.NoError(t, r.Store.UpsertPendency("01-2024", companyCNPJ, fiscal.DocTypeNFe, state.PendencyPendingAPI))
	require.NoError(t, r.Store.AdvanceSkip("01-2024", companyCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente, 40))

	stats, err := r.Run(context.Background(), companies())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PendenciesReplayed)
	assert.Equal(t, 1, stats.PendenciesResolved)

	_, open, perr := r.Store.PendencyFor("01-2024", companyCNPJ, fiscal.DocTypeNFe)
	require.NoError(t, perr)
	assert.False(t, open)

	st, found, serr := r.Store.ReportStatusFor("01-2024", companyCNPJ, fiscal.DocTypeNFe)
	require.NoError(t, serr)
	require.True(t, found)
	assert.Equal(t, state.ReportSuccessPendency, st.Status)
	assert.FileExists(t, filepath.Join(root, "xmls", "2024", folder, "01", "NFe",
		fmt.Sprintf("Relatorio_NFe_%s_01_2024.xlsx", folder)))

	skip, skerr := r.Store.Skip("01-2024", companyCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente)
	require.NoError(t, skerr)
	assert.Zero(t, skip, "fresh report resets the listing cursors")
}

func TestRunReplayEmptyConfirmsNoData(t *testing.T) {
	api := &stubAPI{}
	r, _ := newRunner(t, api)
	require.NoError(t, r.Store.UpsertPendency("01-2024", companyCNPJ, fiscal.DocTypeCTe, state.PendencyPendingAPI))

	stats, err := r.Run(context.Background(), companies())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PendenciesResolved)
	pendency, open, perr := r.Store.PendencyFor("01-2024", companyCNPJ, fiscal.DocTypeCTe)
	require.NoError(t, perr)
	require.True(t, open)
	assert.Equal(t, state.PendencyNoData, pendency.Status, "parked so future cycles skip the month")
}

func TestRunReplayFailureParksAtCeiling(t *testing.T) {
	api := &stubAPI{}
	api.reportFn = func(req siegapi.ReportRequest) (*siegapi.Report, error) {
		if req.Month == time.January {
			return nil, errors.New("still down")
		}
		return &siegapi.Report{Empty: true}, nil
	}
	r, _ := newRunner(t, api)
	r.Pipeline.Config.MaxPendencyAttempts = 3

	for i := 0; i < 2; i++ {
		require.NoError(t, r.Store.UpsertPendency("01-2024", companyCNPJ, fiscal.DocTypeNFe, state.PendencyPendingAPI))
	}

	stats, err := r.Run(context.Background(), companies())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PendenciesReplayed)
	assert.Zero(t, stats.PendenciesResolved)

	pendency, open, perr := r.Store.PendencyFor("01-2024", companyCNPJ, fiscal.DocTypeNFe)
	require.NoError(t, perr)
	require.True(t, open)
	assert.Equal(t, state.PendencyMaxAttempts, pendency.Status)
	assert.Equal(t, 3, pendency.Attempts)
}

func TestRunSkipsPendencyMissingFromRoster(t *testing.T) {
	api := &stubAPI{}
	r, _ := newRunner(t, api)
	require.NoError(t, r.Store.UpsertPendency("01-2024", "99999999000191", fiscal.DocTypeNFe, state.PendencyPendingAPI))

	stats, err := r.Run(context.Background(), companies())
	require.NoError(t, err)
	assert.Zero(t, stats.PendenciesReplayed, "unknown companies are left untouched")
}

func TestRunWritesCompanyLog(t *testing.T) {
	api := &stubAPI{}
	r, root := newRunner(t, api)
	r.Config.CompanyLogDir = filepath.Join(root, "logs")

	_, err := r.Run(context.Background(), companies())
	require.NoError(t, err)

	matches, globErr := filepath.Glob(filepath.Join(root, "logs", "*", folder, "empresa.log"))
	require.NoError(t, globErr)
	assert.Len(t, matches, 1, "one log file per company per month")
}

func TestRunSeedResetsMonths(t *testing.T) {
	api := &stubAPI{}
	r, _ := newRunner(t, api)
	r.Config.Seed = true
	prompted := false
	r.Config.Confirm = func(string) (bool, error) {
		prompted = true
		return true, nil
	}
	require.NoError(t, r.Store.AdvanceSkip("03-2024", companyCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente, 10))

	_, err := r.Run(context.Background(), companies())
	require.NoError(t, err)

	assert.True(t, prompted)
	assert.False(t, r.Config.Seed, "seeding applies to the first cycle only")
	skip, skerr := r.Store.Skip("03-2024", companyCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente)
	require.NoError(t, skerr)
	assert.Zero(t, skip)
}

func TestRunSeedDeclined(t *testing.T) {
	api := &stubAPI{}
	r, _ := newRunner(t, api)
	r.Config.Seed = true
	r.Config.Confirm = func(string) (bool, error) { return false, nil }

	_, err := r.Run(context.Background(), companies())
	assert.ErrorIs(t, err, ErrSeedDeclined)
}

func TestFailureRateExcludesSkipped(t *testing.T) {
	s := Stats{Companies: 10, Succeeded: 4, Failed: 2, Skipped: 4}
	assert.InDelta(t, 33.3, s.FailureRate(), 0.1)

	empty := Stats{Companies: 3, Skipped: 3}
	assert.Zero(t, empty.FailureRate())
}

func TestExitCode(t *testing.T) {
	r := &Runner{}

	assert.Equal(t, 0, r.ExitCode(Stats{Companies: 10, Succeeded: 10}))
	assert.Equal(t, 1, r.ExitCode(Stats{Companies: 10, Succeeded: 7, Failed: 3}))
	assert.Equal(t, 2, r.ExitCode(Stats{Companies: 10, Succeeded: 4, Failed: 6}))

	r.Config.IgnoreFailureRates = true
	assert.Equal(t, 0, r.ExitCode(Stats{Companies: 10, Failed: 10}))
}

func TestExitCodeCustomThreshold(t *testing.T) {
	r := &Runner{Config: Config{FailureThreshold: 80}}
	assert.Equal(t, 1, r.ExitCode(Stats{Companies: 10, Succeeded: 5, Failed: 5}), "above the 40% warn line")
	assert.Equal(t, 2, r.ExitCode(Stats{Companies: 10, Succeeded: 1, Failed: 9}))
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	api := &stubAPI{}
	r, _ := newRunner(t, api)
	r.Config.LoopInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunLoop(ctx, companies()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}

	assert.NotEmpty(t, api.reportCalls, "at least one cycle ran before cancel")
}
