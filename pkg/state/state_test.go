package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
)

const (
	testCNPJ = "12345678000195"
	testKey1 = "35240311111111111111551000000010000000010000"
	testKey2 = "35240311111111111111551000000020000000020000"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestMonthKeyFor(t *testing.T) {
	k := MonthKeyFor(time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, MonthKey("03-2024"), k)
}

func TestNormalizeMonthKey(t *testing.T) {
	tests := []struct {
		in      string
		want    MonthKey
		wantErr bool
	}{
		{in: "03-2024", want: "03-2024"},
		{in: "2024-03", want: "03-2024"},
		{in: "3-2024", want: "03-2024"},
		{in: "12-2023", want: "12-2023"},
		{in: "13-2024", wantErr: true},
		{in: "2024", wantErr: true},
		{in: "abc-2024", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeMonthKey(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestMonthKeyTime(t *testing.T) {
	ts, err := MonthKey("03-2024").Time()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), ts)
}

func TestSkipCursor(t *testing.T) {
	s := openStore(t)
	month := MonthKey("03-2024")

	skip, err := s.Skip(month, testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente)
	require.NoError(t, err)
	assert.Zero(t, skip)

	require.NoError(t, s.AdvanceSkip(month, testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente, 50))
	require.NoError(t, s.AdvanceSkip(month, testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente, 30))

	skip, err = s.Skip(month, testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente)
	require.NoError(t, err)
	assert.Equal(t, 80, skip)

	// Other roles and types are independent cursors.
	skip, err = s.Skip(month, testCNPJ, fiscal.DocTypeNFe, fiscal.RoleDestinatario)
	require.NoError(t, err)
	assert.Zero(t, skip)
}

func TestResetSkips(t *testing.T) {
	s := openStore(t)
	month := MonthKey("03-2024")

	require.NoError(t, s.AdvanceSkip(month, testCNPJ, fiscal.DocTypeCTe, fiscal.RoleEmitente, 50))
	require.NoError(t, s.AdvanceSkip(month, testCNPJ, fiscal.DocTypeCTe, fiscal.RoleTomador, 100))
	require.NoError(t, s.ResetSkips(month, testCNPJ, fiscal.DocTypeCTe))

	for _, role := range fiscal.RolesFor(fiscal.DocTypeCTe) {
		skip, err := s.Skip(month, testCNPJ, fiscal.DocTypeCTe, role)
		require.NoError(t, err)
		assert.Zero(t, skip, role)
	}
}

func TestImportedKeys(t *testing.T) {
	s := openStore(t)
	month := MonthKey("03-2024")

	ok, err := s.IsImported(month, testCNPJ, fiscal.DocTypeNFe, testKey1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkImported(month, testCNPJ, fiscal.DocTypeNFe, testKey1))
	require.NoError(t, s.MarkImported(month, testCNPJ, fiscal.DocTypeNFe, testKey1), "duplicate mark is a no-op")
	require.NoError(t, s.MarkImported(month, testCNPJ, fiscal.DocTypeNFe, testKey2))

	ok, err = s.IsImported(month, testCNPJ, fiscal.DocTypeNFe, testKey1)
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := s.ImportedCount(month, testCNPJ, fiscal.DocTypeNFe)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReplaceImportedKeys(t *testing.T) {
	s := openStore(t)
	month := MonthKey("03-2024")

	require.NoError(t, s.MarkImported(month, testCNPJ, fiscal.DocTypeNFe, testKey1))
	require.NoError(t, s.ReplaceImportedKeys(month, testCNPJ, fiscal.DocTypeNFe, []string{testKey2}))

	ok, err := s.IsImported(month, testCNPJ, fiscal.DocTypeNFe, testKey1)
	require.NoError(t, err)
	assert.False(t, ok, "replaced set drops stale keys")

	keys, err := s.ImportedKeys(month, testCNPJ, fiscal.DocTypeNFe)
	require.NoError(t, err)
	assert.Equal(t, []string{testKey2}, keys)
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	month := MonthKey("03-2024")

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.AdvanceSkip(month, testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente, 50))
	require.NoError(t, s.MarkImported(month, testCNPJ, fiscal.DocTypeNFe, testKey1))

	reopened, err := Open(dir)
	require.NoError(t, err)

	skip, err := reopened.Skip(month, testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente)
	require.NoError(t, err)
	assert.Equal(t, 50, skip)

	ok, err := reopened.IsImported(month, testCNPJ, fiscal.DocTypeNFe, testKey1)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []MonthKey{month}, reopened.Months())
}

func TestPendencyLifecycle(t *testing.T) {
	s := openStore(t)
	month := MonthKey("03-2024")

	require.NoError(t, s.UpsertPendency(month, testCNPJ, fiscal.DocTypeNFe, PendencyPendingAPI))
	require.NoError(t, s.UpsertPendency(month, testCNPJ, fiscal.DocTypeNFe, PendencyPendingAPI))

	p, ok, err := s.PendencyFor(month, testCNPJ, fiscal.DocTypeNFe)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, p.Attempts)
	assert.Equal(t, PendencyPendingAPI, p.Status)

	pending, err := s.ListPendingReports()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, testCNPJ, pending[0].CNPJ)
	assert.Equal(t, month, pending[0].Month)
	assert.Equal(t, fiscal.DocTypeNFe, pending[0].DocType)

	// Parked pendencies stop showing up in the retry list.
	require.NoError(t, s.SetPendencyStatus(month, testCNPJ, fiscal.DocTypeNFe, PendencyNoData))
	pending, err = s.ListPendingReports()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.ResolvePendency(month, testCNPJ, fiscal.DocTypeNFe))
	_, ok, err = s.PendencyFor(month, testCNPJ, fiscal.DocTypeNFe)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParkPendency(t *testing.T) {
	s := openStore(t)
	month := MonthKey("03-2024")

	require.NoError(t, s.ParkPendency(month, testCNPJ, fiscal.DocTypeCTe, PendencyNoData))

	p, ok, err := s.PendencyFor(month, testCNPJ, fiscal.DocTypeCTe)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PendencyNoData, p.Status)
	assert.Zero(t, p.Attempts, "confirming an empty month is not a retry attempt")

	pending, err := s.ListPendingReports()
	require.NoError(t, err)
	assert.Empty(t, pending, "parked pendencies are not replayed")

	// Parking an existing pendency keeps its attempt history.
	require.NoError(t, s.UpsertPendency(month, testCNPJ, fiscal.DocTypeNFe, PendencyPendingAPI))
	require.NoError(t, s.ParkPendency(month, testCNPJ, fiscal.DocTypeNFe, PendencyNoData))
	p, ok, err = s.PendencyFor(month, testCNPJ, fiscal.DocTypeNFe)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PendencyNoData, p.Status)
	assert.Equal(t, 1, p.Attempts)
}

func TestReportStatus(t *testing.T) {
	s := openStore(t)
	month := MonthKey("03-2024")

	_, ok, err := s.ReportStatusFor(month, testCNPJ, fiscal.DocTypeCTe)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetReportStatus(month, testCNPJ, fiscal.DocTypeCTe, ReportSuccessTemp, "", "/tmp/report.xlsx"))

	st, ok, err := s.ReportStatusFor(month, testCNPJ, fiscal.DocTypeCTe)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ReportSuccessTemp, st.Status)
	assert.Equal(t, "/tmp/report.xlsx", st.FilePath)
}

func TestResetMonth(t *testing.T) {
	s := openStore(t)
	month := MonthKey("03-2024")

	require.NoError(t, s.AdvanceSkip(month, testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente, 50))
	require.NoError(t, s.ResetMonth(month))

	skip, err := s.Skip(month, testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente)
	require.NoError(t, err)
	assert.Zero(t, skip)
}

func TestMonthKeyNormalizationOnBoundary(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.AdvanceSkip(MonthKey("2024-03"), testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente, 10))

	skip, err := s.Skip(MonthKey("03-2024"), testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente)
	require.NoError(t, err)
	assert.Equal(t, 10, skip, "legacy and canonical keys address the same partition")
}

func TestMigrateV1(t *testing.T) {
	dir := t.TempDir()

	legacy := map[string]any{
		"xml_skip_counts": map[string]any{
			testCNPJ: map[string]any{
				"2024-03": map[string]any{
					"NFe": map[string]int{"Emitente": 150},
				},
			},
		},
		"processed_xml_keys": map[string]any{
			testCNPJ: map[string]any{
				"2024-03": map[string]any{
					"NFe": []string{testKey1},
				},
			},
		},
		"report_pendencies": map[string]any{
			testCNPJ: map[string]any{
				"2024-03": map[string]any{
					"CTe": map[string]any{"status": PendencyPendingAPI, "attempts": 2},
				},
			},
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), data, 0o644))

	s, err := Open(dir)
	require.NoError(t, err)

	skip, err := s.Skip(MonthKey("03-2024"), testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente)
	require.NoError(t, err)
	assert.Equal(t, 150, skip)

	ok, err := s.IsImported(MonthKey("03-2024"), testCNPJ, fiscal.DocTypeNFe, testKey1)
	require.NoError(t, err)
	assert.True(t, ok)

	p, ok, err := s.PendencyFor(MonthKey("03-2024"), testCNPJ, fiscal.DocTypeCTe)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, p.Attempts)

	_, statErr := os.Stat(filepath.Join(dir, "state.json"))
	assert.True(t, os.IsNotExist(statErr), "legacy file renamed after migration")

	_, statErr = os.Stat(filepath.Join(dir, "state.json.v1.bak"))
	assert.NoError(t, statErr)
}

func TestCorruptMonthFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	monthDir := filepath.Join(dir, "03-2024")
	require.NoError(t, os.MkdirAll(monthDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(monthDir, "state.json"), []byte("{truncated"), 0o644))

	s, err := Open(dir)
	require.NoError(t, err)

	skip, err := s.Skip(MonthKey("03-2024"), testCNPJ, fiscal.DocTypeNFe, fiscal.RoleEmitente)
	require.NoError(t, err)
	assert.Zero(t, skip)
}
