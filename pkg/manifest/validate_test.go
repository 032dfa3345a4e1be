package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
)

func periodMarch() (time.Time, time.Time) {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
}

func TestValidateAgainstLocalOK(t *testing.T) {
	path := writeReport(t, [][]any{
		{ColKey, ColIssuedAt, ColNFeEmit, ColNFeDest},
		{key(1), "2024-03-10", companyCNPJ, ""},
	})
	m, err := Read(path)
	require.NoError(t, err)

	start, end := periodMarch()
	v := m.ValidateAgainstLocal(map[string]struct{}{key(1): {}}, start, end, companyCNPJ, fiscal.DocTypeNFe)

	assert.Equal(t, StatusOK, v.Status)
	assert.Equal(t, 1, v.TotalReport)
	assert.Equal(t, 1, v.TotalLocal)
	assert.Empty(t, v.MissingValid)
	assert.Empty(t, v.Extras)
}

func TestValidateAgainstLocalSplitsMissing(t *testing.T) {
	path := writeReport(t, [][]any{
		{ColKey, ColIssuedAt, ColNFeEmit, ColNFeDest},
		{key(1), "2024-03-10", companyCNPJ, ""},
		{key(2), "2024-03-11", "98765432000188", "11222333000144"},
	})
	m, err := Read(path)
	require.NoError(t, err)

	start, end := periodMarch()
	v := m.ValidateAgainstLocal(map[string]struct{}{key(9): {}}, start, end, companyCNPJ, fiscal.DocTypeNFe)

	assert.Equal(t, StatusAttention, v.Status)
	assert.Equal(t, []string{key(1)}, v.MissingValid, "company holds a role on it")
	assert.Equal(t, []string{key(2)}, v.MissingIgnored, "document belongs to other parties")
	assert.Equal(t, []string{key(9)}, v.Extras)
}

func TestValidateAgainstLocalOnlyIgnored(t *testing.T) {
	path := writeReport(t, [][]any{
		{ColKey, ColIssuedAt, ColNFeEmit, ColNFeDest},
		{key(1), "2024-03-10", "98765432000188", "11222333000144"},
	})
	m, err := Read(path)
	require.NoError(t, err)

	start, end := periodMarch()
	v := m.ValidateAgainstLocal(map[string]struct{}{}, start, end, companyCNPJ, fiscal.DocTypeNFe)

	assert.Equal(t, StatusOKIgnored, v.Status)
	assert.Empty(t, v.MissingValid)
	assert.Len(t, v.MissingIgnored, 1)
}

func TestValidateAgainstLocalIgnoresOutOfPeriod(t *testing.T) {
	path := writeReport(t, [][]any{
		{ColKey, ColIssuedAt, ColNFeEmit, ColNFeDest},
		{key(1), "2024-04-02", companyCNPJ, ""},
	})
	m, err := Read(path)
	require.NoError(t, err)

	start, end := periodMarch()
	v := m.ValidateAgainstLocal(map[string]struct{}{}, start, end, companyCNPJ, fiscal.DocTypeNFe)

	assert.Equal(t, StatusOK, v.Status)
	assert.Zero(t, v.TotalReport)
}
