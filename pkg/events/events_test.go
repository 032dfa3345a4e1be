package events

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvbarbosa/siegsync/pkg/archive"
	"github.com/mvbarbosa/siegsync/pkg/fiscal"
	"github.com/mvbarbosa/siegsync/pkg/siegapi"
	"github.com/mvbarbosa/siegsync/pkg/txfile"
)

const (
	companyCNPJ = "12345678000195"
	folder      = "ACME LTDA"
)

type stubEventClient struct {
	// pages keyed by "docType/role/eventType".
	pages    map[string][][]string
	errs     map[string]error
	requests []siegapi.EventRequest
}

func cellKey(req siegapi.EventRequest) string {
	return fmt.Sprintf("%s/%s/%s", req.DocType, req.Role, req.EventType)
}

func (s *stubEventClient) FetchEvents(_ context.Context, req siegapi.EventRequest) ([]string, error) {
	s.requests = append(s.requests, req)
	key := cellKey(req)
	if err, ok := s.errs[key]; ok {
		return nil, err
	}
	pages := s.pages[key]
	page := req.Skip / 50
	if page >= len(pages) {
		return nil, nil
	}
	return pages[page], nil
}

func docKey(n int) string {
	return "352403" + strings.Repeat("1", 14) + fiscal.ModelNFe + fmt.Sprintf("%022d", n)
}

func cancelBlob(refKey string) string {
	xml := fmt.Sprintf(`<?xml version="1.0"?>
<procEventoNFe xmlns="http://www.portalfiscal.inf.br/nfe">
  <evento>
    <infEvento Id="ID110111%s01">
      <chNFe>%s</chNFe>
      <tpEvento>110111</tpEvento>
      <dhEvento>2024-03-15T08:00:00-03:00</dhEvento>
    </infEvento>
  </evento>
</procEventoNFe>`, refKey, refKey)
	return base64.StdEncoding.EncodeToString([]byte(xml))
}

func newDownloader(t *testing.T, client EventClient) (*Downloader, *archive.Planner, string) {
	t.Helper()
	root := t.TempDir()
	committer, err := txfile.NewCommitter(filepath.Join(root, "tx"))
	require.NoError(t, err)

	planner := &archive.Planner{
		Layout: archive.Layout{
			PrimaryRoot:   filepath.Join(root, "xmls"),
			FlatRoot:      filepath.Join(root, "flat"),
			CancelledRoot: filepath.Join(root, "cancelled"),
		},
		CompanyCNPJ:   companyCNPJ,
		CompanyFolder: folder,
		Now:           func() time.Time { return time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC) },
	}
	return &Downloader{Client: client, Committer: committer}, planner, root
}

func placeOriginal(t *testing.T, root, key string) string {
	t.Helper()
	dir := filepath.Join(root, "xmls", "2024", folder, "03", "NFe", "Saída")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".xml"), []byte("<nfeProc/>"), 0o644))
	return dir
}

func TestGridShape(t *testing.T) {
	grid := Grid()
	assert.Len(t, grid, 10, "2 NFe roles x 2 codes + 3 CTe roles x 2 codes")

	byType := map[fiscal.DocType]int{}
	for _, cell := range grid {
		byType[cell.DocType]++
	}
	assert.Equal(t, 4, byType[fiscal.DocTypeNFe])
	assert.Equal(t, 6, byType[fiscal.DocTypeCTe])
}

func TestRunArchivesCancelEvents(t *testing.T) {
	key := docKey(1)
	client := &stubEventClient{pages: map[string][][]string{
		"NFe/Emitente/110111": {{cancelBlob(key)}},
	}}
	d, planner, root := newDownloader(t, client)
	originalDir := placeOriginal(t, root, key)

	summary, err := d.Run(context.Background(), "03-2024", companyCNPJ, planner)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Saved)
	assert.Zero(t, summary.FailedCells)
	assert.FileExists(t, filepath.Join(originalDir, key+"_CANC.xml"))
	assert.FileExists(t, filepath.Join(root, "cancelled", key+"_CANC.xml"))
}

func TestRunQueriesWholeGrid(t *testing.T) {
	client := &stubEventClient{}
	d, planner, _ := newDownloader(t, client)

	_, err := d.Run(context.Background(), "03-2024", companyCNPJ, planner)
	require.NoError(t, err)

	require.Len(t, client.requests, len(Grid()), "one empty page per combination")
	assert.Equal(t, "2024-03-01", client.requests[0].Start.Format("2006-01-02"))
	assert.Equal(t, "2024-03-31", client.requests[0].End.Format("2006-01-02"))
}

func TestRunPagesUntilShortPage(t *testing.T) {
	key1, key2 := docKey(1), docKey(2)
	full := make([]string, 50)
	for i := range full {
		full[i] = cancelBlob(key1)
	}
	client := &stubEventClient{pages: map[string][][]string{
		"NFe/Emitente/110111": {full, {cancelBlob(key2)}},
	}}
	d, planner, root := newDownloader(t, client)
	placeOriginal(t, root, key1)
	placeOriginal(t, root, key2)

	_, err := d.Run(context.Background(), "03-2024", companyCNPJ, planner)
	require.NoError(t, err)

	var skips []int
	for _, req := range client.requests {
		if cellKey(req) == "NFe/Emitente/110111" {
			skips = append(skips, req.Skip)
		}
	}
	assert.Equal(t, []int{0, 50}, skips, "short page ends the cell without another request")
}

func TestRunIsolatesCellFailures(t *testing.T) {
	key := docKey(1)
	client := &stubEventClient{
		pages: map[string][][]string{
			"NFe/Destinatario/110111": {{cancelBlob(key)}},
		},
		errs: map[string]error{
			"NFe/Emitente/110111": fmt.Errorf("boom"),
		},
	}
	d, planner, root := newDownloader(t, client)
	placeOriginal(t, root, key)

	summary, err := d.Run(context.Background(), "03-2024", companyCNPJ, planner)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FailedCells)
	assert.Equal(t, 1, summary.Saved, "other cells still run")
}

func TestRunCountsOrphans(t *testing.T) {
	client := &stubEventClient{pages: map[string][][]string{
		"NFe/Emitente/110111": {{cancelBlob(docKey(9))}},
	}}
	d, planner, _ := newDownloader(t, client)

	summary, err := d.Run(context.Background(), "03-2024", companyCNPJ, planner)
	require.NoError(t, err)

	assert.Zero(t, summary.Saved)
	assert.Equal(t, 1, summary.Orphans, "event without its original waits for the next cycle")
}
