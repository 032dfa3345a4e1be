package manifest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
)

// Roster columns.
const (
	ColRosterCNPJ = "CnpjCpf"
	ColRosterName = "Nome Tratado"
)

const rosterFetchTimeout = 60 * time.Second

// Company is one roster entry.
type Company struct {
	CNPJ   string
	Folder string
}

// ReadCompanies loads the company roster from a local path or an
// HTTP(S) URL. Rows with an empty name or an unnormalizable CNPJ are
// skipped. limit > 0 caps the number of companies returned.
func ReadCompanies(ctx context.Context, source string, limit int) ([]Company, error) {
	data, err := fetchRoster(ctx, source)
	if err != nil {
		return nil, err
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("manifest: open roster: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("manifest: roster has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("manifest: read roster sheet: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("manifest: roster is empty")
	}

	cnpjCol, nameCol := -1, -1
	for i, name := range rows[0] {
		switch strings.TrimSpace(name) {
		case ColRosterCNPJ:
			cnpjCol = i
		case ColRosterName:
			nameCol = i
		}
	}
	if cnpjCol < 0 {
		return nil, fmt.Errorf("manifest: column %q not found in roster", ColRosterCNPJ)
	}
	if nameCol < 0 {
		return nil, fmt.Errorf("manifest: column %q not found in roster", ColRosterName)
	}

	var companies []Company
	for _, raw := range rows[1:] {
		if limit > 0 && len(companies) >= limit {
			break
		}
		if cnpjCol >= len(raw) || nameCol >= len(raw) {
			continue
		}
		name := strings.TrimSpace(raw[nameCol])
		if name == "" {
			continue
		}
		cnpj, err := fiscal.NormalizeCNPJ(raw[cnpjCol])
		if err != nil {
			continue
		}
		companies = append(companies, Company{
			CNPJ:   cnpj,
			Folder: fiscal.SanitizeFolderName(name),
		})
	}
	if len(companies) == 0 {
		return nil, fmt.Errorf("manifest: roster %s has no usable companies", source)
	}
	return companies, nil
}

func fetchRoster(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("manifest: read roster: %w", err)
		}
		return data, nil
	}

	ctx, cancel := context.WithTimeout(ctx, rosterFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest: download roster: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest: roster download returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("manifest: read roster body: %w", err)
	}
	return data, nil
}
