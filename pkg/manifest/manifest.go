// Package manifest reads the monthly xlsx report listing every document
// key the upstream holds for a company. The report is the source of
// truth the local archive is reconciled against.
package manifest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
)

// Well-known report columns. The remaining columns vary by report type
// and are kept as raw cells.
const (
	ColKey         = "Chave"
	ColIssuedAt    = "Dt_Emissao"
	ColNFeEmit     = "CNPJ_CPF_CnpjEmit"
	ColNFeDest     = "CNPJ_CPF_Dest"
	ColCTeEmit     = "CNPJ_CPF_Emitente"
	ColCTeDest     = "CNPJ_CPF_Dest"
	ColCTeTomador  = "CNPJ_CPF_Tomador"
	ColCTeTomador2 = "CNPJ_CPF_Outro_Tomador"
)

// Row is one manifest line with a valid 44-digit key.
type Row struct {
	Key      string
	IssuedAt time.Time
	Cells    map[string]string
}

// Manifest is a parsed report.
type Manifest struct {
	Rows []Row

	byKey map[string]int
}

// Read parses the first sheet of an xlsx report. Rows without a valid
// 44-digit key are dropped; rows with unparseable dates are kept but
// excluded from period filtering.
func Read(path string) (*Manifest, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("manifest: %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("manifest: read sheet: %w", err)
	}
	if len(rows) == 0 {
		return &Manifest{byKey: map[string]int{}}, nil
	}

	header := rows[0]
	keyCol, dateCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case ColKey:
			keyCol = i
		case ColIssuedAt:
			dateCol = i
		}
	}
	if keyCol < 0 {
		return nil, fmt.Errorf("manifest: column %q not found in %s", ColKey, path)
	}
	if dateCol < 0 {
		return nil, fmt.Errorf("manifest: column %q not found in %s", ColIssuedAt, path)
	}

	m := &Manifest{byKey: map[string]int{}}
	for _, raw := range rows[1:] {
		if keyCol >= len(raw) {
			continue
		}
		key := cleanKey(raw[keyCol])
		if key == "" {
			continue
		}

		cells := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(raw) {
				cells[strings.TrimSpace(name)] = strings.TrimSpace(raw[i])
			}
		}

		row := Row{Key: key, Cells: cells}
		if dateCol < len(raw) {
			if t, err := parseReportDate(raw[dateCol]); err == nil {
				row.IssuedAt = t
			}
		}

		// First occurrence wins for duplicated keys.
		if _, seen := m.byKey[key]; !seen {
			m.byKey[key] = len(m.Rows)
		}
		m.Rows = append(m.Rows, row)
	}
	return m, nil
}

// cleanKey strips non-digits and validates the 44-digit length.
func cleanKey(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	key := b.String()
	if len(key) != fiscal.KeyLength {
		return ""
	}
	return key
}

// parseReportDate accepts the formats seen in real reports: ISO dates,
// Brazilian DD/MM/YYYY with or without time, and Excel serial numbers.
func parseReportDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("manifest: empty date")
	}
	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02",
		time.RFC3339,
		"02/01/2006 15:04:05",
		"02/01/2006",
		"01-02-06", // excelize default short date style
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 {
		// Excel epoch, day 0 = 1899-12-30.
		days := math.Floor(serial)
		frac := serial - days
		t := time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC).
			AddDate(0, 0, int(days)).
			Add(time.Duration(frac * 24 * float64(time.Hour)))
		return t, nil
	}
	return time.Time{}, fmt.Errorf("manifest: unparseable date %q", raw)
}

// Len returns the number of usable rows.
func (m *Manifest) Len() int { return len(m.Rows) }

// KeysInPeriod returns the keys issued within [start, end], inclusive.
func (m *Manifest) KeysInPeriod(start, end time.Time) map[string]struct{} {
	out := map[string]struct{}{}
	for _, row := range m.Rows {
		if row.IssuedAt.IsZero() {
			continue
		}
		d := row.IssuedAt
		if d.Before(start) || d.After(end.Add(24*time.Hour-time.Nanosecond)) {
			continue
		}
		out[row.Key] = struct{}{}
	}
	return out
}

// RoleFor determines the company's role on the document identified by
// key. The second return is false when the key is absent from the
// manifest or no CNPJ column matches the company.
func (m *Manifest) RoleFor(key, companyCNPJ string, d fiscal.DocType) (fiscal.Role, bool) {
	idx, ok := m.byKey[key]
	if !ok {
		return "", false
	}
	return roleFromCells(m.Rows[idx].Cells, companyCNPJ, d)
}

// roleFromCells checks the CNPJ columns in priority order. For CTe the
// service taker outranks emitter and recipient.
func roleFromCells(cells map[string]string, companyCNPJ string, d fiscal.DocType) (fiscal.Role, bool) {
	matches := func(col string) bool {
		raw, ok := cells[col]
		if !ok || raw == "" {
			return false
		}
		norm, err := fiscal.NormalizeCNPJ(raw)
		return err == nil && norm == companyCNPJ
	}

	if d == fiscal.DocTypeCTe {
		if matches(ColCTeTomador) || matches(ColCTeTomador2) {
			return fiscal.RoleTomador, true
		}
		if matches(ColCTeEmit) {
			return fiscal.RoleEmitente, true
		}
		if matches(ColCTeDest) {
			return fiscal.RoleDestinatario, true
		}
		return "", false
	}

	if matches(ColNFeEmit) {
		return fiscal.RoleEmitente, true
	}
	if matches(ColNFeDest) {
		return fiscal.RoleDestinatario, true
	}
	return "", false
}

// CountsByRole tallies manifest rows per role for the company.
func (m *Manifest) CountsByRole(companyCNPJ string, d fiscal.DocType) map[fiscal.Role]int {
	out := map[fiscal.Role]int{}
	for _, row := range m.Rows {
		if role, ok := roleFromCells(row.Cells, companyCNPJ, d); ok {
			out[role]++
		}
	}
	return out
}

// Classification splits a key set by company role. Keys not present in
// the manifest, or present without a matching role, land in Ignored.
type Classification struct {
	ByRole  map[fiscal.Role][]string
	Ignored []string
}

// ClassifyKeys resolves the role for each key so the recovery fetcher
// knows which keys are actually downloadable for this company.
func (m *Manifest) ClassifyKeys(keys []string, companyCNPJ string, d fiscal.DocType) Classification {
	c := Classification{ByRole: map[fiscal.Role][]string{}}
	for _, key := range keys {
		role, ok := m.RoleFor(key, companyCNPJ, d)
		if !ok {
			c.Ignored = append(c.Ignored, key)
			continue
		}
		c.ByRole[role] = append(c.ByRole[role], key)
	}
	return c
}
