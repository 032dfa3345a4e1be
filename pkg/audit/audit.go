// Package audit writes the per-month audit trail: an append-only text
// file inside each company month directory summarizing what the monthly
// reconciliation found, plus helpers for reading the archive back
// (local key sets, directory counts) that feed the reconciliation.
package audit

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
	"github.com/mvbarbosa/siegsync/pkg/manifest"
)

const (
	separatorWidth = 80
	maxListedKeys  = 10
)

// SummaryFilename is the audit file name inside the month directory.
func SummaryFilename(folder string, year int, month time.Month) string {
	return fmt.Sprintf("Resumo_Auditoria_%s_%d_%02d.txt", folder, year, int(month))
}

// LocalKeys walks dir recursively and collects the 44-digit access keys
// encoded in XML filenames. Cancellation copies are excluded.
func LocalKeys(dir string) (map[string]struct{}, error) {
	keys := map[string]struct{}{}
	info, err := os.Stat(dir)
	if os.IsNotExist(err) || (err == nil && !info.IsDir()) {
		return keys, nil
	}
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		if !strings.EqualFold(filepath.Ext(name), ".xml") {
			return nil
		}
		if strings.HasSuffix(strings.ToUpper(name), "_CANC.XML") {
			return nil
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if key, err := fiscal.ParseKey(stem); err == nil {
			keys[key.String()] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Counts holds the final per-directory file tallies for one month.
type Counts struct {
	NFeEntrada int
	NFeSaida   int
	CTeEntrada int
	CTeSaida   int

	// Previous-month Entrada copies, counted in the prior month's tree.
	NFeEntradaPrev int
	CTeEntradaPrev int

	CancelEvents int
}

// CountMonth tallies the standard subdirectories of a month directory
// and the Mês_anterior tree of the month before it. Missing directories
// count as zero.
func CountMonth(monthDir, prevMonthDir string) Counts {
	var c Counts

	countDir := func(dir string) (docs, events int) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0, 0
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
				continue
			}
			if strings.HasSuffix(strings.ToUpper(e.Name()), "_CANC.XML") {
				events++
			} else {
				docs++
			}
		}
		return docs, events
	}

	add := func(dir string, counter *int) {
		docs, events := countDir(dir)
		if counter != nil {
			*counter += docs
		}
		c.CancelEvents += events
	}

	add(filepath.Join(monthDir, "NFe", "Entrada"), &c.NFeEntrada)
	add(filepath.Join(monthDir, "NFe", "Saída"), &c.NFeSaida)
	add(filepath.Join(monthDir, "CTe", "Entrada"), &c.CTeEntrada)
	add(filepath.Join(monthDir, "CTe", "Saída"), &c.CTeSaida)
	add(filepath.Join(monthDir, "NFe"), nil)
	add(filepath.Join(monthDir, "CTe"), nil)
	if prevMonthDir != "" {
		add(filepath.Join(prevMonthDir, "Mês_anterior", "NFe", "Entrada"), &c.NFeEntradaPrev)
		add(filepath.Join(prevMonthDir, "Mês_anterior", "CTe", "Entrada"), &c.CTeEntradaPrev)
	}
	return c
}

// RecoveryStats summarizes the individual-download pass.
type RecoveryStats struct {
	Attempted   int
	Succeeded   int
	FailedFetch int
	FailedSave  int
	Retroactive map[fiscal.DocType]int
}

// ErrorStats summarizes processing errors of the execution.
type ErrorStats struct {
	Parse int
	Info  int
	Save  int
}

// Summary is everything one audit block reports.
type Summary struct {
	ExecutedAt  time.Time
	CompanyCNPJ string
	CompanyName string
	PeriodStart time.Time
	PeriodEnd   time.Time

	Validations  map[fiscal.DocType]manifest.Validation
	ReportCounts map[fiscal.DocType]map[fiscal.Role]int
	LocalCounts  Counts
	Recovery     *RecoveryStats
	Errors       ErrorStats
}

// Append renders the summary block and appends it to path. The file
// accumulates one block per execution, oldest first.
func Append(path string, s Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("audit: create month dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open summary: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(render(s)); err != nil {
		return fmt.Errorf("audit: append summary: %w", err)
	}
	return nil
}

func render(s Summary) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line(strings.Repeat("=", separatorWidth))
	line("Auditoria SIEG - %s (%s) - %02d/%d (execução: %s)",
		s.CompanyName, s.CompanyCNPJ,
		int(s.PeriodStart.Month()), s.PeriodStart.Year(),
		s.ExecutedAt.Format("02/01/2006 15:04:05"))
	line("Período de busca: %s a %s",
		s.PeriodStart.Format("02/01/2006"), s.PeriodEnd.Format("02/01/2006"))
	line(strings.Repeat("-", separatorWidth))

	line("VALIDAÇÃO RELATÓRIO OFICIAL vs. ARQUIVOS LOCAIS")
	line("  Tipo       | Relatório (Período) | Local | Faltantes Válidos | Extras | Status")
	line("  " + strings.Repeat("-", separatorWidth-4))
	for _, docType := range fiscal.DocTypes {
		v, ok := s.Validations[docType]
		if !ok {
			line("  %-10s | %19s | %5s | %17s | %6s | %s",
				docType, "N/A", "N/A", "N/A", "N/A", "Validação não realizada (Relatório ausente?)")
			continue
		}
		line("  %-10s | %19d | %5d | %17d | %6d | %s",
			docType, v.TotalReport, v.TotalLocal,
			len(v.MissingValid), len(v.Extras), statusMessage(v))
		listKeys(&b, "Chaves Faltantes Válidas", v.MissingValid)
		listKeys(&b, "Chaves Faltantes Ignoradas", v.MissingIgnored)
		listKeys(&b, "Chaves Extras", v.Extras)
	}
	line("  " + strings.Repeat("-", separatorWidth-4))

	for _, docType := range fiscal.DocTypes {
		line("  Contagem Relatório por Papel (%s):", docType)
		counts := s.ReportCounts[docType]
		if len(counts) == 0 {
			line("    N/A (Relatório %s não processado ou vazio)", docType)
			continue
		}
		var parts []string
		roles := make([]fiscal.Role, 0, len(counts))
		for role := range counts {
			roles = append(roles, role)
		}
		sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
		for _, role := range roles {
			parts = append(parts, fmt.Sprintf("%s=%d", role, counts[role]))
		}
		line("    %s", strings.Join(parts, ", "))
	}

	line("  Contagem Local Final (Diretórios Padrão):")
	line("    NFe: Entrada=%d, Saída=%d", s.LocalCounts.NFeEntrada, s.LocalCounts.NFeSaida)
	line("    CTe: Entrada=%d, Saída=%d", s.LocalCounts.CTeEntrada, s.LocalCounts.CTeSaida)
	line("  Contagem Local Final (Mês Anterior - Entrada):")
	line("    NFe Entrada (Mês Ant.): %d", s.LocalCounts.NFeEntradaPrev)
	line("    CTe Entrada (Mês Ant.): %d", s.LocalCounts.CTeEntradaPrev)
	line("  Eventos Cancelamento (Local): %d", s.LocalCounts.CancelEvents)
	line(strings.Repeat("-", separatorWidth))

	line("ERROS DURANTE O PROCESSAMENTO DESTA EXECUÇÃO")
	if total := s.Errors.Parse + s.Errors.Info + s.Errors.Save; total > 0 {
		line("  • Erros de Parse XML/Base64: %d", s.Errors.Parse)
		line("  • Erros de Extração de Info: %d", s.Errors.Info)
		line("  • Erros de Salvamento OS:    %d", s.Errors.Save)
		line("  (Verificar logs detalhados para mais informações)")
	} else {
		line("  Nenhum erro de salvamento/parse registrado nesta execução.")
	}
	line(strings.Repeat("-", separatorWidth))

	line("DOWNLOAD INDIVIDUAL DE CHAVES FALTANTES VÁLIDAS (Emit/Dest/Tom)")
	if s.Recovery == nil || s.Recovery.Attempted == 0 {
		line("  Nenhuma tentativa de download individual realizada.")
	} else {
		r := s.Recovery
		line("  • Tentativas=%d, Sucesso=%d, Falhas=%d (Download: %d, Salvar: %d)",
			r.Attempted, r.Succeeded, r.FailedFetch+r.FailedSave, r.FailedFetch, r.FailedSave)
		if retro := r.Retroactive[fiscal.DocTypeNFe] + r.Retroactive[fiscal.DocTypeCTe]; retro > 0 {
			line("  • XMLs corrigidos retroativamente: NFe=%d, CTe=%d",
				r.Retroactive[fiscal.DocTypeNFe], r.Retroactive[fiscal.DocTypeCTe])
		}
	}
	line(strings.Repeat("=", separatorWidth))
	return b.String()
}

func statusMessage(v manifest.Validation) string {
	switch v.Status {
	case manifest.StatusOK:
		return "OK (100%)"
	case manifest.StatusOKIgnored:
		return fmt.Sprintf("OK (Apenas %d ignorados)", len(v.MissingIgnored))
	default:
		var parts []string
		if n := len(v.MissingValid); n > 0 {
			parts = append(parts, fmt.Sprintf("%d Faltantes Válidos", n))
		}
		if n := len(v.MissingIgnored); n > 0 {
			parts = append(parts, fmt.Sprintf("%d Ignorados", n))
		}
		if n := len(v.Extras); n > 0 {
			parts = append(parts, fmt.Sprintf("%d Extras", n))
		}
		return fmt.Sprintf("Atenção (%s)", strings.Join(parts, ", "))
	}
}

func listKeys(b *strings.Builder, label string, keys []string) {
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(b, "      >> %s (primeiras %d):\n", label, maxListedKeys)
	for i, key := range keys {
		if i == maxListedKeys {
			fmt.Fprintf(b, "         ... (e mais %d)\n", len(keys)-maxListedKeys)
			break
		}
		fmt.Fprintf(b, "         - %s\n", key)
	}
}
