package commands

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mvbarbosa/siegsync/internal/cli/output"
	"github.com/mvbarbosa/siegsync/pkg/state"
)

var pendenciesFormat string

var pendenciesCmd = &cobra.Command{
	Use:   "pendencies",
	Short: "List the open report pendencies",
	Long: `List every report that could not be downloaded or processed and is
still waiting for a retry. Pendencies parked as no_data_confirmed or
max_attempts_reached are settled and not listed; the company loop keeps
skipping those months.`,
	RunE: runPendencies,
}

func init() {
	pendenciesCmd.Flags().StringVarP(&pendenciesFormat, "output", "o", "table", "output format (table, json, yaml)")
}

// pendencyRow is the serializable view of one open pendency.
type pendencyRow struct {
	CNPJ     string `json:"cnpj" yaml:"cnpj"`
	Month    string `json:"month" yaml:"month"`
	DocType  string `json:"doc_type" yaml:"doc_type"`
	Status   string `json:"status" yaml:"status"`
	Attempts int    `json:"attempts" yaml:"attempts"`
}

type pendencyList []pendencyRow

func (l pendencyList) Headers() []string {
	return []string{"CNPJ", "Month", "Type", "Status", "Attempts"}
}

func (l pendencyList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, p := range l {
		rows = append(rows, []string{p.CNPJ, p.Month, p.DocType, p.Status, strconv.Itoa(p.Attempts)})
	}
	return rows
}

func runPendencies(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(pendenciesFormat)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.Paths.State)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}

	pending, err := store.ListPendingReports()
	if err != nil {
		return err
	}

	rows := make(pendencyList, 0, len(pending))
	for _, p := range pending {
		rows = append(rows, pendencyRow{
			CNPJ:     p.CNPJ,
			Month:    p.Month.String(),
			DocType:  p.DocType.String(),
			Status:   p.Status,
			Attempts: p.Attempts,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CNPJ != rows[j].CNPJ {
			return rows[i].CNPJ < rows[j].CNPJ
		}
		if rows[i].Month != rows[j].Month {
			return rows[i].Month < rows[j].Month
		}
		return rows[i].DocType < rows[j].DocType
	})

	printer := output.NewPrinter(cmd.OutOrStdout(), format)
	if len(rows) == 0 && format == output.FormatTable {
		printer.Println("No open pendencies.")
		return nil
	}
	return printer.Print(rows)
}
