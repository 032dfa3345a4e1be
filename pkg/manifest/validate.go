package manifest

import (
	"sort"
	"time"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
)

// Validation statuses.
const (
	StatusOK        = "OK"
	StatusOKIgnored = "OK_IGNORADOS"
	StatusAttention = "ATENCAO"
)

// Validation is the outcome of reconciling the manifest against the
// archive for one document type.
type Validation struct {
	Status string

	// TotalReport is the number of manifest keys in the period and
	// TotalLocal the number of keys found on disk.
	TotalReport int
	TotalLocal  int

	// MissingValid are manifest keys absent locally where the company
	// holds a downloadable role. MissingIgnored are absent keys with no
	// role for the company (other parties on the document). Extras exist
	// locally but not in the manifest.
	MissingValid   []string
	MissingIgnored []string
	Extras         []string
}

// ValidateAgainstLocal reconciles the manifest's period keys with the
// keys archived on disk. Missing keys are split by whether the company
// holds a role that makes them downloadable.
func (m *Manifest) ValidateAgainstLocal(localKeys map[string]struct{}, start, end time.Time, companyCNPJ string, d fiscal.DocType) Validation {
	reportKeys := m.KeysInPeriod(start, end)

	v := Validation{
		TotalReport: len(reportKeys),
		TotalLocal:  len(localKeys),
	}

	var missing []string
	for key := range reportKeys {
		if _, ok := localKeys[key]; !ok {
			missing = append(missing, key)
		}
	}
	for key := range localKeys {
		if _, ok := reportKeys[key]; !ok {
			v.Extras = append(v.Extras, key)
		}
	}

	c := m.ClassifyKeys(missing, companyCNPJ, d)
	for _, keys := range c.ByRole {
		v.MissingValid = append(v.MissingValid, keys...)
	}
	v.MissingIgnored = c.Ignored

	sort.Strings(v.MissingValid)
	sort.Strings(v.MissingIgnored)
	sort.Strings(v.Extras)

	switch {
	case len(v.MissingValid) == 0 && len(v.Extras) == 0 && len(v.MissingIgnored) == 0:
		v.Status = StatusOK
	case len(v.MissingValid) == 0 && len(v.Extras) == 0:
		v.Status = StatusOKIgnored
	default:
		v.Status = StatusAttention
	}
	return v
}
