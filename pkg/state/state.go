// Package state persists the incremental download state, partitioned by
// calendar month. Each month lives in its own state.json so a corrupted
// or hand-edited month never takes down the whole history.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
)

const schemaVersion = 2

// Pendency lifecycle statuses.
const (
	PendencyPendingAPI        = "pending_api_response"
	PendencyPendingProcessing = "pending_processing"
	PendencyNoData            = "no_data_confirmed"
	PendencyMaxAttempts       = "max_attempts_reached"
)

// Report download statuses recorded per company, month and type.
const (
	ReportNoData             = "no_data_confirmed"
	ReportSuccessTemp        = "success_temp"
	ReportSuccessPendency    = "success_pendency"
	ReportFailedAPI          = "failed_api"
	ReportFailedSave         = "failed_processing_save"
	ReportFailedRead         = "failed_processing_read"
	ReportSkippedNoData      = "no_data_confirmed_skipped"
	ReportSkippedMaxAttempts = "max_attempts_skipped"
)

// DefaultMaxPendencyAttempts is how often a pendency is retried before
// it is parked as max_attempts_reached.
const DefaultMaxPendencyAttempts = 10

// MonthKey is the canonical "MM-YYYY" partition key.
type MonthKey string

// MonthKeyFor builds the partition key for a point in time.
func MonthKeyFor(t time.Time) MonthKey {
	return MonthKey(fmt.Sprintf("%02d-%d", int(t.Month()), t.Year()))
}

// NormalizeMonthKey accepts "MM-YYYY" or the legacy "YYYY-MM" and returns
// the canonical form.
func NormalizeMonthKey(s string) (MonthKey, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return "", fmt.Errorf("state: malformed month key %q", s)
	}
	a, errA := strconv.Atoi(parts[0])
	b, errB := strconv.Atoi(parts[1])
	if errA != nil || errB != nil {
		return "", fmt.Errorf("state: malformed month key %q", s)
	}
	// Four-digit component is the year regardless of position.
	if len(parts[0]) == 4 {
		a, b = b, a
	}
	if a < 1 || a > 12 {
		return "", fmt.Errorf("state: month out of range in %q", s)
	}
	return MonthKey(fmt.Sprintf("%02d-%d", a, b)), nil
}

// Time returns midnight UTC on the first day of the month.
func (k MonthKey) Time() (time.Time, error) {
	norm, err := NormalizeMonthKey(string(k))
	if err != nil {
		return time.Time{}, err
	}
	parts := strings.Split(string(norm), "-")
	month, _ := strconv.Atoi(parts[0])
	year, _ := strconv.Atoi(parts[1])
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), nil
}

func (k MonthKey) String() string { return string(k) }

// ReportStatus is the last recorded report download outcome.
type ReportStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
}

// Pendency tracks a report that could not be downloaded or processed.
type Pendency struct {
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	FirstFailure time.Time `json:"first_failure,omitempty"`
	LastAttempt  time.Time `json:"last_attempt"`
}

// PendingReport identifies one open pendency across the whole store.
type PendingReport struct {
	CNPJ     string
	Month    MonthKey
	DocType  fiscal.DocType
	Attempts int
	Status   string
}

// FailedCompany records a company whose pipeline aborted.
type FailedCompany struct {
	Timestamp time.Time `json:"timestamp"`
	Month     MonthKey  `json:"month"`
}

// monthState is the on-disk shape of one month partition. Maps are keyed
// company CNPJ, then document type, then role where applicable.
type monthState struct {
	MonthKey      MonthKey  `json:"month_key"`
	CreatedAt     time.Time `json:"created_at"`
	LastModified  time.Time `json:"last_modified"`
	SchemaVersion int       `json:"schema_version"`

	SkipCounts      map[string]map[string]map[string]int `json:"xml_skip_counts"`
	ImportedKeys    map[string]map[string][]string       `json:"processed_xml_keys"`
	ReportStatuses  map[string]map[string]ReportStatus   `json:"report_download_status"`
	Pendencies      map[string]map[string]Pendency       `json:"report_pendencies"`
	FailedCompanies map[string]FailedCompany             `json:"failed_companies"`

	// importedIndex mirrors ImportedKeys for O(1) membership checks.
	importedIndex map[string]map[string]map[string]struct{}
}

func newMonthState(key MonthKey) *monthState {
	now := time.Now()
	return &monthState{
		MonthKey:        key,
		CreatedAt:       now,
		LastModified:    now,
		SchemaVersion:   schemaVersion,
		SkipCounts:      map[string]map[string]map[string]int{},
		ImportedKeys:    map[string]map[string][]string{},
		ReportStatuses:  map[string]map[string]ReportStatus{},
		Pendencies:      map[string]map[string]Pendency{},
		FailedCompanies: map[string]FailedCompany{},
		importedIndex:   map[string]map[string]map[string]struct{}{},
	}
}

func (m *monthState) rebuildIndex() {
	m.importedIndex = map[string]map[string]map[string]struct{}{}
	for cnpj, byType := range m.ImportedKeys {
		m.importedIndex[cnpj] = map[string]map[string]struct{}{}
		for docType, keys := range byType {
			set := make(map[string]struct{}, len(keys))
			for _, k := range keys {
				set[k] = struct{}{}
			}
			m.importedIndex[cnpj][docType] = set
		}
	}
}

type metadata struct {
	SchemaVersion   int       `json:"schema_version"`
	AvailableMonths []string  `json:"available_months"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store is the month-partitioned state store. Safe for concurrent use.
type Store struct {
	root string

	mu     sync.Mutex
	meta   metadata
	months map[MonthKey]*monthState
}

// Open loads or creates the store under root. A legacy single-file
// state.json at the root is split into month partitions once.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("state: create root: %w", err)
	}
	s := &Store{
		root:   root,
		months: map[MonthKey]*monthState{},
	}
	if err := s.loadMetadata(); err != nil {
		return nil, err
	}
	if err := s.migrateV1(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) metadataPath() string { return filepath.Join(s.root, "metadata.json") }

func (s *Store) monthPath(key MonthKey) string {
	return filepath.Join(s.root, string(key), "state.json")
}

func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(s.metadataPath())
	if os.IsNotExist(err) {
		s.meta = metadata{SchemaVersion: schemaVersion}
		return s.saveMetadata()
	}
	if err != nil {
		return fmt.Errorf("state: read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &s.meta); err != nil {
		return fmt.Errorf("state: parse metadata: %w", err)
	}
	return nil
}

func (s *Store) saveMetadata() error {
	s.meta.UpdatedAt = time.Now()
	return writeJSONAtomic(s.metadataPath(), &s.meta)
}

// writeJSONAtomic writes to a sibling temp file, fsyncs and renames so a
// crash never leaves a truncated state file behind.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// month returns the cached or loaded partition, creating it on first
// touch. Caller holds s.mu.
func (s *Store) month(key MonthKey) (*monthState, error) {
	norm, err := NormalizeMonthKey(string(key))
	if err != nil {
		return nil, err
	}
	if m, ok := s.months[norm]; ok {
		return m, nil
	}

	path := s.monthPath(norm)
	data, err := os.ReadFile(path)
	if err == nil {
		m := newMonthState(norm)
		if jsonErr := json.Unmarshal(data, m); jsonErr == nil {
			m.rebuildIndex()
			s.months[norm] = m
			return m, nil
		}
		// Corrupt partition: start over rather than poisoning the run.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("state: read month %s: %w", norm, err)
	}

	m := newMonthState(norm)
	s.months[norm] = m
	if err := s.saveMonthLocked(norm); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) saveMonthLocked(key MonthKey) error {
	m, ok := s.months[key]
	if !ok {
		return nil
	}
	m.LastModified = time.Now()
	if err := os.MkdirAll(filepath.Dir(s.monthPath(key)), 0o755); err != nil {
		return fmt.Errorf("state: create month dir: %w", err)
	}
	if err := writeJSONAtomic(s.monthPath(key), m); err != nil {
		return fmt.Errorf("state: save month %s: %w", key, err)
	}
	for _, known := range s.meta.AvailableMonths {
		if known == string(key) {
			return nil
		}
	}
	s.meta.AvailableMonths = append(s.meta.AvailableMonths, string(key))
	sort.Strings(s.meta.AvailableMonths)
	return s.saveMetadata()
}

// SaveMonth flushes one partition to disk.
func (s *Store) SaveMonth(key MonthKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	norm, err := NormalizeMonthKey(string(key))
	if err != nil {
		return err
	}
	return s.saveMonthLocked(norm)
}

// Months lists the partitions known to the store, sorted.
func (s *Store) Months() []MonthKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MonthKey, 0, len(s.meta.AvailableMonths))
	for _, m := range s.meta.AvailableMonths {
		out = append(out, MonthKey(m))
	}
	return out
}

// Skip returns the batch cursor for (company, docType, role).
func (s *Store) Skip(key MonthKey, cnpj string, d fiscal.DocType, r fiscal.Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return 0, err
	}
	return m.SkipCounts[cnpj][d.String()][r.String()], nil
}

// AdvanceSkip adds delta to the batch cursor and persists the partition.
func (s *Store) AdvanceSkip(key MonthKey, cnpj string, d fiscal.DocType, r fiscal.Role, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return err
	}
	if m.SkipCounts[cnpj] == nil {
		m.SkipCounts[cnpj] = map[string]map[string]int{}
	}
	if m.SkipCounts[cnpj][d.String()] == nil {
		m.SkipCounts[cnpj][d.String()] = map[string]int{}
	}
	m.SkipCounts[cnpj][d.String()][r.String()] += delta
	return s.saveMonthLocked(m.MonthKey)
}

// ResetSkips zeroes every role cursor for (company, docType). Used when a
// fresh report invalidates the previous listing order.
func (s *Store) ResetSkips(key MonthKey, cnpj string, d fiscal.DocType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return err
	}
	for role := range m.SkipCounts[cnpj][d.String()] {
		m.SkipCounts[cnpj][d.String()][role] = 0
	}
	return s.saveMonthLocked(m.MonthKey)
}

// MarkImported records a document key as archived. Duplicate marks are
// no-ops.
func (s *Store) MarkImported(key MonthKey, cnpj string, d fiscal.DocType, docKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return err
	}
	if m.importedIndex[cnpj] == nil {
		m.importedIndex[cnpj] = map[string]map[string]struct{}{}
	}
	if m.importedIndex[cnpj][d.String()] == nil {
		m.importedIndex[cnpj][d.String()] = map[string]struct{}{}
	}
	if _, ok := m.importedIndex[cnpj][d.String()][docKey]; ok {
		return nil
	}
	m.importedIndex[cnpj][d.String()][docKey] = struct{}{}
	if m.ImportedKeys[cnpj] == nil {
		m.ImportedKeys[cnpj] = map[string][]string{}
	}
	m.ImportedKeys[cnpj][d.String()] = append(m.ImportedKeys[cnpj][d.String()], docKey)
	return s.saveMonthLocked(m.MonthKey)
}

// IsImported reports whether the key was archived in this month already.
func (s *Store) IsImported(key MonthKey, cnpj string, d fiscal.DocType, docKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return false, err
	}
	_, ok := m.importedIndex[cnpj][d.String()][docKey]
	return ok, nil
}

// ImportedKeys returns a copy of the archived key set.
func (s *Store) ImportedKeys(key MonthKey, cnpj string, d fiscal.DocType) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return nil, err
	}
	keys := m.ImportedKeys[cnpj][d.String()]
	out := make([]string, len(keys))
	copy(out, keys)
	return out, nil
}

// ImportedCount returns the number of archived keys.
func (s *Store) ImportedCount(key MonthKey, cnpj string, d fiscal.DocType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return 0, err
	}
	return len(m.ImportedKeys[cnpj][d.String()]), nil
}

// ReplaceImportedKeys overwrites the archived key set with what was
// actually found on disk, reconciling state drift.
func (s *Store) ReplaceImportedKeys(key MonthKey, cnpj string, d fiscal.DocType, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return err
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	if m.ImportedKeys[cnpj] == nil {
		m.ImportedKeys[cnpj] = map[string][]string{}
	}
	m.ImportedKeys[cnpj][d.String()] = sorted
	m.rebuildIndex()
	return s.saveMonthLocked(m.MonthKey)
}

// SetReportStatus records the outcome of a report download attempt.
func (s *Store) SetReportStatus(key MonthKey, cnpj string, d fiscal.DocType, status, message, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return err
	}
	if m.ReportStatuses[cnpj] == nil {
		m.ReportStatuses[cnpj] = map[string]ReportStatus{}
	}
	m.ReportStatuses[cnpj][d.String()] = ReportStatus{
		Status:    status,
		Timestamp: time.Now(),
		Message:   message,
		FilePath:  filePath,
	}
	return s.saveMonthLocked(m.MonthKey)
}

// ReportStatusFor returns the last recorded report outcome, if any.
func (s *Store) ReportStatusFor(key MonthKey, cnpj string, d fiscal.DocType) (ReportStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return ReportStatus{}, false, err
	}
	st, ok := m.ReportStatuses[cnpj][d.String()]
	return st, ok, nil
}

// UpsertPendency creates a pendency or bumps its attempt counter.
func (s *Store) UpsertPendency(key MonthKey, cnpj string, d fiscal.DocType, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return err
	}
	if m.Pendencies[cnpj] == nil {
		m.Pendencies[cnpj] = map[string]Pendency{}
	}
	now := time.Now()
	p, ok := m.Pendencies[cnpj][d.String()]
	if !ok {
		p = Pendency{Status: status, Attempts: 1, FirstFailure: now, LastAttempt: now}
	} else {
		p.Status = status
		p.Attempts++
		p.LastAttempt = now
	}
	m.Pendencies[cnpj][d.String()] = p
	return s.saveMonthLocked(m.MonthKey)
}

// ParkPendency records a terminal pendency status without counting an
// attempt, creating the record if needed. Used when the upstream
// confirms there is nothing to fetch, so later cycles skip the month.
func (s *Store) ParkPendency(key MonthKey, cnpj string, d fiscal.DocType, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return err
	}
	if m.Pendencies[cnpj] == nil {
		m.Pendencies[cnpj] = map[string]Pendency{}
	}
	now := time.Now()
	p, ok := m.Pendencies[cnpj][d.String()]
	if !ok {
		p = Pendency{FirstFailure: now}
	}
	p.Status = status
	p.LastAttempt = now
	m.Pendencies[cnpj][d.String()] = p
	return s.saveMonthLocked(m.MonthKey)
}

// SetPendencyStatus updates the status of an existing pendency without
// touching the attempt counter.
func (s *Store) SetPendencyStatus(key MonthKey, cnpj string, d fiscal.DocType, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return err
	}
	p, ok := m.Pendencies[cnpj][d.String()]
	if !ok {
		return nil
	}
	p.Status = status
	p.LastAttempt = time.Now()
	m.Pendencies[cnpj][d.String()] = p
	return s.saveMonthLocked(m.MonthKey)
}

// ResolvePendency removes a pendency after a successful reprocess.
func (s *Store) ResolvePendency(key MonthKey, cnpj string, d fiscal.DocType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return err
	}
	if byType, ok := m.Pendencies[cnpj]; ok {
		delete(byType, d.String())
		if len(byType) == 0 {
			delete(m.Pendencies, cnpj)
		}
	}
	return s.saveMonthLocked(m.MonthKey)
}

// PendencyFor returns the pendency details, if one exists.
func (s *Store) PendencyFor(key MonthKey, cnpj string, d fiscal.DocType) (Pendency, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return Pendency{}, false, err
	}
	p, ok := m.Pendencies[cnpj][d.String()]
	return p, ok, nil
}

// ListPendingReports scans every known month for pendencies still worth
// retrying.
func (s *Store) ListPendingReports() ([]PendingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PendingReport
	for _, monthStr := range s.meta.AvailableMonths {
		m, err := s.month(MonthKey(monthStr))
		if err != nil {
			return nil, err
		}
		for cnpj, byType := range m.Pendencies {
			for docType, p := range byType {
				if p.Status != PendencyPendingAPI && p.Status != PendencyPendingProcessing {
					continue
				}
				out = append(out, PendingReport{
					CNPJ:     cnpj,
					Month:    m.MonthKey,
					DocType:  fiscal.DocType(docType),
					Attempts: p.Attempts,
					Status:   p.Status,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		if out[i].CNPJ != out[j].CNPJ {
			return out[i].CNPJ < out[j].CNPJ
		}
		return out[i].DocType < out[j].DocType
	})
	return out, nil
}

// MarkCompanyFailed records a company whose pipeline aborted this month.
func (s *Store) MarkCompanyFailed(key MonthKey, cnpj string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.month(key)
	if err != nil {
		return err
	}
	m.FailedCompanies[cnpj] = FailedCompany{Timestamp: time.Now(), Month: m.MonthKey}
	return s.saveMonthLocked(m.MonthKey)
}

// ResetMonth discards a month partition and starts it fresh. Used by
// seed runs to force a full re-download.
func (s *Store) ResetMonth(key MonthKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	norm, err := NormalizeMonthKey(string(key))
	if err != nil {
		return err
	}
	s.months[norm] = newMonthState(norm)
	return s.saveMonthLocked(norm)
}

// migrateV1 splits a legacy monolithic state.json into month partitions.
// The old file keeps the month as an inner map level on every field.
func (s *Store) migrateV1() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	legacyPath := filepath.Join(s.root, "state.json")
	data, err := os.ReadFile(legacyPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("state: read legacy state: %w", err)
	}

	var legacy struct {
		SkipCounts   map[string]map[string]map[string]map[string]int `json:"xml_skip_counts"`
		ImportedKeys map[string]map[string]map[string][]string       `json:"processed_xml_keys"`
		Pendencies   map[string]map[string]map[string]Pendency       `json:"report_pendencies"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("state: parse legacy state: %w", err)
	}

	touched := map[MonthKey]bool{}
	monthOf := func(raw string) (MonthKey, bool) {
		norm, err := NormalizeMonthKey(raw)
		return norm, err == nil
	}

	for cnpj, byMonth := range legacy.SkipCounts {
		for rawMonth, byType := range byMonth {
			key, ok := monthOf(rawMonth)
			if !ok {
				continue
			}
			m, err := s.month(key)
			if err != nil {
				return err
			}
			if m.SkipCounts[cnpj] == nil {
				m.SkipCounts[cnpj] = map[string]map[string]int{}
			}
			for docType, byRole := range byType {
				if m.SkipCounts[cnpj][docType] == nil {
					m.SkipCounts[cnpj][docType] = map[string]int{}
				}
				for role, count := range byRole {
					m.SkipCounts[cnpj][docType][role] = count
				}
			}
			touched[key] = true
		}
	}
	for cnpj, byMonth := range legacy.ImportedKeys {
		for rawMonth, byType := range byMonth {
			key, ok := monthOf(rawMonth)
			if !ok {
				continue
			}
			m, err := s.month(key)
			if err != nil {
				return err
			}
			if m.ImportedKeys[cnpj] == nil {
				m.ImportedKeys[cnpj] = map[string][]string{}
			}
			for docType, keys := range byType {
				m.ImportedKeys[cnpj][docType] = append(m.ImportedKeys[cnpj][docType], keys...)
			}
			m.rebuildIndex()
			touched[key] = true
		}
	}
	for cnpj, byMonth := range legacy.Pendencies {
		for rawMonth, byType := range byMonth {
			key, ok := monthOf(rawMonth)
			if !ok {
				continue
			}
			m, err := s.month(key)
			if err != nil {
				return err
			}
			if m.Pendencies[cnpj] == nil {
				m.Pendencies[cnpj] = map[string]Pendency{}
			}
			for docType, p := range byType {
				m.Pendencies[cnpj][docType] = p
			}
			touched[key] = true
		}
	}

	for key := range touched {
		if err := s.saveMonthLocked(key); err != nil {
			return err
		}
	}
	return os.Rename(legacyPath, legacyPath+".v1.bak")
}
