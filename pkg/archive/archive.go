// Package archive decides where fiscal XMLs land on disk. It turns
// decoded payloads into placement plans (one blob, several destination
// paths) that the transactional committer applies atomically.
//
// Primary layout: <primary>/<YYYY>/<company folder>/<MM>/<NFe|CTe>/<Entrada|Saída>/<key>.xml
// Documents without a determinable direction go to the type directory
// root. Documents also get a copy in the flat mirror; cancellation
// events get a copy in the cancelled mirror.
package archive

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
	"github.com/mvbarbosa/siegsync/pkg/metrics"
	"github.com/mvbarbosa/siegsync/pkg/xmlinspect"
)

const (
	xmlExtension = ".xml"
	eventSuffix  = "_CANC"

	// prevMonthDirName holds early-month inbound documents mirrored into
	// the previous month's tree for accounting close.
	prevMonthDirName = "Mês_anterior"

	// prevMonthMaxDay is the last day of the month on which an inbound
	// document still gets the previous-month copy.
	prevMonthMaxDay = 3
)

var (
	// ErrNonCancelEvent marks events that are deliberately not archived.
	ErrNonCancelEvent = errors.New("archive: event is not a cancellation")

	// ErrOriginalNotFound marks cancel events whose referenced document
	// is not in the archive yet. They are retried on a later cycle.
	ErrOriginalNotFound = errors.New("archive: original document not found for event")
)

// Layout holds the three destination roots.
type Layout struct {
	PrimaryRoot   string
	FlatRoot      string
	CancelledRoot string
}

// Plan is one blob with its fan-out destinations.
type Plan struct {
	Key      string
	DocType  fiscal.DocType
	IsEvent  bool
	Filename string
	Content  []byte
	Targets  []string
}

// Stats aggregates one batch worth of planning.
type Stats struct {
	Planned         int
	ParseErrors     int
	InfoErrors      int
	SkippedEvents   int
	PrevMonthCopies int
	FlatCopies      int
	CancelCopies    int
}

// Add merges other into s.
func (s *Stats) Add(other Stats) {
	s.Planned += other.Planned
	s.ParseErrors += other.ParseErrors
	s.InfoErrors += other.InfoErrors
	s.SkippedEvents += other.SkippedEvents
	s.PrevMonthCopies += other.PrevMonthCopies
	s.FlatCopies += other.FlatCopies
	s.CancelCopies += other.CancelCopies
}

// Planner computes placements for one company.
type Planner struct {
	Layout        Layout
	CompanyCNPJ   string
	CompanyFolder string

	// Now is the clock for the previous-month rule. Defaults to
	// time.Now.
	Now func() time.Time

	// AlreadyImported suppresses the flat-mirror copy for keys this
	// company imported before. Nil means always copy.
	AlreadyImported func(key string, d fiscal.DocType) bool
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// monthDir is <primary>/<YYYY>/<folder>/<MM>.
func (p *Planner) monthDir(year int, month time.Month) string {
	return filepath.Join(p.Layout.PrimaryRoot, fmt.Sprintf("%d", year), p.CompanyFolder, fmt.Sprintf("%02d", int(month)))
}

// Plan maps one decoded XML payload to its destinations.
func (p *Planner) Plan(payload []byte) (*Plan, error) {
	info, err := xmlinspect.Inspect(payload, p.CompanyCNPJ)
	if err != nil {
		return nil, err
	}
	if info.Kind.IsEvent() {
		return p.planEvent(payload, info)
	}
	return p.planDocument(payload, info)
}

func (p *Planner) planDocument(payload []byte, info *xmlinspect.Info) (*Plan, error) {
	plan := &Plan{
		Key:      info.Key,
		DocType:  info.Kind.DocType(),
		Filename: info.Key + xmlExtension,
		Content:  payload,
	}

	typeDir := filepath.Join(p.monthDir(info.Year(), info.Month()), plan.DocType.String())
	primary := typeDir
	if info.Direction != fiscal.DirectionUnknown {
		primary = filepath.Join(typeDir, string(info.Direction))
	}
	plan.Targets = append(plan.Targets, filepath.Join(primary, plan.Filename))

	// Inbound documents issued in the first days of the current month
	// also belong to the previous month's closing.
	today := p.now()
	if info.Direction == fiscal.DirectionEntrada &&
		info.Year() == today.Year() && info.Month() == today.Month() &&
		info.IssuedAt.Day() <= prevMonthMaxDay {
		prev := today.AddDate(0, 0, -today.Day())
		prevDir := filepath.Join(p.monthDir(prev.Year(), prev.Month()),
			prevMonthDirName, plan.DocType.String(), string(info.Direction))
		plan.Targets = append(plan.Targets, filepath.Join(prevDir, plan.Filename))
	}

	if p.AlreadyImported == nil || !p.AlreadyImported(plan.Key, plan.DocType) {
		plan.Targets = append(plan.Targets, filepath.Join(p.Layout.FlatRoot, plan.Filename))
	}
	return plan, nil
}

// planEvent places a cancellation event next to the document it cancels.
// The original is searched across the months it could have landed in.
func (p *Planner) planEvent(payload []byte, info *xmlinspect.Info) (*Plan, error) {
	if !info.IsCancelEvent() {
		return nil, ErrNonCancelEvent
	}

	docType := info.Kind.DocType()
	originalFilename := info.OriginalKey + xmlExtension

	var searchDirs []string
	typeName := docType.String()

	// The original's own emission month, derived from its key, has the
	// highest priority.
	var originalMonthDir string
	if key, err := fiscal.ParseKey(info.OriginalKey); err == nil {
		if year, month, err := key.YearMonth(); err == nil {
			originalMonthDir = p.monthDir(year, month)
			searchDirs = append(searchDirs,
				filepath.Join(originalMonthDir, typeName, string(fiscal.DirectionEntrada)),
				filepath.Join(originalMonthDir, typeName, string(fiscal.DirectionSaida)),
			)
		}
	}

	eventMonthDir := p.monthDir(info.Year(), info.Month())
	eventMonthStart := time.Date(info.Year(), info.Month(), 1, 0, 0, 0, 0, time.UTC)
	prevOfEvent := eventMonthStart.AddDate(0, 0, -1)
	searchDirs = append(searchDirs,
		filepath.Join(eventMonthDir, typeName, string(fiscal.DirectionEntrada)),
		filepath.Join(eventMonthDir, typeName, string(fiscal.DirectionSaida)),
		filepath.Join(p.monthDir(prevOfEvent.Year(), prevOfEvent.Month()),
			prevMonthDirName, typeName, string(fiscal.DirectionEntrada)),
	)
	if originalMonthDir != "" {
		searchDirs = append(searchDirs, filepath.Join(originalMonthDir, typeName))
	}
	searchDirs = append(searchDirs, filepath.Join(eventMonthDir, typeName))

	var foundDir string
	for _, dir := range searchDirs {
		if _, err := os.Stat(filepath.Join(dir, originalFilename)); err == nil {
			foundDir = dir
			break
		}
	}
	if foundDir == "" {
		return nil, fmt.Errorf("%w: %s", ErrOriginalNotFound, info.OriginalKey)
	}

	filename := info.OriginalKey + eventSuffix + xmlExtension
	return &Plan{
		Key:      info.Key,
		DocType:  docType,
		IsEvent:  true,
		Filename: filename,
		Content:  payload,
		Targets: []string{
			filepath.Join(foundDir, filename),
			filepath.Join(p.Layout.CancelledRoot, filename),
		},
	}, nil
}

// PlanBase64 decodes and plans a single upstream blob.
func (p *Planner) PlanBase64(blob string) (*Plan, error) {
	payload, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("archive: invalid base64 payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, errors.New("archive: empty payload")
	}
	return p.Plan(payload)
}

// PlanBatch plans a whole batch, classifying failures without aborting.
func (p *Planner) PlanBatch(blobs []string) ([]*Plan, Stats) {
	var plans []*Plan
	var stats Stats
	for _, blob := range blobs {
		plan, err := p.PlanBase64(blob)
		switch {
		case err == nil:
			plans = append(plans, plan)
			stats.Planned++
			stats.FlatCopies += countTargetsUnder(plan, p.Layout.FlatRoot)
			stats.CancelCopies += countTargetsUnder(plan, p.Layout.CancelledRoot)
			stats.PrevMonthCopies += countPrevMonthTargets(plan)
		case errors.Is(err, ErrNonCancelEvent):
			stats.SkippedEvents++
		case errors.Is(err, ErrOriginalNotFound):
			stats.InfoErrors++
			metrics.SaveErrors.WithLabelValues("info").Inc()
		case errors.Is(err, xmlinspect.ErrNotXML):
			stats.ParseErrors++
			metrics.SaveErrors.WithLabelValues("parse").Inc()
		default:
			stats.InfoErrors++
			metrics.SaveErrors.WithLabelValues("info").Inc()
		}
	}
	return plans, stats
}

func countTargetsUnder(plan *Plan, root string) int {
	if root == "" {
		return 0
	}
	n := 0
	for _, t := range plan.Targets {
		if rel, err := filepath.Rel(root, t); err == nil && rel == filepath.Base(t) {
			n++
		}
	}
	return n
}

func countPrevMonthTargets(plan *Plan) int {
	n := 0
	for _, t := range plan.Targets {
		if filepath.Base(filepath.Dir(filepath.Dir(filepath.Dir(t)))) == prevMonthDirName {
			n++
		}
	}
	return n
}
