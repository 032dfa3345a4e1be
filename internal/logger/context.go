package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds the scope of the company currently being processed.
// The context-aware log functions prepend these fields to every record,
// so code deep in the download path does not thread company identifiers
// through explicitly.
type LogContext struct {
	Company   string    // Company folder name
	CNPJ      string    // Company CNPJ
	Month     string    // Competence month being processed, MM-YYYY
	DocType   string    // Document type being processed
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext scoped to a company.
func NewLogContext(company, cnpj string) *LogContext {
	return &LogContext{
		Company:   company,
		CNPJ:      cnpj,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithMonth returns a copy scoped to a competence month.
func (lc *LogContext) WithMonth(month string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Month = month
	}
	return clone
}

// WithDocType returns a copy scoped to a document type.
func (lc *LogContext) WithDocType(docType string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.DocType = docType
	}
	return clone
}

// ElapsedMs returns the time since StartTime in milliseconds.
func (lc *LogContext) ElapsedMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
