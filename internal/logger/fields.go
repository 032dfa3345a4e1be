package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently so
// company runs can be filtered and aggregated across log files.
const (
	// Company identification
	KeyCompany = "company" // Company folder name in the archive tree
	KeyCNPJ    = "cnpj"    // Company CNPJ (14 digits)

	// Sync scope
	KeyMonth   = "month"    // Competence month, MM-YYYY
	KeyDocType = "doc_type" // Document type: NFe, CTe
	KeyRole    = "role"     // Download role (emitter, recipient, ...)

	// Documents
	KeyDocKey  = "key"     // 44-digit fiscal access key
	KeyPath    = "path"    // Full path on disk
	KeyCount   = "count"   // Generic item count
	KeySaved   = "saved"   // Documents written to disk
	KeySkipped = "skipped" // Items skipped (duplicates, filtered)

	// Paging and retries
	KeySkip    = "skip"    // Paging offset sent to the API
	KeyAttempt = "attempt" // Retry attempt number

	// Operation metadata
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
)

// Field constructors for type safety.

// CNPJ returns a slog.Attr for the company CNPJ.
func CNPJ(cnpj string) slog.Attr {
	return slog.String(KeyCNPJ, cnpj)
}

// Month returns a slog.Attr for the competence month.
func Month(month string) slog.Attr {
	return slog.String(KeyMonth, month)
}

// DocType returns a slog.Attr for the document type.
func DocType(t string) slog.Attr {
	return slog.String(KeyDocType, t)
}

// Role returns a slog.Attr for the download role.
func Role(role string) slog.Attr {
	return slog.String(KeyRole, role)
}

// DocKey returns a slog.Attr for a fiscal access key.
func DocKey(key string) slog.Attr {
	return slog.String(KeyDocKey, key)
}

// Path returns a slog.Attr for a path on disk.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Count returns a slog.Attr for a generic item count.
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}

// Saved returns a slog.Attr for documents written to disk.
func Saved(n int) slog.Attr {
	return slog.Int(KeySaved, n)
}

// Skipped returns a slog.Attr for skipped items.
func Skipped(n int) slog.Attr {
	return slog.Int(KeySkipped, n)
}

// Skip returns a slog.Attr for a paging offset.
func Skip(n int) slog.Attr {
	return slog.Int(KeySkip, n)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, or the zero Attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
