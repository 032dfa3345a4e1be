// Package fiscal holds the identifier types shared by every stage of the
// sync pipeline: CNPJ normalization, archive folder names, 44-digit access
// keys and the role/document-type vocabulary of the SIEG API.
package fiscal

import (
	"errors"
	"fmt"
	"strings"
)

// Canonical identifier lengths: 14 digits for a CNPJ, 11 for a CPF.
const (
	CNPJLength = 14
	CPFLength  = 11
)

var ErrInvalidCNPJ = errors.New("invalid CNPJ")

// NormalizeCNPJ canonicalizes a CNPJ or CPF to its bare digit string.
// A trailing ".0" is removed before anything else (spreadsheets export
// the column as a float), then every remaining non-digit. A 13-digit
// result gets the leading zero back that the spreadsheet dropped.
// Anything that does not end at 14 or 11 digits is rejected.
func NormalizeCNPJ(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, ".0")

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", fmt.Errorf("%w: no digits in %q", ErrInvalidCNPJ, raw)
	}
	if len(digits) == CNPJLength-1 {
		digits = "0" + digits
	}
	if len(digits) != CNPJLength && len(digits) != CPFLength {
		return "", fmt.Errorf("%w: %d digits in %q, want %d or %d",
			ErrInvalidCNPJ, len(digits), raw, CPFLength, CNPJLength)
	}
	return digits, nil
}

const fallbackFolderName = "EMPRESA_SEM_NOME"

// SanitizeFolderName makes a company display name safe as a directory
// name on Windows shares. Each of the characters / \ : * ? " < > | is
// replaced with an underscore; surrounding whitespace is trimmed and
// trailing dots and spaces are stripped.
func SanitizeFolderName(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	sanitized = strings.TrimSpace(sanitized)
	sanitized = strings.TrimRight(sanitized, ". ")
	if sanitized == "" {
		return fallbackFolderName
	}
	return sanitized
}
