package fiscal

import (
	"errors"
	"fmt"
	"time"
)

// KeyLength is the number of digits in a fiscal document access key.
const KeyLength = 44

var ErrInvalidKey = errors.New("invalid access key")

// Key is a 44-digit fiscal document access key. The key encodes, among
// other fields, the emission year/month (positions 3-6, YYMM) and the
// document model (positions 21-22).
type Key string

// ParseKey validates that s is exactly 44 digits.
func ParseKey(s string) (Key, error) {
	if len(s) != KeyLength {
		return "", fmt.Errorf("%w: length %d", ErrInvalidKey, len(s))
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("%w: non-digit at position %d", ErrInvalidKey, i)
		}
	}
	return Key(s), nil
}

func (k Key) String() string { return string(k) }

// Model returns the two model digits (positions 21-22, zero-based 20:22).
// Model 55 is NFe, 57 is CTe and 65 is NFCe.
func (k Key) Model() string {
	if len(k) < 22 {
		return ""
	}
	return string(k[20:22])
}

// DocType maps the key model onto a document type. NFCe (model 65) is
// archived together with NFe. Unknown models default to NFe, matching how
// individual recovery treats keys with unexpected models.
func (k Key) DocType() DocType {
	switch k.Model() {
	case ModelCTe:
		return DocTypeCTe
	default:
		return DocTypeNFe
	}
}

// YearMonth decodes the emission competence from positions 3-6 (YYMM).
// The two-digit year is anchored to the 2000s.
func (k Key) YearMonth() (year int, month time.Month, err error) {
	if len(k) < 6 {
		return 0, 0, fmt.Errorf("%w: too short for year/month", ErrInvalidKey)
	}
	yy := int(k[2]-'0')*10 + int(k[3]-'0')
	mm := int(k[4]-'0')*10 + int(k[5]-'0')
	if mm < 1 || mm > 12 {
		return 0, 0, fmt.Errorf("%w: month %02d out of range", ErrInvalidKey, mm)
	}
	return 2000 + yy, time.Month(mm), nil
}

// Document models as they appear in key positions 21-22.
const (
	ModelNFe  = "55"
	ModelCTe  = "57"
	ModelNFCe = "65"
)
