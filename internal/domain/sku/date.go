package sku

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/erp/entitygraph/internal/domain/shared"
)

// dateTokens maps template date tokens to Go layout fragments, longest first
var dateTokens = []struct {
	token  string
	layout string
}{
	{"YYYY", "2006"},
	{"YY", "06"},
	{"MM", "01"},
	{"DD", "02"},
	{"HH", "15"},
	{"mm", "04"},
	{"ss", "05"},
}

// ValidateDateFormat checks that every letter in format belongs to a token
func ValidateDateFormat(format string) error {
	_, err := dateLayout(format)
	return err
}

// FormatDate renders t using template date tokens (YYYY YY MM DD HH mm ss).
// Non-letter characters are copied through.
func FormatDate(t time.Time, format string) (string, error) {
	layout, err := dateLayout(format)
	if err != nil {
		return "", err
	}
	return t.Format(layout), nil
}

func dateLayout(format string) (string, error) {
	if format == "" {
		return "", fmt.Errorf("%w: empty date format", shared.ErrConfig)
	}
	var b strings.Builder
	rest := format
	for len(rest) > 0 {
		matched := false
		for _, tok := range dateTokens {
			if strings.HasPrefix(rest, tok.token) {
				b.WriteString(tok.layout)
				rest = rest[len(tok.token):]
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		r := rune(rest[0])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return "", fmt.Errorf("%w: unsupported date format %q", shared.ErrConfig, format)
		}
		b.WriteByte(rest[0])
		rest = rest[1:]
	}
	return b.String(), nil
}
