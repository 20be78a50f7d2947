// Package render turns terminal script records into messages for a
// language-model consumer.
package render

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mpataki/scriptool/internal/models"
)

// ErrNotTerminal is returned when formatting a record that is still
// pending or running. Callers must wait for the record's completion first.
var ErrNotTerminal = errors.New("script has not finished")

const (
	// ErrorLabel prefixes every failure message. Successful output is never
	// prefixed with it.
	ErrorLabel   = "Error: "
	successLabel = "Script output:\n"
	emptySuccess = "Script completed with no output."

	DefaultMaxBytes = 16 * 1024
)

type Formatter struct {
	// MaxBytes caps the message body after its label. Zero or less means
	// DefaultMaxBytes.
	MaxBytes int
}

func New(maxBytes int) *Formatter {
	return &Formatter{MaxBytes: maxBytes}
}

// Format renders a terminal record.
func (f *Formatter) Format(rec models.ScriptRecord) (string, error) {
	switch rec.Status {
	case models.ScriptStatusSucceeded:
		if rec.Output == "" {
			return emptySuccess, nil
		}
		return successLabel + f.truncate(rec.Output), nil

	case models.ScriptStatusFailed:
		// The diagnostic and partial output share one size budget
		var b strings.Builder
		b.WriteString(rec.Diagnostic)
		if rec.Output != "" {
			b.WriteString("\n\nOutput before the error:\n")
			b.WriteString(rec.Output)
		}
		return ErrorLabel + f.truncate(b.String()), nil

	default:
		return "", fmt.Errorf("%w: script %d is %s", ErrNotTerminal, rec.ID, rec.Status)
	}
}

func (f *Formatter) maxBytes() int {
	if f.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return f.MaxBytes
}

// truncate cuts s at a rune boundary and appends a visible marker.
func (f *Formatter) truncate(s string) string {
	limit := f.maxBytes()
	if len(s) <= limit {
		return s
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s\n[output truncated: showing %d of %d bytes]", s[:cut], cut, len(s))
}
