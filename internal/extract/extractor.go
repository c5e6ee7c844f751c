// Package extract converts uploaded PDF, DOCX and TXT documents into
// normalized plain text.
package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/book-expert/narrator-service/internal/core"
)

var (
	blankLinesPattern    = regexp.MustCompile(`\n{3,}`)
	trailingSpacePattern = regexp.MustCompile(`[ \t]+\n`)
)

var _ core.Extractor = (*Extractor)(nil)

// Extractor dispatches to the format-specific converters. It holds no state.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// ParseFormat maps a declared file type or extension onto a DocumentFormat.
func ParseFormat(declared string) (core.DocumentFormat, error) {
	normalized := core.DocumentFormat(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(declared)), "."))

	switch normalized {
	case core.DocumentPDF, core.DocumentDOCX, core.DocumentTXT:
		return normalized, nil
	default:
		return "", core.Errorf(core.KindUnsupportedFormat, "unsupported document format %q", declared)
	}
}

// Extract returns the document text. It fails with UnsupportedFormat for an
// unknown format and ExtractionFailed for corrupt input or blank output.
func (e *Extractor) Extract(data []byte, format core.DocumentFormat) (string, error) {
	parsed, formatErr := ParseFormat(string(format))
	if formatErr != nil {
		return "", formatErr
	}

	var (
		raw string
		err error
	)

	switch parsed {
	case core.DocumentPDF:
		raw, err = extractPDF(data)
	case core.DocumentDOCX:
		raw, err = extractDOCX(data)
	default:
		raw, err = extractTXT(data)
	}

	if err != nil {
		return "", core.NewError(core.KindExtractionFailed, err)
	}

	text := Normalize(raw)
	if text == "" {
		return "", core.Errorf(core.KindExtractionFailed, "%s document contains no text", parsed)
	}

	return text, nil
}

// Normalize unifies line endings, drops control characters, trims trailing
// spaces and collapses runs of blank lines to a single paragraph break.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}

		if unicode.IsControl(r) || r == '\uFEFF' {
			return -1
		}

		return r
	}, text)

	text = trailingSpacePattern.ReplaceAllString(text, "\n")
	text = blankLinesPattern.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
