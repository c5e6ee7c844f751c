package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/text/encoding/charmap"
)

const docxBodyPart = "word/document.xml"

var (
	// ErrEmptyDocument indicates a zero-length upload.
	ErrEmptyDocument = errors.New("document is empty")
	// ErrMissingDocxBody indicates a DOCX archive without word/document.xml.
	ErrMissingDocxBody = errors.New("docx archive has no " + docxBodyPart)
)

func extractPDF(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyDocument
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	defer doc.Close()

	pages := make([]string, 0, doc.NumPage())

	for pageNum := range doc.NumPage() {
		pageText, textErr := doc.Text(pageNum)
		if textErr != nil {
			return "", fmt.Errorf("failed to read text of page %d: %w", pageNum+1, textErr)
		}

		if strings.TrimSpace(pageText) != "" {
			pages = append(pages, pageText)
		}
	}

	return strings.Join(pages, "\n\n"), nil
}

func extractDOCX(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyDocument
	}

	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open docx archive: %w", err)
	}

	for _, file := range archive.File {
		if file.Name != docxBodyPart {
			continue
		}

		body, openErr := file.Open()
		if openErr != nil {
			return "", fmt.Errorf("failed to open %s: %w", docxBodyPart, openErr)
		}

		text, parseErr := docxParagraphs(body)
		closeErr := body.Close()

		if parseErr != nil {
			return "", parseErr
		}

		if closeErr != nil {
			return "", fmt.Errorf("failed to close %s: %w", docxBodyPart, closeErr)
		}

		return text, nil
	}

	return "", ErrMissingDocxBody
}

// docxParagraphs walks WordprocessingML and keeps run text, one paragraph per w:p.
func docxParagraphs(body io.Reader) (string, error) {
	decoder := xml.NewDecoder(body)

	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", docxBodyPart, err)
		}

		switch element := token.(type) {
		case xml.StartElement:
			switch element.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br", "cr":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch element.Name.Local {
			case "t":
				inText = false
			case "p":
				if strings.TrimSpace(current.String()) != "" {
					paragraphs = append(paragraphs, current.String())
				}

				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(element)
			}
		}
	}

	return strings.Join(paragraphs, "\n\n"), nil
}

// extractTXT reads UTF-8 and falls back to Latin-1 for legacy uploads.
func extractTXT(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyDocument
	}

	if utf8.Valid(data) {
		return string(data), nil
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode text as latin-1: %w", err)
	}

	return string(decoded), nil
}
