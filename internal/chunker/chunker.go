// Package chunker splits extracted document text into bounded synthesis units.
//
// Chunks are packed greedily from whole sentences; paragraph breaks inside a
// chunk are kept as a blank line. A sentence longer than the limit is
// cut on word boundaries, and a single word longer than the limit is cut on
// rune boundaries. Splitting is pure: the same input always yields the same
// chunks, and joining the chunks with whitespace reproduces the input modulo
// whitespace.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkChars bounds a chunk when no limit is configured.
const DefaultMaxChunkChars = 2000

const paragraphSeparator = "\n\n"

// Split returns the ordered chunk texts for text. Limits are counted in runes.
// A non-positive maxChunkChars selects DefaultMaxChunkChars.
func Split(text string, maxChunkChars int) []string {
	if maxChunkChars <= 0 {
		maxChunkChars = DefaultMaxChunkChars
	}

	packer := &packer{limit: maxChunkChars}

	for _, paragraph := range paragraphs(text) {
		packer.paragraphBreak()

		for _, sentence := range sentences(paragraph) {
			if runeLen(sentence) > maxChunkChars {
				for _, piece := range splitLong(sentence, maxChunkChars) {
					packer.add(piece)
				}

				continue
			}

			packer.add(sentence)
		}
	}

	return packer.finish()
}

// packer accumulates units into chunks no longer than limit.
type packer struct {
	chunks     []string
	current    strings.Builder
	currentLen int
	limit      int
	newPara    bool
}

func (p *packer) paragraphBreak() {
	p.newPara = true
}

func (p *packer) add(unit string) {
	separator := " "
	if p.newPara {
		separator = paragraphSeparator
	}

	p.newPara = false
	unitLen := runeLen(unit)

	if p.currentLen > 0 && p.currentLen+len(separator)+unitLen > p.limit {
		p.flush()
	}

	if p.currentLen > 0 {
		p.current.WriteString(separator)
		p.currentLen += len(separator)
	}

	p.current.WriteString(unit)
	p.currentLen += unitLen
}

func (p *packer) flush() {
	if p.currentLen == 0 {
		return
	}

	p.chunks = append(p.chunks, p.current.String())
	p.current.Reset()
	p.currentLen = 0
}

func (p *packer) finish() []string {
	p.flush()

	return p.chunks
}

// paragraphs splits on blank lines and drops empty paragraphs. Single line
// breaks inside a paragraph are folded to spaces.
func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var result []string

	for _, block := range strings.Split(text, paragraphSeparator) {
		folded := strings.Join(strings.Fields(block), " ")
		if folded != "" {
			result = append(result, folded)
		}
	}

	return result
}

// sentences splits a whitespace-folded paragraph after terminal punctuation
// that is followed by a space. Closing quotes and brackets stay with their
// sentence.
func sentences(paragraph string) []string {
	var (
		result []string
		start  int
	)

	runes := []rune(paragraph)

	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}

		end := i + 1
		for end < len(runes) && isCloser(runes[end]) {
			end++
		}

		if end < len(runes) && runes[end] != ' ' {
			continue
		}

		sentence := strings.TrimSpace(string(runes[start:end]))
		if sentence != "" {
			result = append(result, sentence)
		}

		start = end
		i = end - 1
	}

	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		result = append(result, tail)
	}

	return result
}

// splitLong cuts an oversized sentence on word boundaries.
func splitLong(sentence string, limit int) []string {
	var (
		pieces     []string
		current    strings.Builder
		currentLen int
	)

	emit := func() {
		if currentLen > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, word := range strings.Fields(sentence) {
		wordLen := runeLen(word)

		if wordLen > limit {
			emit()
			pieces = append(pieces, splitRunes(word, limit)...)

			continue
		}

		if currentLen > 0 && currentLen+1+wordLen > limit {
			emit()
		}

		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}

		current.WriteString(word)
		currentLen += wordLen
	}

	emit()

	return pieces
}

func splitRunes(word string, limit int) []string {
	runes := []rune(word)
	pieces := make([]string, 0, len(runes)/limit+1)

	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		pieces = append(pieces, string(runes[start:end]))
	}

	return pieces
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	default:
		return false
	}
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»':
		return true
	default:
		return unicode.Is(unicode.Pe, r)
	}
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
