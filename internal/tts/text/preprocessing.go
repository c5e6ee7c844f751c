// Package text prepares chunk text for speech engines: abbreviations and
// integers are spelled out, citation and reference markers are dropped, and
// quotes, dashes and whitespace are normalized. URLs and email addresses pass
// through untouched.
package text

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// NumberBaseTen represents the base for decimal number system.
	NumberBaseTen = 10
	// NumberBaseTwenty represents the boundary for teen numbers.
	NumberBaseTwenty = 20
	// NumberBaseHundred represents the base for hundreds.
	NumberBaseHundred = 100
	// NumberBaseThousand represents the base for thousands.
	NumberBaseThousand = 1000
	// MaxNumberForWords represents the maximum number that can be converted to words.
	MaxNumberForWords = 999999
)

// Regex patterns for text preprocessing.
const (
	urlRegexPattern        = `https?://\S+`
	emailRegexPattern      = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	numberRegexPattern     = `\b\d+\b`
	referenceRegexPattern  = `\[\d+(?:[,–-]\s*\d+)*\]|\(\d+\)|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	citationRegexPattern   = `\([^()]*\b\d{4}[a-z]?\)`
	whitespaceRegexPattern = `\s+`
	spaceBeforePunctuation = `\s+([.,;:!?])`
	abbreviationPattern    = `\b(?:Mrs|Mr|Ms|Dr|Prof|St|Co|Ltd|Corp|Inc|Fig|vs|etc|e\.g|i\.e)\.`
)

var abbreviations = map[string]string{
	"Mr.":   "Mister",
	"Mrs.":  "Misses",
	"Ms.":   "Miss",
	"Dr.":   "Doctor",
	"Prof.": "Professor",
	"St.":   "Saint",
	"Co.":   "Company",
	"Ltd.":  "Limited",
	"Corp.": "Corporation",
	"Inc.":  "Incorporated",
	"Fig.":  "Figure",
	"vs.":   "versus",
	"etc.":  "et cetera",
	"e.g.":  "for example",
	"i.e.":  "that is",
}

// Placeholder frame for preserved tokens. The index is spelled in letters so
// number normalization never touches it.
const (
	placeholderPrefix = "PRESERVEDTOKEN"
	placeholderSuffix = "X"
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Preprocessor normalizes chunk text for speech synthesis.
type Preprocessor struct {
	urlPattern        *regexp.Regexp
	emailPattern      *regexp.Regexp
	numberPattern     *regexp.Regexp
	referencePattern  *regexp.Regexp
	citationPattern   *regexp.Regexp
	whitespacePattern *regexp.Regexp
	spacePunctPattern *regexp.Regexp
	placeholder       *regexp.Regexp
	abbreviation      *regexp.Regexp

	punctuationReplacer *strings.Replacer
	numbers             *numberConverter
}

// NewPreprocessor creates a text preprocessor with compiled patterns and replacers.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		urlPattern:        regexp.MustCompile(urlRegexPattern),
		emailPattern:      regexp.MustCompile(emailRegexPattern),
		numberPattern:     regexp.MustCompile(numberRegexPattern),
		referencePattern:  regexp.MustCompile(referenceRegexPattern),
		citationPattern:   regexp.MustCompile(citationRegexPattern),
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		spacePunctPattern: regexp.MustCompile(spaceBeforePunctuation),
		placeholder:       regexp.MustCompile(placeholderPrefix + `[a-z]+` + placeholderSuffix),
		abbreviation:      regexp.MustCompile(abbreviationPattern),
		punctuationReplacer: strings.NewReplacer(
			emDash, " - ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
		numbers: newNumberConverter(),
	}
}

// PreprocessText returns text ready to send to an engine.
func (p *Preprocessor) PreprocessText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	preserved, tokens := p.preserveTokens(text)

	cleaned := p.referencePattern.ReplaceAllString(preserved, "")
	cleaned = p.citationPattern.ReplaceAllString(cleaned, "")
	cleaned = p.abbreviation.ReplaceAllStringFunc(cleaned, func(match string) string {
		return abbreviations[match]
	})
	cleaned = p.normalizeNumbers(cleaned)
	cleaned = p.punctuationReplacer.Replace(cleaned)
	cleaned = p.removeRepeatedPunctuation(cleaned)
	cleaned = p.whitespacePattern.ReplaceAllString(cleaned, " ")
	cleaned = p.spacePunctPattern.ReplaceAllString(cleaned, "$1")

	return ensureSentenceEnding(p.restoreTokens(strings.TrimSpace(cleaned), tokens))
}

// normalizeNumbers spells out every standalone integer.
func (p *Preprocessor) normalizeNumbers(text string) string {
	return p.numberPattern.ReplaceAllStringFunc(text, func(match string) string {
		num, err := strconv.Atoi(match)
		if err != nil {
			return match
		}

		return p.numbers.toWords(num)
	})
}

// preserveTokens swaps URLs and emails for placeholders.
func (p *Preprocessor) preserveTokens(text string) (string, []string) {
	var tokens []string

	replace := func(match string) string {
		tokens = append(tokens, match)

		return placeholderPrefix + letterIndex(len(tokens)-1) + placeholderSuffix
	}

	text = p.urlPattern.ReplaceAllStringFunc(text, replace)
	text = p.emailPattern.ReplaceAllStringFunc(text, replace)

	return text, tokens
}

func (p *Preprocessor) restoreTokens(text string, tokens []string) string {
	if len(tokens) == 0 {
		return text
	}

	return p.placeholder.ReplaceAllStringFunc(text, func(match string) string {
		letters := strings.TrimSuffix(strings.TrimPrefix(match, placeholderPrefix), placeholderSuffix)

		index := lettersToIndex(letters)
		if index < 0 || index >= len(tokens) {
			return match
		}

		return tokens[index]
	})
}

// removeRepeatedPunctuation collapses runs of the same punctuation mark,
// keeping ellipses.
func (p *Preprocessor) removeRepeatedPunctuation(text string) string {
	var (
		builder strings.Builder
		last    rune
		run     int
	)

	for _, char := range text {
		if char == last && unicode.IsPunct(char) {
			run++
			if char != '.' || run >= len(ellipsis) {
				continue
			}
		} else {
			run = 0
		}

		builder.WriteRune(char)
		last = char
	}

	return builder.String()
}

func ensureSentenceEnding(text string) string {
	if text == "" {
		return ""
	}

	lastChar, _ := utf8.DecodeLastRuneInString(text)

	switch lastChar {
	case '.', '!', '?', '"', '\'', ')':
		return text
	default:
		return text + "."
	}
}

// letterIndex spells a non-negative index in base 26 with lowercase letters.
func letterIndex(index int) string {
	var letters []byte

	for {
		letters = append([]byte{byte('a' + index%26)}, letters...)

		index /= 26
		if index == 0 {
			return string(letters)
		}
	}
}

func lettersToIndex(letters string) int {
	if letters == "" {
		return -1
	}

	index := 0

	for _, letter := range letters {
		if letter < 'a' || letter > 'z' {
			return -1
		}

		index = index*26 + int(letter-'a')
	}

	return index
}

type numberConverter struct {
	ones  []string
	teens []string
	tens  []string
}

func newNumberConverter() *numberConverter {
	return &numberConverter{
		ones: []string{
			"", "one", "two", "three", "four", "five",
			"six", "seven", "eight", "nine",
		},
		teens: []string{
			"ten", "eleven", "twelve", "thirteen", "fourteen",
			"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
		},
		tens: []string{
			"", "", "twenty", "thirty", "forty", "fifty",
			"sixty", "seventy", "eighty", "ninety",
		},
	}
}

func (nc *numberConverter) underHundred(num int) string {
	switch {
	case num < NumberBaseTen:
		return nc.ones[num]
	case num < NumberBaseTwenty:
		return nc.teens[num-NumberBaseTen]
	}

	result := nc.tens[num/NumberBaseTen]
	if num%NumberBaseTen > 0 {
		result += " " + nc.ones[num%NumberBaseTen]
	}

	return result
}

// underThousand spells 1..999.
func (nc *numberConverter) underThousand(num int) string {
	var parts []string

	if hundreds := num / NumberBaseHundred; hundreds > 0 {
		parts = append(parts, nc.ones[hundreds]+" hundred")
	}

	if remainder := num % NumberBaseHundred; remainder > 0 {
		parts = append(parts, nc.underHundred(remainder))
	}

	return strings.Join(parts, " ")
}

// toWords spells 0..MaxNumberForWords in English; larger values stay digits.
func (nc *numberConverter) toWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number == 0 {
		return "zero"
	}

	var parts []string

	if thousands := number / NumberBaseThousand; thousands > 0 {
		parts = append(parts, nc.underThousand(thousands)+" thousand")
	}

	if remainder := number % NumberBaseThousand; remainder > 0 {
		parts = append(parts, nc.underThousand(remainder))
	}

	return strings.Join(parts, " ")
}
