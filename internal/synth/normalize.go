package synth

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Normalizer cleans sentence text before synthesis. Idempotency keys are
// computed on the raw text, never on the normalized form.
type Normalizer struct {
	whitespacePattern    *regexp.Regexp
	// "St." reads as Saint only in front of a name. "Main St." is a street.
	saintPattern         *regexp.Regexp
	abbreviationReplacer *strings.Replacer
	punctuationReplacer  *strings.Replacer
}

// NewNormalizer compiles the patterns once.
func NewNormalizer() *Normalizer {
	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Ms.", "Miss",
		"Dr.", "Doctor",
	}

	return &Normalizer{
		whitespacePattern:    regexp.MustCompile(`\s+`),
		saintPattern:         regexp.MustCompile(`\bSt\.(\s+\p{Lu})`),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		punctuationReplacer: strings.NewReplacer(
			emDash, ", ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize composes the text to NFC, collapses whitespace, straightens quotes, replaces dashes and
// ends the sentence with terminal punctuation.
func (n *Normalizer) Normalize(text string) string {
	text = norm.NFC.String(text)
	text = n.saintPattern.ReplaceAllString(text, "Saint${1}")
	text = n.abbreviationReplacer.Replace(text)
	text = n.punctuationReplacer.Replace(text)
	text = n.whitespacePattern.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, " ,", ",")

	return ensureSentenceEnding(strings.TrimSpace(text))
}

// NormalizeFor is Normalize plus the language specific rewrites: English
// text loses footnote markers and has its integers spelled out.
func (n *Normalizer) NormalizeFor(text, languageTag string) string {
	if isEnglish(languageTag) {
		text = spellNumbers(stripReferences(text))
	}

	return n.Normalize(text)
}

func ensureSentenceEnding(text string) string {
	if text == "" {
		return ""
	}

	lastChar, _ := utf8.DecodeLastRuneInString(text)

	switch {
	case lastChar == '.' || lastChar == '!' || lastChar == '?' || lastChar == '"' || lastChar == '\'':
		return text
	case unicode.IsPunct(lastChar):
		return strings.TrimRightFunc(text, unicode.IsPunct) + "."
	default:
		return text + "."
	}
}
