package synth

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

const (
	numberBaseTen      = 10
	numberBaseTwenty   = 20
	numberBaseHundred  = 100
	numberBaseThousand = 1000
	// maxNumberForWords is the largest integer spelled out. Larger numbers
	// are left for the engine.
	maxNumberForWords = 999999
)

var (
	numberPattern = regexp.MustCompile(`\b\d+\b`)
	// Bracketed or superscript footnote markers such as [12] or ³.
	referencePattern = regexp.MustCompile(`\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`)
)

var (
	onesWords = []string{
		"", "one", "two", "three", "four", "five",
		"six", "seven", "eight", "nine",
	}
	teensWords = []string{
		"ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{
		"", "", "twenty", "thirty", "forty", "fifty",
		"sixty", "seventy", "eighty", "ninety",
	}
)

// isEnglish reports whether tag names an English locale.
func isEnglish(tag string) bool {
	parsed, err := language.Parse(tag)
	if err != nil {
		return false
	}

	base, _ := parsed.Base()

	return base.String() == "en"
}

// spellNumbers replaces standalone integers with English words.
func spellNumbers(text string) string {
	return numberPattern.ReplaceAllStringFunc(text, func(s string) string {
		// Leading zeros are codes or times, not quantities.
		if len(s) > 1 && s[0] == '0' {
			return s
		}

		number, err := strconv.Atoi(s)
		if err != nil {
			return s
		}

		return integerToWords(number)
	})
}

func stripReferences(text string) string {
	return referencePattern.ReplaceAllString(text, "")
}

func integerToWords(number int) string {
	if number < 0 || number > maxNumberForWords {
		return strconv.Itoa(number)
	}

	if number == 0 {
		return "zero"
	}

	var parts []string

	if thousands := number / numberBaseThousand; thousands > 0 {
		parts = append(parts, underThousand(thousands)+" thousand")
	}

	if remaining := number % numberBaseThousand; remaining > 0 {
		parts = append(parts, underThousand(remaining))
	}

	return strings.Join(parts, " ")
}

func underThousand(number int) string {
	hundreds := number / numberBaseHundred
	remainder := number % numberBaseHundred

	switch {
	case hundreds == 0:
		return underHundred(remainder)
	case remainder == 0:
		return onesWords[hundreds] + " hundred"
	default:
		return onesWords[hundreds] + " hundred " + underHundred(remainder)
	}
}

func underHundred(number int) string {
	switch {
	case number < numberBaseTen:
		return onesWords[number]
	case number < numberBaseTwenty:
		return teensWords[number-numberBaseTen]
	case number%numberBaseTen == 0:
		return tensWords[number/numberBaseTen]
	default:
		return tensWords[number/numberBaseTen] + " " + onesWords[number%numberBaseTen]
	}
}
