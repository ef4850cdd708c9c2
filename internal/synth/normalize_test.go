package synth_test

import (
	"testing"

	"github.com/book-expert/stream-worker/internal/synth"
	"github.com/stretchr/testify/assert"
)

func TestNormalizer_Normalize(t *testing.T) {
	t.Parallel()

	normalizer := synth.NewNormalizer()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "whitespace", input: "  The   rain\tfell \n softly ", expected: "The rain fell softly."},
		{name: "smart quotes", input: "“Wait,” she said. ‘Now.’", expected: `"Wait," she said. 'Now.'`},
		{name: "ellipsis", input: "And then…", expected: "And then..."},
		{name: "em dash", input: "It was late—too late.", expected: "It was late, too late."},
		{name: "en dash", input: "pages 10–12", expected: "pages 10-12."},
		{name: "abbreviations", input: "Dr. Watson met Mrs. Hudson", expected: "Doctor Watson met Misses Hudson."},
		{name: "saint before a name", input: "The bells of St. Paul rang", expected: "The bells of Saint Paul rang."},
		{name: "street kept", input: "She lived on Main St. near the park", expected: "She lived on Main St. near the park."},
		{name: "question kept", input: "Are you there?", expected: "Are you there?"},
		{name: "trailing comma", input: "One, two,", expected: "One, two."},
		{name: "composed", input: "café", expected: "café."},
		{name: "empty", input: "   ", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, normalizer.Normalize(tt.input))
		})
	}
}

func TestNormalizer_NormalizeFor(t *testing.T) {
	t.Parallel()

	normalizer := synth.NewNormalizer()

	tests := []struct {
		name     string
		input    string
		language string
		expected string
	}{
		{name: "english numbers", input: "She was 21 in 1999", language: "en-US", expected: "She was twenty one in one thousand nine hundred ninety nine."},
		{name: "round numbers", input: "It cost 300 or 40000", language: "en-GB", expected: "It cost three hundred or forty thousand."},
		{name: "zero and teens", input: "0 and 13", language: "en-US", expected: "zero and thirteen."},
		{name: "leading zero kept", input: "Call 007", language: "en-US", expected: "Call 007."},
		{name: "too large kept", input: "About 1000000 stars", language: "en-US", expected: "About 1000000 stars."},
		{name: "footnotes removed", input: "The answer[2] is near³", language: "en-US", expected: "The answer is near."},
		{name: "other language untouched", input: "Il avait 21 ans", language: "fr-FR", expected: "Il avait 21 ans."},
		{name: "invalid tag untouched", input: "Room 5", language: "", expected: "Room 5."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, normalizer.NormalizeFor(tt.input, tt.language))
		})
	}
}
