package job_test

import (
	"testing"

	"github.com/book-expert/stream-worker/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	t.Parallel()

	parsed, err := job.Parse([]byte(`{"story_id":"s1","seq":0,"text":"Hello.","voice_id":"v1","lang":"en-US"}`))
	require.NoError(t, err)

	assert.Equal(t, "s1", parsed.StoryID)
	assert.Equal(t, 0, parsed.Sequence)
	assert.InDelta(t, job.DefaultSpeed, parsed.Params.Speed, 0.0001)
	assert.Equal(t, job.FormatAAC, parsed.Params.Format)
	assert.False(t, parsed.IsFinal)
}

func TestParse_FinalFlagInParams(t *testing.T) {
	t.Parallel()

	parsed, err := job.Parse([]byte(`{"story_id":"s1","seq":4,"text":"End.","voice_id":"v1","lang":"fr-FR",` +
		`"params":{"speed":1.25,"format":"OPUS","is_final":true}}`))
	require.NoError(t, err)

	assert.True(t, parsed.IsFinal)
	assert.Equal(t, job.FormatOpus, parsed.Params.Format)
	assert.Equal(t, job.Identity{StoryID: "s1", Sequence: 4}, parsed.ID())
	assert.Equal(t, "s1:4", parsed.ID().String())
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		payload string
		want    error
	}{
		{"not json", `{`, nil},
		{"bad story id", `{"story_id":"a b","seq":0,"text":"x","voice_id":"v","lang":"en-US"}`, job.ErrStoryIDInvalid},
		{"missing seq", `{"story_id":"s","text":"x","voice_id":"v","lang":"en-US"}`, job.ErrSequenceMissing},
		{"negative seq", `{"story_id":"s","seq":-1,"text":"x","voice_id":"v","lang":"en-US"}`, job.ErrSequenceNegative},
		{"empty text", `{"story_id":"s","seq":0,"text":"  ","voice_id":"v","lang":"en-US"}`, job.ErrTextEmpty},
		{"empty voice", `{"story_id":"s","seq":0,"text":"x","voice_id":"","lang":"en-US"}`, job.ErrVoiceEmpty},
		{"bad lang shape", `{"story_id":"s","seq":0,"text":"x","voice_id":"v","lang":"english"}`, job.ErrLanguageInvalid},
		{"unknown lang", `{"story_id":"s","seq":0,"text":"x","voice_id":"v","lang":"qq-ZZ"}`, job.ErrLanguageInvalid},
		{"speed range", `{"story_id":"s","seq":0,"text":"x","voice_id":"v","lang":"en-US","params":{"speed":3}}`, job.ErrSpeedRange},
		{"format", `{"story_id":"s","seq":0,"text":"x","voice_id":"v","lang":"en-US","params":{"format":"wav"}}`, job.ErrFormatUnknown},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := job.Parse([]byte(testCase.payload))
			require.ErrorIs(t, err, job.ErrMalformed)

			if testCase.want != nil {
				require.ErrorIs(t, err, testCase.want)
			}
		})
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()

	original := job.Job{
		StoryID:  "s1",
		Sequence: 7,
		Text:     "Hi.",
		VoiceID:  "v",
		Language: "en-GB",
		Params:   job.Params{Speed: 1.0, Format: job.FormatMP3},
		IsFinal:  true,
	}

	parsed, err := job.FromMessage(original.ToMessage())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestValidStoryID(t *testing.T) {
	t.Parallel()

	assert.True(t, job.ValidStoryID("story_01-A"))
	assert.False(t, job.ValidStoryID("-leading"))
	assert.False(t, job.ValidStoryID("has/slash"))
	assert.False(t, job.ValidStoryID(""))
}
