// Package job defines the synthesis unit carried on the work queue and the
// validation applied to it before it reaches the scheduler.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/language"
)

// Format is the requested output codec for a story.
type Format string

// Supported output codecs.
const (
	FormatAAC  Format = "aac"
	FormatOpus Format = "opus"
	FormatMP3  Format = "mp3"
)

// Parameter bounds and defaults.
const (
	MinSpeed      = 0.5
	MaxSpeed      = 2.0
	DefaultSpeed  = 1.0
	DefaultFormat = FormatAAC
	maxStoryIDLen = 128
)

// ErrMalformed marks a queue message that violates the schema. Malformed
// messages are never synthesized and never retried.
var ErrMalformed = errors.New("malformed job")

// Field-level validation errors, always wrapped with ErrMalformed.
var (
	ErrStoryIDInvalid   = errors.New("story_id must match [A-Za-z0-9][A-Za-z0-9_-]*")
	ErrSequenceMissing  = errors.New("seq is required")
	ErrSequenceNegative = errors.New("seq must be non-negative")
	ErrTextEmpty        = errors.New("text cannot be empty")
	ErrVoiceEmpty       = errors.New("voice_id cannot be empty")
	ErrLanguageInvalid  = errors.New("lang must be an xx-YY locale tag")
	ErrSpeedRange       = errors.New("speed must be between 0.5 and 2.0")
	ErrFormatUnknown    = errors.New("format must be one of aac, opus, mp3")
)

// Story ids double as KV keys and object name prefixes, so they are restricted
// to characters both accept.
var storyIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

var localePattern = regexp.MustCompile(`^[a-z]{2}-[A-Z]{2}$`)

// Params carries the per-unit rendering parameters.
type Params struct {
	Speed   float64 `json:"speed"`
	Format  Format  `json:"format"`
	IsFinal bool    `json:"is_final,omitempty"`
}

// Message is the wire schema of a queue message.
type Message struct {
	StoryID        string `json:"story_id"`
	Seq            *int   `json:"seq"`
	Text           string `json:"text"`
	VoiceID        string `json:"voice_id"`
	Lang           string `json:"lang"`
	Params         Params `json:"params"`
	IsFinal        bool   `json:"is_final,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Job is one sentence-level synthesis unit. It is immutable once enqueued and
// identified by (StoryID, Sequence).
type Job struct {
	StoryID        string
	Sequence       int
	Text           string
	VoiceID        string
	Language       string
	Params         Params
	IsFinal        bool
	IdempotencyKey string
}

// Identity is the (story, sequence) pair that names a unit.
type Identity struct {
	StoryID  string
	Sequence int
}

// String renders the identity for logs.
func (i Identity) String() string {
	return fmt.Sprintf("%s:%d", i.StoryID, i.Sequence)
}

// ID returns the unit identity.
func (j Job) ID() Identity {
	return Identity{StoryID: j.StoryID, Sequence: j.Sequence}
}

// Parse decodes and validates a queue message body.
func Parse(data []byte) (Job, error) {
	var msg Message

	err := json.Unmarshal(data, &msg)
	if err != nil {
		return Job{}, fmt.Errorf("%w: failed to unmarshal message: %w", ErrMalformed, err)
	}

	return FromMessage(msg)
}

// FromMessage validates a decoded message and applies parameter defaults.
func FromMessage(msg Message) (Job, error) {
	params := msg.Params
	if params.Speed == 0 {
		params.Speed = DefaultSpeed
	}

	if params.Format == "" {
		params.Format = DefaultFormat
	}

	params.Format = Format(strings.ToLower(string(params.Format)))

	validationErr := validate(msg, params)
	if validationErr != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrMalformed, validationErr)
	}

	return Job{
		StoryID:        msg.StoryID,
		Sequence:       *msg.Seq,
		Text:           msg.Text,
		VoiceID:        msg.VoiceID,
		Language:       msg.Lang,
		Params:         params,
		IsFinal:        msg.IsFinal || params.IsFinal,
		IdempotencyKey: msg.IdempotencyKey,
	}, nil
}

// ToMessage converts a job back into its wire form.
func (j Job) ToMessage() Message {
	seq := j.Sequence

	return Message{
		StoryID:        j.StoryID,
		Seq:            &seq,
		Text:           j.Text,
		VoiceID:        j.VoiceID,
		Lang:           j.Language,
		Params:         j.Params,
		IsFinal:        j.IsFinal,
		IdempotencyKey: j.IdempotencyKey,
	}
}

// ValidStoryID reports whether id is usable as a story identifier.
func ValidStoryID(id string) bool {
	return len(id) <= maxStoryIDLen && storyIDPattern.MatchString(id)
}

func validate(msg Message, params Params) error {
	if !ValidStoryID(msg.StoryID) {
		return fmt.Errorf("%w: %q", ErrStoryIDInvalid, msg.StoryID)
	}

	if msg.Seq == nil {
		return ErrSequenceMissing
	}

	if *msg.Seq < 0 {
		return fmt.Errorf("%w: got %d", ErrSequenceNegative, *msg.Seq)
	}

	if strings.TrimSpace(msg.Text) == "" {
		return ErrTextEmpty
	}

	if strings.TrimSpace(msg.VoiceID) == "" {
		return ErrVoiceEmpty
	}

	langErr := validateLanguage(msg.Lang)
	if langErr != nil {
		return langErr
	}

	if params.Speed < MinSpeed || params.Speed > MaxSpeed {
		return fmt.Errorf("%w: got %f", ErrSpeedRange, params.Speed)
	}

	switch params.Format {
	case FormatAAC, FormatOpus, FormatMP3:
	default:
		return fmt.Errorf("%w: got %q", ErrFormatUnknown, params.Format)
	}

	return nil
}

func validateLanguage(lang string) error {
	if !localePattern.MatchString(lang) {
		return fmt.Errorf("%w: got %q", ErrLanguageInvalid, lang)
	}

	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLanguageInvalid, err)
	}

	_, confidence := tag.Base()
	if confidence == language.No {
		return fmt.Errorf("%w: unknown base language in %q", ErrLanguageInvalid, lang)
	}

	return nil
}
