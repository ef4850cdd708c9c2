// Package audio provides the raw PCM conventions and sample-level processing
// applied before audio reaches the encoder: silence trimming, crossfades
// between units and fixed-size framing.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Raw PCM layout produced by the speech engine.
const (
	SampleRate     = 24000
	Channels       = 1
	BitDepth       = 16
	BytesPerSample = BitDepth / 8 * Channels
	BytesPerSecond = SampleRate * BytesPerSample
)

// Processing defaults.
const (
	DefaultCrossfade     = 15 * time.Millisecond
	DefaultTrimWindow    = 10 * time.Millisecond
	DefaultTrimPadding   = 5 * time.Millisecond
	DefaultTrimThreshold = 0.01
)

const (
	errFmtOddLength = "%w: %d bytes is not a whole number of samples"
)

// ErrInvalidPCM indicates a buffer that is not 16-bit mono PCM.
var ErrInvalidPCM = errors.New("invalid pcm")

// Validate checks that pcm holds whole samples.
func Validate(pcm []byte) error {
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf(errFmtOddLength, ErrInvalidPCM, len(pcm))
	}

	return nil
}

// Duration returns the playback length of n bytes.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / BytesPerSecond
}

// Samples converts a duration to a sample count.
func Samples(d time.Duration) int {
	return int(d * SampleRate / time.Second)
}

// Bytes converts a duration to a byte count aligned to whole samples.
func Bytes(d time.Duration) int {
	return Samples(d) * BytesPerSample
}

func decode(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	return samples
}

func encode(samples []int16) []byte {
	pcm := make([]byte, len(samples)*BytesPerSample)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
	}

	return pcm
}
