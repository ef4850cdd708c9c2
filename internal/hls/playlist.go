// Package hls reads and writes the event playlists that index a story's
// fMP4 segments.
package hls

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// File names inside a story's directory and storage prefix.
const (
	InitName     = "init.mp4"
	ManifestName = "manifest.m3u8"
	// SegmentPattern is the printf pattern handed to the encoder.
	SegmentPattern = "segment_%05d.m4s"
	EndList        = "#EXT-X-ENDLIST"
)

const (
	tagHeader         = "#EXTM3U"
	tagVersion        = "#EXT-X-VERSION:"
	tagTargetDuration = "#EXT-X-TARGETDURATION:"
	tagMediaSequence  = "#EXT-X-MEDIA-SEQUENCE:"
	tagPlaylistType   = "#EXT-X-PLAYLIST-TYPE:"
	tagMap            = "#EXT-X-MAP:"
	tagInf            = "#EXTINF:"
	tagDiscontinuity  = "#EXT-X-DISCONTINUITY"
	tagIndependent    = "#EXT-X-INDEPENDENT-SEGMENTS"
	playlistVersion   = 7
)

// ErrNotPlaylist indicates data without the #EXTM3U header.
var ErrNotPlaylist = errors.New("not an m3u8 playlist")

var segmentNamePattern = regexp.MustCompile(`segment_(\d+)\.m4s$`)

// Segment is one media segment entry.
type Segment struct {
	Sequence      int
	Duration      float64
	URI           string
	Discontinuity bool
}

// Playlist is a parsed media playlist.
type Playlist struct {
	MediaSequence int
	MapURI        string
	Segments      []Segment
	Ended         bool
}

// SegmentName returns the object name of segment sequence.
func SegmentName(sequence int) string {
	return fmt.Sprintf(SegmentPattern, sequence)
}

// SegmentSequence extracts the sequence number from a segment name or path.
func SegmentSequence(name string) (int, bool) {
	match := segmentNamePattern.FindStringSubmatch(name)
	if match == nil {
		return 0, false
	}

	sequence, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}

	return sequence, true
}

// Parse reads a media playlist.
func Parse(data []byte) (Playlist, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	var (
		playlist      Playlist
		sawHeader     bool
		duration      float64
		discontinuity bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == tagHeader:
			sawHeader = true
		case strings.HasPrefix(line, tagMediaSequence):
			value, err := strconv.Atoi(strings.TrimPrefix(line, tagMediaSequence))
			if err != nil {
				return Playlist{}, fmt.Errorf("invalid media sequence %q: %w", line, err)
			}

			playlist.MediaSequence = value
		case strings.HasPrefix(line, tagMap):
			playlist.MapURI = mapURI(line)
		case strings.HasPrefix(line, tagInf):
			value := strings.TrimPrefix(line, tagInf)
			value, _, _ = strings.Cut(value, ",")

			parsed, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Playlist{}, fmt.Errorf("invalid segment duration %q: %w", line, err)
			}

			duration = parsed
		case line == tagDiscontinuity:
			discontinuity = true
		case line == EndList:
			playlist.Ended = true
		case strings.HasPrefix(line, "#"):
			continue
		default:
			sequence, ok := SegmentSequence(line)
			if !ok {
				sequence = playlist.MediaSequence + len(playlist.Segments)
			}

			playlist.Segments = append(playlist.Segments, Segment{
				Sequence:      sequence,
				Duration:      duration,
				URI:           line,
				Discontinuity: discontinuity,
			})
			duration = 0
			discontinuity = false
		}
	}

	scanErr := scanner.Err()
	if scanErr != nil {
		return Playlist{}, fmt.Errorf("failed to read playlist: %w", scanErr)
	}

	if !sawHeader {
		return Playlist{}, ErrNotPlaylist
	}

	return playlist, nil
}

func mapURI(line string) string {
	_, after, found := strings.Cut(line, `URI="`)
	if !found {
		return ""
	}

	uri, _, _ := strings.Cut(after, `"`)

	return uri
}

// Sequences lists the segment sequences referenced by the playlist.
func (p Playlist) Sequences() []int {
	sequences := make([]int, 0, len(p.Segments))
	for _, segment := range p.Segments {
		sequences = append(sequences, segment.Sequence)
	}

	return sequences
}

// Duration is the summed duration of all segments, in seconds.
func (p Playlist) Duration() float64 {
	total := 0.0
	for _, segment := range p.Segments {
		total += segment.Duration
	}

	return total
}

// Render writes the playlist as an fMP4 event playlist.
func (p Playlist) Render() []byte {
	var buf bytes.Buffer

	target := 1.0
	for _, segment := range p.Segments {
		target = math.Max(target, segment.Duration)
	}

	mediaSequence := p.MediaSequence
	if len(p.Segments) > 0 {
		mediaSequence = p.Segments[0].Sequence
	}

	mapName := p.MapURI
	if mapName == "" {
		mapName = InitName
	}

	fmt.Fprintln(&buf, tagHeader)
	fmt.Fprintf(&buf, "%s%d\n", tagVersion, playlistVersion)
	fmt.Fprintf(&buf, "%s%d\n", tagTargetDuration, int(math.Ceil(target)))
	fmt.Fprintf(&buf, "%s%d\n", tagMediaSequence, mediaSequence)
	fmt.Fprintf(&buf, "%sEVENT\n", tagPlaylistType)
	fmt.Fprintln(&buf, tagIndependent)
	fmt.Fprintf(&buf, "%sURI=%q\n", tagMap, mapName)

	for _, segment := range p.Segments {
		if segment.Discontinuity {
			fmt.Fprintln(&buf, tagDiscontinuity)
		}

		fmt.Fprintf(&buf, "%s%.6f,\n", tagInf, segment.Duration)
		fmt.Fprintln(&buf, segment.URI)
	}

	if p.Ended {
		fmt.Fprintln(&buf, EndList)
	}

	return buf.Bytes()
}

// Continue appends the segments of a resumed encoder run to the segments
// published before the interruption. Prior segments at or after the first
// new sequence are dropped and the join is marked as a discontinuity.
func Continue(prior, current Playlist) Playlist {
	if len(prior.Segments) == 0 {
		return current
	}

	merged := Playlist{
		MediaSequence: prior.MediaSequence,
		MapURI:        current.MapURI,
		Ended:         current.Ended,
	}

	first := math.MaxInt
	if len(current.Segments) > 0 {
		first = current.Segments[0].Sequence
	}

	for _, segment := range prior.Segments {
		if segment.Sequence < first {
			merged.Segments = append(merged.Segments, segment)
		}
	}

	for i, segment := range current.Segments {
		if i == 0 && len(merged.Segments) > 0 {
			segment.Discontinuity = true
		}

		merged.Segments = append(merged.Segments, segment)
	}

	return merged
}
