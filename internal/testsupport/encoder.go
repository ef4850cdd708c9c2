package testsupport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/book-expert/stream-worker/internal/audio"
	"github.com/book-expert/stream-worker/internal/hls"
	"github.com/book-expert/stream-worker/internal/pipeline"
)

// ErrEncoderKilled is the exit error of a killed FakeEncoder.
var ErrEncoderKilled = errors.New("killed")

// FakeEncoder cuts a segment every full second of input and keeps an
// ffmpeg-style event playlist in its directory.
type FakeEncoder struct {
	cfg   pipeline.EncoderConfig
	block chan struct{}

	mu       sync.Mutex
	buffered []byte
	segments []hls.Segment
	next     int
	closes   int
	done     chan struct{}
	err      error
}

// Write buffers pcm and emits whole-second segments. With BlockWrites set on
// the factory it blocks until the encoder exits.
func (e *FakeEncoder) Write(pcm []byte) (int, error) {
	if e.block != nil {
		select {
		case <-e.block:
		case <-e.done:
			return 0, ErrEncoderKilled
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.buffered = append(e.buffered, pcm...)
	for len(e.buffered) >= audio.BytesPerSecond {
		e.emit(audio.BytesPerSecond)
	}

	return len(pcm), nil
}

// CloseInput emits the remainder, ends the playlist and exits cleanly.
func (e *FakeEncoder) CloseInput() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closes++

	if len(e.buffered) > 0 {
		e.emit(len(e.buffered))
	}

	e.writePlaylist(true)
	close(e.done)

	return nil
}

// Done is closed when the encoder exits.
func (e *FakeEncoder) Done() <-chan struct{} { return e.done }

// Err is the exit error.
func (e *FakeEncoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.err
}

// Kill exits with ErrEncoderKilled unless the encoder already exited.
func (e *FakeEncoder) Kill() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.done:
	default:
		e.err = ErrEncoderKilled
		close(e.done)
	}

	return nil
}

// Crash makes the encoder exit with an error.
func (e *FakeEncoder) Crash() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.err = errors.New("exit status 1")
	close(e.done)
}

// CloseCount is how often CloseInput was called.
func (e *FakeEncoder) CloseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closes
}

func (e *FakeEncoder) emit(n int) {
	if len(e.segments) == 0 {
		writeFile(filepath.Join(e.cfg.Dir, hls.InitName), []byte("init"))
	}

	sequence := e.next
	e.next++

	writeFile(filepath.Join(e.cfg.Dir, hls.SegmentName(sequence)), []byte(fmt.Sprintf("segment-%d", sequence)))
	e.buffered = e.buffered[n:]
	e.segments = append(e.segments, hls.Segment{
		Sequence: sequence,
		Duration: audio.Duration(n).Seconds(),
		URI:      hls.SegmentName(sequence),
	})
	e.writePlaylist(false)
}

func (e *FakeEncoder) writePlaylist(ended bool) {
	playlist := hls.Playlist{
		MediaSequence: e.cfg.StartNumber,
		MapURI:        hls.InitName,
		Segments:      e.segments,
		Ended:         ended,
	}

	writeFile(filepath.Join(e.cfg.Dir, pipeline.EncoderPlaylist), playlist.Render())
}

// writeFile replaces path atomically so the watcher never reads a partial
// playlist.
func writeFile(path string, data []byte) {
	tmp := path + ".tmp"

	err := os.WriteFile(tmp, data, 0o600)
	if err != nil {
		panic(err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		panic(err)
	}
}

// EncoderFactory starts FakeEncoders and remembers them.
type EncoderFactory struct {
	BlockWrites bool

	mu       sync.Mutex
	encoders []*FakeEncoder
}

// Start implements pipeline.EncoderFactory.
func (f *EncoderFactory) Start(_ context.Context, cfg pipeline.EncoderConfig) (pipeline.Encoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	encoder := &FakeEncoder{cfg: cfg, next: cfg.StartNumber, done: make(chan struct{})}
	if f.BlockWrites {
		encoder.block = make(chan struct{})
	}

	f.encoders = append(f.encoders, encoder)

	return encoder, nil
}

// Starts is the number of encoders started.
func (f *EncoderFactory) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.encoders)
}

// Encoder returns the i-th started encoder.
func (f *EncoderFactory) Encoder(i int) *FakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.encoders[i]
}
