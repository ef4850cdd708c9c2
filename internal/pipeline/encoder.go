package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/book-expert/stream-worker/internal/audio"
	"github.com/book-expert/stream-worker/internal/hls"
	"github.com/book-expert/stream-worker/internal/job"
)

// EncoderPlaylist is the playlist the encoder maintains in its working
// directory. The published manifest is derived from it.
const EncoderPlaylist = "playlist.m3u8"

// DefaultBitrate is the audio bitrate handed to the encoder.
const DefaultBitrate = "64k"

const maxStderr = 16 * 1024

// ErrEncoderStart indicates the encoder process could not be launched.
var ErrEncoderStart = errors.New("failed to start encoder")

// EncoderConfig describes one encoder run.
type EncoderConfig struct {
	Dir             string
	Format          job.Format
	Bitrate         string
	SegmentDuration time.Duration
	// StartNumber is the first segment number of this run.
	StartNumber int
}

// Encoder is a running encoder process fed raw PCM on its input.
type Encoder interface {
	// Write sends PCM to the encoder.
	Write(pcm []byte) (int, error)
	// CloseInput signals end of stream.
	CloseInput() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
	Kill() error
}

// EncoderFactory starts encoders.
type EncoderFactory interface {
	Start(ctx context.Context, cfg EncoderConfig) (Encoder, error)
}

// FFmpeg starts ffmpeg as the encoder.
type FFmpeg struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
}

// Args builds the ffmpeg command line for cfg.
func (f FFmpeg) Args(cfg EncoderConfig) []string {
	bitrate := cfg.Bitrate
	if bitrate == "" {
		bitrate = DefaultBitrate
	}

	segmentSeconds := max(1, int(cfg.SegmentDuration/time.Second))

	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:0",
		"-c:a", codecFor(cfg.Format),
		"-b:a", bitrate,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		"-hls_segment_type", "fmp4",
		"-hls_fmp4_init_filename", hls.InitName,
		"-hls_flags", "independent_segments",
		"-start_number", strconv.Itoa(cfg.StartNumber),
		"-hls_segment_filename", filepath.Join(cfg.Dir, hls.SegmentPattern),
		filepath.Join(cfg.Dir, EncoderPlaylist),
	}
}

func codecFor(format job.Format) string {
	switch format {
	case job.FormatOpus:
		return "libopus"
	case job.FormatMP3:
		return "libmp3lame"
	case job.FormatAAC:
		return "aac"
	default:
		return "aac"
	}
}

func (f FFmpeg) binary() string {
	if f.Binary == "" {
		return "ffmpeg"
	}

	return f.Binary
}

// Check verifies that the ffmpeg binary can be found.
func (f FFmpeg) Check() error {
	_, err := exec.LookPath(f.binary())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncoderStart, err)
	}

	return nil
}

// Start launches ffmpeg. The process is not bound to ctx: it lives until its
// input is closed or it is killed.
func (f FFmpeg) Start(_ context.Context, cfg EncoderConfig) (Encoder, error) {
	cmd := exec.Command(f.binary(), f.Args(cfg)...) //nolint:gosec
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoderStart, err)
	}

	proc := &ffmpegProcess{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	cmd.Stderr = &proc.stderr

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoderStart, err)
	}

	go proc.wait()

	return proc, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr limitedBuffer
	done   chan struct{}
	err    error
}

func (p *ffmpegProcess) wait() {
	err := p.cmd.Wait()
	if err != nil {
		err = fmt.Errorf("encoder exited: %w: %s", err, bytes.TrimSpace(p.stderr.Bytes()))
	}

	p.err = err
	close(p.done)
}

func (p *ffmpegProcess) Write(pcm []byte) (int, error) {
	n, err := p.stdin.Write(pcm)
	if err != nil {
		return n, fmt.Errorf("failed to write to encoder: %w", err)
	}

	return n, nil
}

func (p *ffmpegProcess) CloseInput() error {
	err := p.stdin.Close()
	if err != nil {
		return fmt.Errorf("failed to close encoder input: %w", err)
	}

	return nil
}

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) Err() error {
	<-p.done

	return p.err
}

func (p *ffmpegProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	err := p.cmd.Process.Kill()
	if err != nil {
		return fmt.Errorf("failed to kill encoder: %w", err)
	}

	return nil
}

// limitedBuffer keeps the first maxStderr bytes of the encoder's stderr.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	room := maxStderr - l.buf.Len()
	if room > 0 {
		l.buf.Write(p[:min(room, len(p))])
	}

	return len(p), nil
}

func (l *limitedBuffer) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]byte(nil), l.buf.Bytes()...)
}
