// Package ffmpeg implements [audio.Microphone] and [audio.Speaker] by running
// the ffmpeg and ffplay command line tools and exchanging raw s16le PCM over
// their standard streams.
//
// Capture uses PulseAudio on Linux and AVFoundation on macOS. Both tools must
// be installed and on PATH unless a command is configured with
// [WithCommand].
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/aura/pkg/audio"
)

// blockDuration is how much audio is read from ffmpeg per delivered block.
const blockDuration = 20 * time.Millisecond

// Option configures a [Microphone] or [Speaker].
type Option func(*options)

type options struct {
	device  string
	command []string
}

// WithDevice selects the input or output device name passed to the tool.
// The default is "default" for PulseAudio and ":0" for AVFoundation.
func WithDevice(name string) Option {
	return func(o *options) { o.device = name }
}

// WithCommand replaces the tool invocation entirely. The command must read
// (speaker) or write (microphone) raw s16le PCM in the requested format.
func WithCommand(name string, args ...string) Option {
	return func(o *options) { o.command = append([]string{name}, args...) }
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone captures from the system input device through ffmpeg.
type Microphone struct {
	opts options
}

var _ audio.Microphone = (*Microphone)(nil)

// NewMicrophone returns a microphone backed by ffmpeg.
func NewMicrophone(opts ...Option) *Microphone {
	m := &Microphone{}
	for _, o := range opts {
		o(&m.opts)
	}
	return m
}

// Open starts ffmpeg and waits for the first block of audio, so that a device
// that cannot be opened is reported here rather than as an empty stream.
// Access errors map to [audio.ErrPermissionDenied].
func (m *Microphone) Open(ctx context.Context, format audio.Format) (audio.InputStream, error) {
	if !format.Valid() {
		format = audio.InputFormat
	}
	argv, err := m.argv(format)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found in PATH: %w", argv[0], err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start capture: %w", err)
	}

	s := &inputStream{
		cmd:    cmd,
		format: format,
		blocks: make(chan []float32, 16),
		done:   make(chan struct{}),
	}
	blockBytes := format.SampleRate * int(blockDuration/time.Millisecond) / 1000 * format.Channels * 2

	first := make(chan error, 1)
	go s.read(stdout, blockBytes, first)

	select {
	case err := <-first:
		if err == nil {
			return s, nil
		}
		s.Close()
		msg := strings.TrimSpace(stderr.String())
		if isPermissionError(msg) {
			return nil, fmt.Errorf("ffmpeg: %s: %w", msg, audio.ErrPermissionDenied)
		}
		if msg != "" {
			return nil, fmt.Errorf("ffmpeg: capture failed: %s: %w", msg, err)
		}
		return nil, fmt.Errorf("ffmpeg: capture failed: %w", err)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

func (m *Microphone) argv(f audio.Format) ([]string, error) {
	if len(m.opts.command) > 0 {
		return m.opts.command, nil
	}
	rate, ch := strconv.Itoa(f.SampleRate), strconv.Itoa(f.Channels)
	base := []string{"ffmpeg", "-hide_banner", "-loglevel", "error"}
	tail := []string{"-ac", ch, "-ar", rate, "-f", "s16le", "-"}
	switch runtime.GOOS {
	case "linux":
		return append(append(base, "-f", "pulse", "-i", orDefault(m.opts.device, "default")), tail...), nil
	case "darwin":
		return append(append(base, "-f", "avfoundation", "-i", orDefault(m.opts.device, ":0")), tail...), nil
	default:
		return nil, fmt.Errorf("ffmpeg: microphone capture is not implemented for %s", runtime.GOOS)
	}
}

func isPermissionError(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "not authorized")
}

type inputStream struct {
	cmd    *exec.Cmd
	format audio.Format
	blocks chan []float32

	closeOnce sync.Once
	done      chan struct{}
}

func (s *inputStream) Format() audio.Format      { return s.format }
func (s *inputStream) Blocks() <-chan []float32 { return s.blocks }

// read converts stdout into float blocks. The first read result is reported
// on first; afterwards read errors simply end the stream.
func (s *inputStream) read(r io.Reader, blockBytes int, first chan<- error) {
	defer close(s.blocks)
	buf := make([]byte, blockBytes)
	reported := false
	for {
		n, err := io.ReadFull(r, buf)
		if n > 1 {
			if !reported {
				first <- nil
				reported = true
			}
			samples, _ := audio.PCM16ToFloat32(buf[:n&^1])
			select {
			case s.blocks <- samples:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !reported {
				if errors.Is(err, io.ErrUnexpectedEOF) {
					err = io.EOF
				}
				first <- err
			}
			return
		}
	}
}

// Close kills ffmpeg and waits for it to exit.
func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker plays through ffplay.
type Speaker struct {
	opts options
}

var _ audio.Speaker = (*Speaker)(nil)

// NewSpeaker returns a speaker backed by ffplay.
func NewSpeaker(opts ...Option) *Speaker {
	sp := &Speaker{}
	for _, o := range opts {
		o(&sp.opts)
	}
	return sp
}

// Open starts ffplay reading s16le from its standard input.
func (sp *Speaker) Open(_ context.Context, format audio.Format) (audio.OutputStream, error) {
	if !format.Valid() {
		format = audio.OutputFormat
	}
	argv := sp.opts.command
	if len(argv) == 0 {
		argv = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error",
			"-f", "s16le",
			"-ar", strconv.Itoa(format.SampleRate),
			"-ac", strconv.Itoa(format.Channels),
			"-i", "pipe:0",
		}
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found in PATH: %w", argv[0], err)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start playback: %w", err)
	}
	return &outputStream{cmd: cmd, stdin: stdin, format: format}, nil
}

type outputStream struct {
	format audio.Format

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

func (s *outputStream) Format() audio.Format { return s.format }

func (s *outputStream) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if _, err := s.stdin.Write(audio.Float32ToPCM16(samples)); err != nil {
		return fmt.Errorf("ffmpeg: write playback: %w", err)
	}
	return nil
}

// Close ends playback immediately; buffered audio inside ffplay is discarded.
func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// syncBuffer collects stderr from the child process.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 4096 {
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
