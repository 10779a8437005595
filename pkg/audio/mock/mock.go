// Package mock provides in-memory implementations of [audio.Microphone] and
// [audio.Speaker] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	stream, _ := mic.Open(ctx, audio.InputFormat)
//	mic.LastStream().Push(make([]float32, 1600))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/aura/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr is returned by [Microphone.Open] when non-nil.
	OpenErr error

	// DeviceFormat is the format reported by opened streams. Defaults to the
	// requested format when zero.
	DeviceFormat audio.Format

	// Gate, when non-nil, makes Open block until the channel is closed or the
	// context is cancelled.
	Gate chan struct{}

	// BufferSize is the block buffer of opened streams. Defaults to 64.
	BufferSize int

	// OpenCalls counts calls to Open, including failed ones.
	OpenCalls int

	streams []*InputStream
}

var _ audio.Microphone = (*Microphone)(nil)

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, format audio.Format) (audio.InputStream, error) {
	m.mu.Lock()
	m.OpenCalls++
	gate := m.Gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if m.DeviceFormat.Valid() {
		format = m.DeviceFormat
	}
	size := m.BufferSize
	if size <= 0 {
		size = 64
	}
	s := &InputStream{format: format, ch: make(chan []float32, size)}
	m.streams = append(m.streams, s)
	return s, nil
}

// OpenCount returns OpenCalls under the lock.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OpenCalls
}

// Streams returns every stream opened so far, in order.
func (m *Microphone) Streams() []*InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*InputStream(nil), m.streams...)
}

// LastStream returns the most recently opened stream or nil.
func (m *Microphone) LastStream() *InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// InputStream is the stream returned by [Microphone.Open].
type InputStream struct {
	format audio.Format

	mu         sync.Mutex
	ch         chan []float32
	closed     bool
	closeCalls int
}

var _ audio.InputStream = (*InputStream)(nil)

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Blocks implements [audio.InputStream].
func (s *InputStream) Blocks() <-chan []float32 { return s.ch }

// Push delivers one block like a device callback would: it never blocks and
// reports false if the block was not accepted because the stream is closed
// or its buffer is full.
func (s *InputStream) Push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- block:
		return true
	default:
		return false
	}
}

// Close implements [audio.InputStream]. Repeated calls are counted and ignored.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls reports how many times Close was called.
func (s *InputStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// OpenErr is returned by [Speaker.Open] when non-nil.
	OpenErr error

	// OpenCalls counts calls to Open, including failed ones.
	OpenCalls int

	streams []*OutputStream
}

var _ audio.Speaker = (*Speaker)(nil)

// Open implements [audio.Speaker].
func (sp *Speaker) Open(_ context.Context, format audio.Format) (audio.OutputStream, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.OpenCalls++
	if sp.OpenErr != nil {
		return nil, sp.OpenErr
	}
	s := &OutputStream{format: format}
	sp.streams = append(sp.streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream or nil.
func (sp *Speaker) LastStream() *OutputStream {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.streams) == 0 {
		return nil
	}
	return sp.streams[len(sp.streams)-1]
}

// Streams returns every stream opened so far, in order.
func (sp *Speaker) Streams() []*OutputStream {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return append([]*OutputStream(nil), sp.streams...)
}

// OutputStream records every written block.
type OutputStream struct {
	format audio.Format

	mu sync.Mutex

	// WriteErr is returned by Write when non-nil.
	WriteErr error

	written []float32
	writes  int
	closed  bool
}

var _ audio.OutputStream = (*OutputStream)(nil)

// Format implements [audio.OutputStream].
func (s *OutputStream) Format() audio.Format { return s.format }

// Write implements [audio.OutputStream].
func (s *OutputStream) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.written = append(s.written, samples...)
	s.writes++
	return nil
}

// SetWriteErr sets WriteErr under the lock.
func (s *OutputStream) SetWriteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteErr = err
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Samples returns a copy of everything written so far.
func (s *OutputStream) Samples() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float32(nil), s.written...)
}

// Writes reports how many blocks were written.
func (s *OutputStream) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
