// Package capture turns a live microphone into a stream of fixed-size PCM16
// frames in the wire input format (16 kHz mono).
//
// A [Pipeline] is one-shot: it is opened, started and stopped exactly once.
// The capture task never blocks on its consumer. When the frame buffer is
// full the oldest queued frame is discarded so that the newest audio always
// gets through.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/aura/pkg/audio"
)

var (
	// ErrNotOpen is returned by [Pipeline.Start] before a successful Open.
	ErrNotOpen = errors.New("capture: pipeline not open")

	// ErrAlreadyStarted is returned by a second call to Open or Start.
	ErrAlreadyStarted = errors.New("capture: pipeline already started")

	// ErrStopped is returned when the pipeline has been stopped. Pipelines
	// cannot be restarted.
	ErrStopped = errors.New("capture: pipeline stopped")
)

const (
	// DefaultBlockDuration is the length of one emitted frame.
	DefaultBlockDuration = 100 * time.Millisecond

	// DefaultBufferSize is the number of frames buffered for the consumer.
	DefaultBufferSize = 32
)

type state int

const (
	stateNew state = iota
	stateOpening
	stateOpen
	stateRunning
	stateStopped
)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithBlockDuration sets the length of each emitted frame.
func WithBlockDuration(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.blockDur = d
		}
	}
}

// WithBufferSize sets how many frames may wait for the consumer before the
// oldest is dropped.
func WithBufferSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithDeviceFormat sets the format requested from the microphone. The
// pipeline converts whatever the device delivers to [audio.InputFormat].
func WithDeviceFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		if f.Valid() {
			p.request = f
		}
	}
}

// WithOnDrop registers fn to be called (from the capture task) each time a
// frame is discarded under backpressure.
func WithOnDrop(fn func()) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// Pipeline captures microphone audio. All methods are safe for concurrent use.
type Pipeline struct {
	mic      audio.Microphone
	request  audio.Format
	blockDur time.Duration
	bufSize  int
	onDrop   func()

	mu     sync.Mutex
	state  state
	stream audio.InputStream

	frames   chan audio.AudioFrame
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
	captured atomic.Uint64
}

// New returns an unopened pipeline reading from mic.
func New(mic audio.Microphone, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:      mic,
		request:  audio.InputFormat,
		blockDur: DefaultBlockDuration,
		bufSize:  DefaultBufferSize,
	}
	for _, o := range opts {
		o(p)
	}
	p.frames = make(chan audio.AudioFrame, p.bufSize)
	p.done = make(chan struct{})
	return p
}

// Open acquires the microphone. It blocks until the device is ready or ctx is
// cancelled. Errors from the device are wrapped, so a denied device still
// matches [audio.ErrPermissionDenied].
func (p *Pipeline) Open(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case stateStopped:
		p.mu.Unlock()
		return ErrStopped
	case stateNew:
	default:
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.state = stateOpening
	p.mu.Unlock()

	stream, err := p.mic.Open(ctx, p.request)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateStopped {
		// Stop ran while the device was opening.
		if stream != nil {
			_ = stream.Close()
		}
		return ErrStopped
	}
	if err != nil {
		p.state = stateNew
		return fmt.Errorf("capture: open microphone: %w", err)
	}
	p.stream = stream
	p.state = stateOpen
	return nil
}

// Start launches the capture task. Frames become available on [Pipeline.Frames].
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateOpen:
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	default:
		return ErrNotOpen
	}
	p.state = stateRunning
	go p.run(p.stream)
	return nil
}

// Frames returns the channel of converted frames in capture order. It is
// closed after [Pipeline.Stop].
func (p *Pipeline) Frames() <-chan audio.AudioFrame { return p.frames }

// Dropped reports how many frames were discarded under backpressure.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Captured reports how many frames the capture task produced.
func (p *Pipeline) Captured() uint64 { return p.captured.Load() }

// Stop releases the device stream, waits for the capture task to exit and
// closes [Pipeline.Frames]. It is idempotent; concurrent callers return once
// the first call has finished.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		prev := p.state
		p.state = stateStopped
		stream := p.stream
		p.stream = nil
		p.mu.Unlock()

		if stream != nil {
			_ = stream.Close()
		}
		if prev == stateRunning {
			<-p.done
			return
		}
		close(p.done)
		close(p.frames)
	})
}

func (p *Pipeline) run(stream audio.InputStream) {
	defer close(p.done)
	defer close(p.frames)

	format := stream.Format()
	if !format.Valid() {
		format = p.request
	}
	conv := audio.FormatConverter{Target: audio.InputFormat}
	blockLen := int(int64(format.SampleRate)*int64(p.blockDur)/int64(time.Second)) * format.Channels
	if blockLen <= 0 {
		blockLen = format.Channels
	}

	var (
		pending []float32
		seq     uint64
		ts      time.Duration
	)
	for block := range stream.Blocks() {
		pending = append(pending, block...)
		for len(pending) >= blockLen {
			frame := audio.AudioFrame{
				Data:       audio.Float32ToPCM16(pending[:blockLen]),
				SampleRate: format.SampleRate,
				Channels:   format.Channels,
				Seq:        seq,
				Timestamp:  ts,
			}
			pending = pending[blockLen:]
			seq++
			ts += p.blockDur

			frame = conv.Convert(frame)
			if len(frame.Data) == 0 {
				continue
			}
			p.captured.Add(1)
			p.push(frame)
		}
		if len(pending) == 0 {
			pending = nil
		}
	}
}

// push hands frame to the consumer without blocking, discarding the oldest
// queued frame when the buffer is full. Only the capture task sends.
func (p *Pipeline) push(frame audio.AudioFrame) {
	select {
	case p.frames <- frame:
		return
	default:
	}
	select {
	case <-p.frames:
		p.dropped.Add(1)
		if p.onDrop != nil {
			p.onDrop()
		}
	default:
	}
	select {
	case p.frames <- frame:
	default:
		p.dropped.Add(1)
		if p.onDrop != nil {
			p.onDrop()
		}
	}
}
