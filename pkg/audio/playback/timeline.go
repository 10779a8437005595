package playback

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/aura/pkg/audio"
)

// DefaultBlockDuration is the render granularity of a [Timeline].
const DefaultBlockDuration = 20 * time.Millisecond

// Compile-time interface assertion.
var _ Output = (*Timeline)(nil)

// TimelineOption configures a [Timeline].
type TimelineOption func(*Timeline)

// WithBlockDuration sets how much audio each render step produces.
func WithBlockDuration(d time.Duration) TimelineOption {
	return func(t *Timeline) {
		if d > 0 {
			t.blockDur = d
		}
	}
}

// Timeline is an [Output] that mixes scheduled voices into an
// [audio.OutputStream]. Its clock counts rendered frames, so Now advances
// exactly as fast as audio is handed to the device.
//
// [Timeline.Start] launches a render loop paced by the wall clock. Tests can
// skip Start and drive rendering with [Timeline.Step].
type Timeline struct {
	stream   audio.OutputStream
	rate     int
	channels int
	blockDur time.Duration

	mu       sync.Mutex
	rendered int64 // frames written so far; the clock
	pending  voiceHeap
	active   []*voice
	seq      uint64
	started  bool
	closed   bool
	err      error

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTimeline returns a timeline writing to stream. The stream's format
// decides the render rate; mono voices are duplicated across channels.
func NewTimeline(stream audio.OutputStream, opts ...TimelineOption) *Timeline {
	f := stream.Format()
	if !f.Valid() {
		f = audio.OutputFormat
	}
	t := &Timeline{
		stream:   stream,
		rate:     f.SampleRate,
		channels: f.Channels,
		blockDur: DefaultBlockDuration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SampleRate returns the render rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Now implements [Output].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.rendered)
}

// Play implements [Output]. A start time already in the past begins at the
// next rendered frame.
func (t *Timeline) Play(samples []float32, at time.Duration) (Voice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.seq++
	v := &voice{
		tl:      t,
		samples: samples,
		start:   max(t.timeFrame(at), t.rendered),
		seq:     t.seq,
		done:    make(chan struct{}),
	}
	heap.Push(&t.pending, v)
	return v, nil
}

// Start launches the render loop. It is a no-op after the first call or
// after Close.
func (t *Timeline) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go t.run()
}

// Err returns the stream error that stopped the render loop, if any.
func (t *Timeline) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close stops the render loop, stops every voice and closes the stream.
func (t *Timeline) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		started := t.started
		t.started = true
		t.mu.Unlock()

		close(t.stop)
		if started {
			<-t.done
		}

		t.mu.Lock()
		t.closed = true
		voices := append([]*voice(nil), t.active...)
		voices = append(voices, t.pending...)
		t.active = nil
		t.pending = nil
		t.mu.Unlock()

		for _, v := range voices {
			v.finish()
		}
		if cerr := t.stream.Close(); cerr != nil {
			err = fmt.Errorf("playback: close stream: %w", cerr)
		}
	})
	return err
}

func (t *Timeline) run() {
	defer close(t.done)

	blockFrames := t.timeFrame(t.blockDur)
	ticker := time.NewTicker(t.blockDur)
	defer ticker.Stop()
	begin := time.Now()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		target := t.timeFrame(time.Since(begin))
		for t.renderedFrames()+blockFrames <= target {
			if err := t.Step(int(blockFrames)); err != nil {
				slog.Warn("playback: render loop stopped", "err", err)
				return
			}
		}
	}
}

func (t *Timeline) renderedFrames() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rendered
}

// Step renders the next n frames, advances the clock and writes the block to
// the stream. Voices whose last sample was rendered are marked done. Step
// must not be called concurrently with itself or with a started render loop.
func (t *Timeline) Step(n int) error {
	if n <= 0 {
		return nil
	}
	mix := make([]float32, n)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return err
	}
	from, to := t.rendered, t.rendered+int64(n)
	for t.pending.Len() > 0 && t.pending[0].start < to {
		v := heap.Pop(&t.pending).(*voice)
		if !v.stopped {
			t.active = append(t.active, v)
		}
	}

	var finished []*voice
	kept := t.active[:0]
	for _, v := range t.active {
		if v.stopped {
			continue
		}
		off := int(max(v.start-from, 0))
		for i := off; i < n && v.pos < len(v.samples); i++ {
			mix[i] += v.samples[v.pos]
			v.pos++
		}
		if v.pos >= len(v.samples) {
			finished = append(finished, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.active[len(kept):])
	t.active = kept
	t.rendered = to
	t.mu.Unlock()

	for _, v := range finished {
		v.finish()
	}

	for i, s := range mix {
		mix[i] = max(-1, min(1, s))
	}
	if err := t.stream.Write(interleave(mix, t.channels)); err != nil {
		err = fmt.Errorf("playback: write stream: %w", err)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		return err
	}
	return nil
}

// timeFrame converts a clock position to a frame index, rounding to nearest.
func (t *Timeline) timeFrame(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (t *Timeline) frameTime(frames int64) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(t.rate))
}

func interleave(mono []float32, channels int) []float32 {
	if channels <= 1 {
		return mono
	}
	out := make([]float32, len(mono)*channels)
	for i, s := range mono {
		for c := range channels {
			out[i*channels+c] = s
		}
	}
	return out
}

// voice is a buffer scheduled on a [Timeline]. Fields other than done and
// once are guarded by the timeline's mutex.
type voice struct {
	tl      *Timeline
	samples []float32
	start   int64
	seq     uint64
	pos     int
	stopped bool

	done chan struct{}
	once sync.Once
}

// Stop implements [Voice].
func (v *voice) Stop() {
	v.tl.mu.Lock()
	v.stopped = true
	v.tl.mu.Unlock()
	v.finish()
}

// Done implements [Voice].
func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) finish() {
	v.once.Do(func() { close(v.done) })
}
