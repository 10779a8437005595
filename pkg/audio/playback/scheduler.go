// Package playback schedules decoded model audio for gapless output.
//
// A [Scheduler] places each buffer to start exactly when the previous one
// ends (or now, if the output has gone idle) and tracks every buffer that is
// scheduled but not yet finished in its in-flight set. [Scheduler.Flush]
// stops all of them at once and rewinds the scheduling clock, which is how a
// barge-in discards the rest of a model response.
//
// The scheduler does not render audio itself. It drives an [Output], normally
// a [Timeline] mixing into a speaker stream.
package playback

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/aura/pkg/audio"
)

var (
	// ErrEmptyBuffer is returned by [Scheduler.Enqueue] for a zero-length buffer.
	ErrEmptyBuffer = errors.New("playback: empty buffer")

	// ErrClosed is returned after [Scheduler.Close] or [Timeline.Close].
	ErrClosed = errors.New("playback: closed")
)

// Output renders scheduled buffers against its own clock.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Play schedules samples (mono) to begin at the clock position at.
	Play(samples []float32, at time.Duration) (Voice, error)
}

// Voice is one scheduled buffer on an [Output].
type Voice interface {
	// Stop silences the voice immediately. Done is closed afterwards.
	Stop()

	// Done is closed when the voice has finished playing or was stopped.
	Done() <-chan struct{}
}

// Unit describes one buffer in the in-flight set.
type Unit struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// End returns the clock position at which the unit finishes.
func (u Unit) End() time.Duration { return u.Start + u.Duration }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOnChange registers fn to be called whenever the speaking state may have
// changed. fn runs outside the scheduler's lock and may call back into it.
func WithOnChange(fn func()) Option {
	return func(s *Scheduler) { s.onChange = fn }
}

type flight struct {
	unit  Unit
	voice Voice
}

// Scheduler places buffers back to back on an [Output]. All methods are safe
// for concurrent use.
type Scheduler struct {
	out      Output
	rate     int
	onChange func()

	mu       sync.Mutex
	nextFree time.Duration
	inFlight map[uint64]flight
	seq      uint64
	closed   bool
}

// NewScheduler returns a scheduler for mono buffers at sampleRate.
func NewScheduler(out Output, sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:      out,
		rate:     sampleRate,
		inFlight: make(map[uint64]flight),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules samples to start at max(next free time, now) and adds the
// resulting unit to the in-flight set. The unit leaves the set on its own when
// it finishes playing.
func (s *Scheduler) Enqueue(samples []float32) (Unit, error) {
	if len(samples) == 0 {
		return Unit{}, ErrEmptyBuffer
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Unit{}, ErrClosed
	}
	start := max(s.nextFree, s.out.Now())
	v, err := s.out.Play(samples, start)
	if err != nil {
		s.mu.Unlock()
		return Unit{}, err
	}
	s.seq++
	u := Unit{
		ID:       s.seq,
		Start:    start,
		Duration: audio.SamplesDuration(len(samples), s.rate),
	}
	s.inFlight[u.ID] = flight{unit: u, voice: v}
	s.nextFree = u.End()
	first := len(s.inFlight) == 1
	s.mu.Unlock()

	go s.watch(u.ID, v)
	if first {
		s.changed()
	}
	return u, nil
}

// watch removes a unit from the in-flight set once its voice is done.
func (s *Scheduler) watch(id uint64, v Voice) {
	<-v.Done()
	s.mu.Lock()
	_, ok := s.inFlight[id]
	if ok {
		delete(s.inFlight, id)
	}
	last := ok && len(s.inFlight) == 0
	s.mu.Unlock()
	if last {
		s.changed()
	}
}

// Flush stops every in-flight unit, empties the set and resets the next free
// time to zero so the next Enqueue starts now. It returns the number of units
// stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	stopped := s.flushLocked()
	s.mu.Unlock()

	for _, v := range stopped {
		v.Stop()
	}
	if len(stopped) > 0 {
		s.changed()
	}
	return len(stopped)
}

func (s *Scheduler) flushLocked() []Voice {
	voices := make([]Voice, 0, len(s.inFlight))
	for _, f := range s.inFlight {
		voices = append(voices, f.voice)
	}
	clear(s.inFlight)
	s.nextFree = 0
	return voices
}

// Close flushes the scheduler and rejects further Enqueue calls.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	stopped := s.flushLocked()
	s.mu.Unlock()

	for _, v := range stopped {
		v.Stop()
	}
	if len(stopped) > 0 {
		s.changed()
	}
}

// Speaking reports whether any unit is in flight.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight) > 0
}

// NextFree returns the earliest start time for the next buffer, or zero after
// a flush.
func (s *Scheduler) NextFree() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFree
}

// InFlight returns the in-flight units ordered by start time.
func (s *Scheduler) InFlight() []Unit {
	return s.State().InFlight
}

// State is a consistent view of a [Scheduler].
type State struct {
	Speaking bool
	NextFree time.Duration
	InFlight []Unit
}

// State returns speaking flag, next free time and in-flight units read under
// one lock acquisition.
func (s *Scheduler) State() State {
	s.mu.Lock()
	st := State{
		Speaking: len(s.inFlight) > 0,
		NextFree: s.nextFree,
		InFlight: make([]Unit, 0, len(s.inFlight)),
	}
	for _, f := range s.inFlight {
		st.InFlight = append(st.InFlight, f.unit)
	}
	s.mu.Unlock()
	slices.SortFunc(st.InFlight, func(a, b Unit) int { return cmp.Compare(a.ID, b.ID) })
	return st
}

func (s *Scheduler) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
