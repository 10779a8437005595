package playback_test

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/MrWong99/aura/pkg/audio/playback"
)

// ─── fakes ────────────────────────────────────────────────────────────────────

// fakeOutput is a playback.Output with a hand-driven clock. Voices finish
// only when the test calls finish or the scheduler stops them.
type fakeOutput struct {
	mu      sync.Mutex
	now     time.Duration
	voices  []*fakeVoice
	playErr error
}

func (o *fakeOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) Play(samples []float32, at time.Duration) (playback.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.playErr != nil {
		return nil, o.playErr
	}
	v := &fakeVoice{at: at, n: len(samples), done: make(chan struct{})}
	o.voices = append(o.voices, v)
	return v, nil
}

func (o *fakeOutput) advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

func (o *fakeOutput) voice(i int) *fakeVoice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.voices[i]
}

type fakeVoice struct {
	at      time.Duration
	n       int
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

func (v *fakeVoice) Stop() {
	v.stopped.Store(true)
	v.finish()
}

func (v *fakeVoice) Done() <-chan struct{} { return v.done }

func (v *fakeVoice) finish() { v.once.Do(func() { close(v.done) }) }

type fatalf interface {
	Helper()
	Fatalf(format string, args ...any)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t fatalf, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

const rate = 24000

func samples(n int) []float32 { return make([]float32, n) }

// ─── examples ─────────────────────────────────────────────────────────────────

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{now: 5 * time.Second}
	s := playback.NewScheduler(out, rate)

	u1, err := s.Enqueue(samples(2400))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if u1.Start != 5*time.Second || u1.Duration != 100*time.Millisecond {
		t.Errorf("u1: got start %v dur %v", u1.Start, u1.Duration)
	}
	u2, _ := s.Enqueue(samples(4800))
	if u2.Start != u1.End() {
		t.Errorf("u2 start: got %v, want %v", u2.Start, u1.End())
	}
	if got := s.NextFree(); got != u2.End() {
		t.Errorf("NextFree: got %v, want %v", got, u2.End())
	}
	if out.voice(1).at != u2.Start {
		t.Errorf("voice scheduled at %v, want %v", out.voice(1).at, u2.Start)
	}
}

func TestScheduler_IdleOutputStartsNow(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.NewScheduler(out, rate)

	u1, _ := s.Enqueue(samples(2400))
	out.advance(time.Second)
	u2, _ := s.Enqueue(samples(2400))
	if u2.Start != time.Second {
		t.Errorf("u2 start: got %v, want 1s (now), previous end was %v", u2.Start, u1.End())
	}
}

func TestScheduler_SpeakingFollowsInFlightSet(t *testing.T) {
	t.Parallel()
	var changes atomic.Int32
	out := &fakeOutput{}
	s := playback.NewScheduler(out, rate, playback.WithOnChange(func() { changes.Add(1) }))

	if s.Speaking() {
		t.Fatal("expected not speaking before any enqueue")
	}
	s.Enqueue(samples(100))
	s.Enqueue(samples(100))
	if !s.Speaking() {
		t.Fatal("expected speaking with units in flight")
	}

	out.voice(0).finish()
	waitFor(t, "first unit removal", func() bool { return len(s.InFlight()) == 1 })
	if !s.Speaking() {
		t.Error("expected speaking while one unit remains")
	}

	out.voice(1).finish()
	waitFor(t, "speaking to clear", func() bool { return !s.Speaking() })
	waitFor(t, "two change notifications", func() bool { return changes.Load() == 2 })
}

func TestScheduler_FlushStopsEverything(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.NewScheduler(out, rate)
	for range 3 {
		s.Enqueue(samples(24000))
	}

	if n := s.Flush(); n != 3 {
		t.Errorf("Flush: got %d stopped, want 3", n)
	}
	st := s.State()
	if st.Speaking || len(st.InFlight) != 0 || st.NextFree != 0 {
		t.Errorf("after flush: %+v", st)
	}
	for i := range 3 {
		if !out.voice(i).stopped.Load() {
			t.Errorf("voice %d not stopped", i)
		}
	}
	if n := s.Flush(); n != 0 {
		t.Errorf("second Flush: got %d, want 0", n)
	}
}

func TestScheduler_Errors(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.NewScheduler(out, rate)

	if _, err := s.Enqueue(nil); !errors.Is(err, playback.ErrEmptyBuffer) {
		t.Errorf("empty: got %v, want ErrEmptyBuffer", err)
	}

	boom := errors.New("device gone")
	out.mu.Lock()
	out.playErr = boom
	out.mu.Unlock()
	if _, err := s.Enqueue(samples(10)); !errors.Is(err, boom) {
		t.Errorf("play error: got %v", err)
	}
	if s.Speaking() || s.NextFree() != 0 {
		t.Error("failed enqueue must not change state")
	}

	s.Close()
	if _, err := s.Enqueue(samples(10)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("after close: got %v, want ErrClosed", err)
	}
}

// ─── properties ───────────────────────────────────────────────────────────────

func TestScheduler_PropertyGapless(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		out := &fakeOutput{now: time.Duration(rapid.Int64Range(0, int64(time.Hour)).Draw(t, "now"))}
		s := playback.NewScheduler(out, rate)

		var prev playback.Unit
		n := rapid.IntRange(1, 30).Draw(t, "units")
		for i := range n {
			if i > 0 {
				// The clock may move, but never past the queued audio.
				ahead := int64(s.NextFree() - out.Now())
				out.advance(time.Duration(rapid.Int64Range(0, ahead).Draw(t, "advance")))
			}
			u, err := s.Enqueue(samples(rapid.IntRange(1, 48000).Draw(t, "samples")))
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if i > 0 && u.Start != prev.End() {
				t.Fatalf("unit %d starts at %v, previous ended at %v", i, u.Start, prev.End())
			}
			if u.Start < out.Now() {
				t.Fatalf("unit %d starts in the past", i)
			}
			prev = u
		}
		if s.NextFree() != prev.End() {
			t.Fatalf("NextFree %v, last end %v", s.NextFree(), prev.End())
		}
	})
}

func TestScheduler_PropertyFlushResets(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		out := &fakeOutput{now: time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(t, "now"))}
		s := playback.NewScheduler(out, rate)

		n := rapid.IntRange(0, 20).Draw(t, "units")
		for range n {
			s.Enqueue(samples(rapid.IntRange(1, 4800).Draw(t, "samples")))
		}
		finished := rapid.IntRange(0, n).Draw(t, "finished")
		for i := range finished {
			out.voice(i).finish()
		}

		s.Flush()

		st := s.State()
		if len(st.InFlight) != 0 || st.NextFree != 0 || st.Speaking {
			t.Fatalf("after flush: %+v", st)
		}
		u, err := s.Enqueue(samples(10))
		if err != nil {
			t.Fatalf("Enqueue after flush: %v", err)
		}
		if u.Start != out.Now() {
			t.Fatalf("enqueue after flush starts at %v, want now %v", u.Start, out.Now())
		}
	})
}

func TestScheduler_PropertySpeakingIffInFlight(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		out := &fakeOutput{}
		s := playback.NewScheduler(out, rate)
		live := map[int]bool{}
		next := 0

		ops := rapid.IntRange(1, 40).Draw(t, "ops")
		for range ops {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				s.Enqueue(samples(rapid.IntRange(1, 2400).Draw(t, "samples")))
				live[next] = true
				next++
			case 1:
				if len(live) == 0 {
					continue
				}
				i := rapid.SampledFrom(slices.Sorted(maps.Keys(live))).Draw(t, "finish")
				out.voice(i).finish()
				delete(live, i)
				want := len(live)
				waitFor(t, "natural removal", func() bool { return len(s.InFlight()) == want })
			case 2:
				s.Flush()
				clear(live)
			}

			st := s.State()
			if st.Speaking != (len(st.InFlight) > 0) {
				t.Fatalf("Speaking=%v with %d units in flight", st.Speaking, len(st.InFlight))
			}
			if len(st.InFlight) != len(live) {
				t.Fatalf("in flight: got %d, want %d", len(st.InFlight), len(live))
			}
		}
	})
}
