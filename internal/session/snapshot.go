package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/MrWong99/aura/internal/transcript"
)

// Status is the lifecycle state of a [Session].
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

var statusNames = [...]string{"idle", "connecting", "connected", "error"}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is an immutable view of the session for observers.
type Snapshot struct {
	// ID identifies the current or most recent connection attempt. It is the
	// zero UUID before the first Start.
	ID uuid.UUID `json:"id"`

	Status Status `json:"status"`

	// Transcript holds committed entries and at most one trailing system
	// notice.
	Transcript []transcript.Entry `json:"transcript"`

	// ModelSpeaking is true while any model audio is scheduled or playing.
	ModelSpeaking bool `json:"model_speaking"`

	// Err is the failure that moved the session to Error.
	Err error `json:"-"`

	// Error is Err's message, for encoders.
	Error string `json:"error,omitempty"`
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel carrying the latest snapshot. The current
// snapshot is available immediately. A slow reader skips intermediate
// snapshots and always sees the most recent one. cancel unsubscribes and
// closes the channel.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var cancelled bool
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cancelled {
			return
		}
		cancelled = true
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:         s.id,
		Status:     s.status,
		Transcript: s.log.Entries(),
		Err:        s.err,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	if s.run != nil {
		snap.ModelSpeaking = s.run.sched.Speaking()
	}
	return snap
}

// publishLocked delivers the current snapshot to every subscriber, replacing
// any snapshot still unread. Caller holds s.mu, which keeps deliveries in
// state order.
func (s *Session) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	s.publishLocked()
	s.mu.Unlock()
}
