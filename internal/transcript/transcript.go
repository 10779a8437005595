// Package transcript turns streamed transcription fragments into finalized
// conversation entries.
//
// The [Aggregator] accumulates the partial input and output transcriptions of
// the turn in progress and [Aggregator.Commit] finalizes them at a turn
// boundary. The [Log] is the ordered transcript of a whole session: user and
// model entries are immutable once committed, and at most one trailing
// system notice may be replaced or dropped.
//
// Neither type is safe for concurrent use. Both are owned by the session
// state machine, which is their only writer.
package transcript

import "strings"

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerModel  Speaker = "model"
	SpeakerSystem Speaker = "system"
)

// Entry is one finalized line of the conversation.
type Entry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// ─── Aggregator ───────────────────────────────────────────────────────────────

// Aggregator buffers the transcription fragments of the current turn.
// Fragments may have any granularity, including partial words, and are
// concatenated verbatim.
type Aggregator struct {
	input  strings.Builder
	output strings.Builder
}

// AppendInput adds a fragment of the user's speech.
func (a *Aggregator) AppendInput(text string) { a.input.WriteString(text) }

// AppendOutput adds a fragment of the model's speech.
func (a *Aggregator) AppendOutput(text string) { a.output.WriteString(text) }

// Pending reports whether either buffer holds non-whitespace text.
func (a *Aggregator) Pending() bool {
	return strings.TrimSpace(a.input.String()) != "" || strings.TrimSpace(a.output.String()) != ""
}

// Commit trims both buffers and returns the non-empty ones as entries, user
// first, then model. Both buffers are reset. A turn with no speech on either
// side yields no entries.
func (a *Aggregator) Commit() []Entry {
	in := strings.TrimSpace(a.input.String())
	out := strings.TrimSpace(a.output.String())
	a.Reset()

	var entries []Entry
	if in != "" {
		entries = append(entries, Entry{Speaker: SpeakerUser, Text: in})
	}
	if out != "" {
		entries = append(entries, Entry{Speaker: SpeakerModel, Text: out})
	}
	return entries
}

// Reset discards both buffers.
func (a *Aggregator) Reset() {
	a.input.Reset()
	a.output.Reset()
}

// ─── Log ──────────────────────────────────────────────────────────────────────

// Log is the ordered transcript of one session.
type Log struct {
	entries []Entry
}

// PostSystem shows a transient notice. A trailing system entry is replaced;
// otherwise the notice is appended.
func (l *Log) PostSystem(text string) {
	e := Entry{Speaker: SpeakerSystem, Text: text}
	if l.trailingSystem() {
		l.entries[len(l.entries)-1] = e
		return
	}
	l.entries = append(l.entries, e)
}

// CommitTurn closes a turn: a trailing system notice is superseded and the
// turn's entries are appended. It reports whether a notice was dropped.
func (l *Log) CommitTurn(entries []Entry) (dropped bool) {
	if l.trailingSystem() {
		l.entries = l.entries[:len(l.entries)-1]
		dropped = true
	}
	l.entries = append(l.entries, entries...)
	return dropped
}

// Entries returns a copy of the transcript.
func (l *Log) Entries() []Entry {
	if len(l.entries) == 0 {
		return nil
	}
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int { return len(l.entries) }

// Reset clears the transcript.
func (l *Log) Reset() { l.entries = nil }

func (l *Log) trailingSystem() bool {
	return len(l.entries) > 0 && l.entries[len(l.entries)-1].Speaker == SpeakerSystem
}
