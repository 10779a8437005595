// Package settings holds the user-adjustable parameters of the next voice
// session: model, voice, persona and tone.
//
// The [Store] is the single source of truth. The session reads it at every
// Start; changes made while a session is connected take effect on the next
// one. Observers subscribe and receive the current value straight away.
package settings

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Defaults used when a field is left empty.
const (
	DefaultVoice   = "Zephyr"
	DefaultPersona = "Aura"
)

// Tone is the conversational register requested from the model.
type Tone string

const (
	ToneCalm       Tone = "calm"
	ToneAssertive  Tone = "assertive"
	ToneNeutral    Tone = "neutral"
	ToneFriendly   Tone = "friendly"
	ToneAnalytical Tone = "analytical"
)

// Tones lists every valid tone.
func Tones() []Tone {
	return []Tone{ToneCalm, ToneAssertive, ToneNeutral, ToneFriendly, ToneAnalytical}
}

// Valid reports whether t is one of [Tones].
func (t Tone) Valid() bool { return slices.Contains(Tones(), t) }

var toneGuidance = map[Tone]string{
	ToneCalm:       "Speak in a calm, unhurried tone.",
	ToneAssertive:  "Speak in a confident, assertive tone and get to the point.",
	ToneNeutral:    "Keep your tone neutral and matter-of-fact.",
	ToneFriendly:   "Keep your tone warm and friendly.",
	ToneAnalytical: "Take an analytical tone: structured, precise and evidence-minded.",
}

const personaTemplate = "You are %s, a friendly and insightful AI companion. Your goal is to have natural, free-flowing conversations. Be curious, engaging, and keep your responses concise to encourage a back-and-forth dialogue. You can use the `productLookup` tool if asked about specific tech products, but your primary role is to be a great conversationalist."

// Settings configures one voice session.
type Settings struct {
	// Model overrides the live provider's default model when non-empty.
	Model   string `json:"model"`
	Voice   string `json:"voice"`
	Persona string `json:"persona"`
	Tone    Tone   `json:"tone"`

	// Instructions replaces the built-in persona text when non-empty. The
	// tone guidance is appended either way.
	Instructions string `json:"instructions,omitempty"`

	InputTranscription  bool `json:"input_transcription"`
	OutputTranscription bool `json:"output_transcription"`
}

// Default returns the stock Aura settings.
func Default() Settings {
	return Settings{
		Voice:               DefaultVoice,
		Persona:             DefaultPersona,
		Tone:                ToneFriendly,
		InputTranscription:  true,
		OutputTranscription: true,
	}
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	var errs []error
	if s.Model != strings.TrimSpace(s.Model) {
		errs = append(errs, fmt.Errorf("settings: model %q has surrounding whitespace", s.Model))
	}
	if !s.Tone.Valid() {
		names := make([]string, 0, len(Tones()))
		for _, t := range Tones() {
			names = append(names, string(t))
		}
		errs = append(errs, fmt.Errorf("settings: invalid tone %q (options: %s)", s.Tone, strings.Join(names, ", ")))
	}
	return errors.Join(errs...)
}

// SystemInstruction composes the persona text and the tone guidance.
func (s Settings) SystemInstruction() string {
	base := strings.TrimSpace(s.Instructions)
	if base == "" {
		name := strings.TrimSpace(s.Persona)
		if name == "" {
			name = DefaultPersona
		}
		base = fmt.Sprintf(personaTemplate, name)
	}
	if g, ok := toneGuidance[s.Tone]; ok {
		return base + " " + g
	}
	return base
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store guards the current [Settings] and fans changes out to subscribers.
// It is safe for concurrent use. Subscriber callbacks run synchronously, one
// at a time, in the order changes were applied; they must not call [Store.Set].
type Store struct {
	mu     sync.Mutex
	cur    Settings
	nextID int
	subs   map[int]func(Settings)

	// notifyMu serialises deliveries so no subscriber sees values out of order.
	notifyMu sync.Mutex
}

// New returns a store holding initial. An invalid initial value is an error.
func New(initial Settings) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Store{cur: initial, subs: make(map[int]func(Settings))}, nil
}

// Get returns the current settings.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Set validates next, stores it and notifies subscribers. An invalid value
// leaves the store unchanged.
func (s *Store) Set(next Settings) error {
	return s.Update(func(cur *Settings) { *cur = next })
}

// Update applies fn to a copy of the current settings and stores the result
// as one step: concurrent updates are applied one after another, each seeing
// the previous result. fn must not call Set, Update or Subscribe.
func (s *Store) Update(fn func(*Settings)) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	next := s.cur
	s.mu.Unlock()

	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cur = next
	subs := make([]func(Settings), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return nil
}

// Subscribe registers fn. It is invoked immediately with the current value,
// then after every successful Set. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Settings)) (cancel func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	cur := s.cur
	s.mu.Unlock()

	fn(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}
